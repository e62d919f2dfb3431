// Package cpuref is a reference backend used by tests; it needs no native
// inference runtime.
// It implements the backend.Capability vtable for a tiny element-wise
// model format (Blob selects "multiply" or "add") and a tiny script
// language of the shape "name(arg, arg) = expr" where expr sums or
// multiplies its arguments.
//
// Element-wise math goes through gonum/floats rather than hand-rolled
// loops.
package cpuref

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/tensorplane/aidag/internal/aierr"
	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/tensor"
)

// modelHandle is what ModelCreate returns: the parsed op selector.
type modelHandle struct {
	op string // "multiply" | "add"
}

func modelCreate(blob []byte, device string, alloc backend.Allocator) (any, error) {
	op := strings.TrimSpace(string(blob))
	switch op {
	case "multiply", "add":
		return &modelHandle{op: op}, nil
	default:
		return nil, aierr.New(aierr.ModelCreate, fmt.Sprintf("cpuref: unsupported model op %q", op))
	}
}

func modelFree(handle any) {}

func modelSerialize(handle any) ([]byte, error) {
	h := handle.(*modelHandle)
	return []byte(h.op), nil
}

// modelRun executes each ModelCtx independently: cpuref is a reference
// backend and does not itself fuse the batch (internal/worker already
// concatenated the inputs before calling in; cpuref just computes).
func modelRun(handle any, ctxs []*execctx.ModelCtx) error {
	h := handle.(*modelHandle)
	for _, ctx := range ctxs {
		if ctx.NumInputs() != 2 {
			return aierr.New(aierr.ModelRun, "cpuref: model requires exactly 2 inputs")
		}
		a, b := ctx.GetInput(0), ctx.GetInput(1)
		out, err := elementwise(h.op, a, b)
		if err != nil {
			return aierr.Wrap(aierr.ModelRun, err)
		}
		if ctx.NumOutputs() == 0 {
			ctx.AddOutputPlaceholder()
		}
		ctx.SetOutput(0, out)
		out.Release()
	}
	return nil
}

func elementwise(op string, a, b *tensor.Tensor) (*tensor.Tensor, error) {
	af, err := a.Floats()
	if err != nil {
		return nil, err
	}
	bf, err := b.Floats()
	if err != nil {
		return nil, err
	}
	if len(af) != len(bf) {
		return nil, tensor.ErrShapeMismatch
	}
	out := make([]float64, len(af))
	copy(out, af)
	switch op {
	case "multiply":
		floats.Mul(out, bf)
	case "add":
		floats.Add(out, bf)
	default:
		return nil, fmt.Errorf("cpuref: unknown op %q", op)
	}
	outF32 := make([]string, len(out))
	for i, v := range out {
		outF32[i] = fmt.Sprintf("%v", v)
	}
	return tensor.FromValues(a.DType(), a.Shape(), outF32)
}

func scriptCreate(source string, device string, alloc backend.Allocator) (any, error) {
	defs, err := parseScript(source)
	if err != nil {
		return nil, aierr.Wrap(aierr.ScriptCreate, err)
	}
	return defs, nil
}

func scriptFree(handle any) {}

func scriptRun(handle any, ctx *execctx.ScriptCtx) error {
	defs := handle.(map[string]funcDef)
	def, ok := defs[ctx.Function]
	if !ok {
		return aierr.New(aierr.ScriptRun, fmt.Sprintf("cpuref: function %q not found", ctx.Function))
	}
	if ctx.NumInputs() != len(def.params) {
		return aierr.New(aierr.ScriptRun, fmt.Sprintf("cpuref: %s expects %d inputs, got %d", ctx.Function, len(def.params), ctx.NumInputs()))
	}
	env := make(map[string]*tensor.Tensor, len(def.params))
	for i, p := range def.params {
		env[p] = ctx.GetInput(i)
	}
	out, err := def.expr.eval(env)
	if err != nil {
		return aierr.Wrap(aierr.ScriptRun, err)
	}
	if ctx.NumOutputs() == 0 {
		ctx.AddOutputPlaceholder()
	}
	ctx.SetOutput(0, out)
	out.Release()
	return nil
}

// Capability is the cpuref backend.Capability value; register it with a
// backend.Table directly (it needs no lazy plug-in load).
var Capability = backend.Capability{
	ModelCreate:    modelCreate,
	ModelFree:      modelFree,
	ModelRun:       modelRun,
	ModelSerialize: modelSerialize,
	ScriptCreate:   scriptCreate,
	ScriptFree:     scriptFree,
	ScriptRun:      scriptRun,
}
