// Package onnx implements the backend.Capability vtable for ONNX models
// on top of onnxruntime_go's session lifecycle: session options with
// intra/inter-op thread counts, NewDynamicAdvancedSession keyed by
// declared input/output names, and ort.Tensor built from a flat value
// slice plus an ort.Shape.
//
// Every ModelRun call is bracketed in internal/onnxtimeout's registry
// since ONNX is the one backend here that supports cooperative
// cancellation.
package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/tensorplane/aidag/internal/aierr"
	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/config"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/onnxtimeout"
	"github.com/tensorplane/aidag/tensor"
)

var initOnce sync.Once
var initErr error

func ensureInitialized(sharedLibPath string) error {
	initOnce.Do(func() {
		if sharedLibPath != "" {
			ort.SetSharedLibraryPath(sharedLibPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// session is the handle returned by ModelCreate.
type session struct {
	s           *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

// ModelSpec describes the tiny text header an ONNX objects.Model.Blob
// holds (parsed by decodeModelSpec): the path of the .onnx file on disk
// plus the declared input/output names the session needs. The blob does
// not carry the ONNX model bytes themselves.
type ModelSpec struct {
	Path        string
	InputNames  []string
	OutputNames []string
}

// NewLoader returns a backend.LoadFunc that yields this package's
// Capability. The onnxruntime shared library path is read from
// AIDAG_ONNXRUNTIME_LIB on the first modelCreate; when it is empty the
// system default onnxruntime.so/.dll search path is used.
func NewLoader() backend.LoadFunc {
	return func(alloc backend.Allocator) (backend.Capability, error) {
		return Capability, nil
	}
}

// modelCreate expects blob to be a ModelSpec header (see decodeModelSpec)
// naming an .onnx file on disk and its input/output names, and opens a
// session on that file. Nothing is written to disk here.
func modelCreate(blob []byte, device string, alloc backend.Allocator) (any, error) {
	if err := ensureInitialized(config.Var("AIDAG_ONNXRUNTIME_LIB")); err != nil {
		return nil, aierr.Wrap(aierr.ModelCreate, err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, aierr.Wrap(aierr.ModelCreate, err)
	}
	defer opts.Destroy()

	intra := config.IntraOpParallelism()
	if intra > 0 {
		if err := opts.SetIntraOpNumThreads(intra); err != nil {
			return nil, aierr.Wrap(aierr.ModelCreate, err)
		}
	}
	inter := config.InterOpParallelism()
	if inter > 0 {
		if err := opts.SetInterOpNumThreads(inter); err != nil {
			return nil, aierr.Wrap(aierr.ModelCreate, err)
		}
	}

	path, inputNames, outputNames, err := decodeModelSpec(blob)
	if err != nil {
		return nil, aierr.Wrap(aierr.ModelCreate, err)
	}

	s, err := ort.NewDynamicAdvancedSession(path, inputNames, outputNames, opts)
	if err != nil {
		return nil, aierr.Wrap(aierr.ModelCreate, err)
	}

	return &session{s: s, inputNames: inputNames, outputNames: outputNames}, nil
}

func modelFree(handle any) {
	if s, ok := handle.(*session); ok && s.s != nil {
		s.s.Destroy()
	}
}

func modelSerialize(handle any) ([]byte, error) {
	return nil, aierr.New(aierr.ModelSerialize, "onnx: re-serializing a live session is not supported; persist the original blob")
}

// modelRun feeds one batched ModelCtx at a time; internal/worker has
// already concatenated multiple RunInfos' inputs along the batch
// dimension before calling in.
func modelRun(handle any, ctxs []*execctx.ModelCtx) error {
	s := handle.(*session)
	for _, ctx := range ctxs {
		if err := runOne(s, ctx); err != nil {
			return aierr.Wrap(aierr.ModelRun, err)
		}
	}
	return nil
}

func runOne(s *session, ctx *execctx.ModelCtx) error {
	inputValues := make([]ort.Value, 0, ctx.NumInputs())
	for i := 0; i < ctx.NumInputs(); i++ {
		t := ctx.GetInput(i)
		v, err := toOrtTensor(t)
		if err != nil {
			return err
		}
		inputValues = append(inputValues, v)
	}
	defer func() {
		for _, v := range inputValues {
			v.Destroy()
		}
	}()

	outputValues := make([]ort.Value, len(s.outputNames))

	token := onnxtimeout.Global().Enter(s)
	defer onnxtimeout.Global().Exit(token)

	if err := s.s.Run(inputValues, outputValues); err != nil {
		return err
	}
	defer func() {
		for _, v := range outputValues {
			if v != nil {
				v.Destroy()
			}
		}
	}()

	for i, v := range outputValues {
		t, err := fromOrtTensor(v)
		if err != nil {
			return err
		}
		if ctx.NumOutputs() <= i {
			ctx.AddOutputPlaceholder()
		}
		ctx.SetOutput(i, t)
		t.Release()
	}
	return nil
}

func toOrtTensor(t *tensor.Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape()...)
	switch t.DType() {
	case tensor.Float32:
		vals, err := t.Floats()
		if err != nil {
			return nil, err
		}
		f32 := make([]float32, len(vals))
		for i, v := range vals {
			f32[i] = float32(v)
		}
		return ort.NewTensor(shape, f32)
	case tensor.Int64:
		vals := make([]int64, t.Len())
		for i := range vals {
			v, err := t.AtInt64(i)
			if err != nil {
				return nil, err
			}
			vals[i] = v
		}
		return ort.NewTensor(shape, vals)
	case tensor.Int32:
		vals := make([]int32, t.Len())
		for i := range vals {
			v, err := t.AtInt64(i)
			if err != nil {
				return nil, err
			}
			vals[i] = int32(v)
		}
		return ort.NewTensor(shape, vals)
	default:
		return nil, fmt.Errorf("onnx: unsupported input dtype %v", t.DType())
	}
}

func fromOrtTensor(v ort.Value) (*tensor.Tensor, error) {
	ft, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: only float32 outputs are supported by this reference wiring")
	}
	data := ft.GetData()
	shape := ft.GetShape()
	shape64 := make([]int64, len(shape))
	for i, s := range shape {
		shape64[i] = int64(s)
	}
	strs := make([]string, len(data))
	for i, f := range data {
		strs[i] = fmt.Sprintf("%v", f)
	}
	return tensor.FromValues(tensor.Float32, shape64, strs)
}

func scriptCreate(source string, device string, alloc backend.Allocator) (any, error) {
	return nil, aierr.New(aierr.ScriptCreate, "onnx: backend does not support ScriptRun")
}

func scriptFree(handle any) {}

func scriptRun(handle any, ctx *execctx.ScriptCtx) error {
	return aierr.New(aierr.ScriptRun, "onnx: backend does not support ScriptRun")
}

func terminate(runHandle any) {
	// onnxruntime_go's DynamicAdvancedSession does not expose a
	// RunOptions-level terminate hook, so this does nothing and the
	// in-flight run continues to completion. Registry.Scan still moves the
	// slot through Invalid to Terminated, so Exit's handshake holds and a
	// stale handle is never reused.
}

// processTerminator adapts this package's terminate func into the
// onnxtimeout.Terminator interface so a single value can be handed to
// every Registry.Scan call regardless of which session timed out.
type processTerminator struct{}

func (processTerminator) TerminateRun(handle any) { terminate(handle) }

// ProcessTerminator is passed to onnxtimeout.Registry.Scan by whatever
// drives the periodic timeout sweep (internal/engine's scan loop).
var ProcessTerminator onnxtimeout.Terminator = processTerminator{}

// Capability is the ONNX backend.Capability value.
var Capability = backend.Capability{
	ModelCreate:    modelCreate,
	ModelFree:      modelFree,
	ModelRun:       modelRun,
	ModelSerialize: modelSerialize,
	ScriptCreate:   scriptCreate,
	ScriptFree:     scriptFree,
	ScriptRun:      scriptRun,
	Terminate:      terminate,
}
