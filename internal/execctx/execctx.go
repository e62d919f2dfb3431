// Package execctx implements the polymorphic execution context bound to
// a single op's backend invocation: a Context gathers inputs in declared
// order, receives output placeholders, and is handed whole to a
// backend.Capability call.
package execctx

import (
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/tensor"
)

// Context is implemented by ModelCtx and ScriptCtx.
type Context interface {
	NumInputs() int
	AddInput(t *tensor.Tensor)
	GetInput(i int) *tensor.Tensor

	NumOutputs() int
	AddOutputPlaceholder()
	SetOutput(i int, t *tensor.Tensor)
	GetOutput(i int) *tensor.Tensor

	Device() string
}

type base struct {
	inputs  []*tensor.Tensor
	outputs []*tensor.Tensor
	device  string
}

func (b *base) NumInputs() int { return len(b.inputs) }

// AddInput takes a shallow copy: every tensor addition clones rather
// than aliasing the caller's reference.
func (b *base) AddInput(t *tensor.Tensor) { b.inputs = append(b.inputs, t.Clone()) }

func (b *base) GetInput(i int) *tensor.Tensor { return b.inputs[i] }

func (b *base) NumOutputs() int { return len(b.outputs) }

func (b *base) AddOutputPlaceholder() { b.outputs = append(b.outputs, nil) }

func (b *base) SetOutput(i int, t *tensor.Tensor) { b.outputs[i] = t.Clone() }

func (b *base) GetOutput(i int) *tensor.Tensor { return b.outputs[i] }

func (b *base) Device() string { return b.device }

// Release drops the references this context holds on its inputs and
// outputs. Called once the op has been dispatched and its outputs
// stamped into the DAG's shared tensor slab.
func (b *base) release() {
	for _, t := range b.inputs {
		if t != nil {
			t.Release()
		}
	}
	for _, t := range b.outputs {
		if t != nil {
			t.Release()
		}
	}
}

// ModelCtx binds a backend invocation to a specific Model. Inputs are
// supplied in the model's declared order.
type ModelCtx struct {
	base
	Model *objects.Model
}

func NewModelCtx(m *objects.Model, device string) *ModelCtx {
	return &ModelCtx{base: base{device: device}, Model: m}
}

func (c *ModelCtx) Release() { c.release() }

// ScalarKind is the closed set of typed scalar/list arguments a script
// entry point may declare.
type ScalarKind int

const (
	KindTensor ScalarKind = iota
	KindTensorList
	KindInt
	KindFloat
	KindString
	KindIntList
	KindFloatList
	KindStringList
)

// Arg is one typed input to a script entry point beyond plain tensors.
type Arg struct {
	Kind    ScalarKind
	Int     int64
	Float   float64
	Str     string
	IntList []int64
	FltList []float64
	StrList []string
}

// ScriptCtx binds a backend invocation to a Script + function name. In
// addition to tensor inputs it carries KeyRefs (keys the script may use
// to call back into the keyspace) and free-form string Args.
type ScriptCtx struct {
	base
	Script   *objects.Script
	Function string
	KeyRefs  []string
	Args     []Arg
	Keyspace KeyspaceClient
}

// KeyspaceClient is the capability-passing handle a script runtime may
// invoke synchronously from inside ScriptRun. Implementations must not
// be called while the engine holds the DAG's RWMutex or a queue's
// mutex — the worker always unlocks before entering the backend.
type KeyspaceClient interface {
	GetTensor(key string) (*tensor.Tensor, error)
	SetTensor(key string, t *tensor.Tensor) error
}

func NewScriptCtx(s *objects.Script, function, device string, keyRefs []string, args []Arg, kc KeyspaceClient) *ScriptCtx {
	return &ScriptCtx{
		base:     base{device: device},
		Script:   s,
		Function: function,
		KeyRefs:  keyRefs,
		Args:     args,
		Keyspace: kc,
	}
}

func (c *ScriptCtx) Release() { c.release() }
