// Package dag implements the DAG op sum type and the RunInfo execution
// record: the planner's output and the worker pool's unit of work. Op is
// a Go-interface sum type, carrying one struct per concrete operation
// kind instead of a type tag plus a union.
package dag

import (
	"time"

	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/stats"
)

// Result is the tri-state an op's execution settles into.
type Result int

const (
	Pending Result = iota
	OK
	Err
)

// Op is implemented by every concrete DAG operation.
type Op interface {
	Device() string
	Ready(shared []*Slot) bool
	Result() Result
	SetResult(r Result)
	SetErr(err error)
	Error() error
	Duration() time.Duration
	SetDuration(d time.Duration)
	Stats() *stats.RunStats
	Context() execctx.Context
	// InputSlots/OutputSlots expose resolved slab indices so worker code
	// can bind a backend execution context and write results back.
	InputSlots() []int
	OutputSlots() []int
}

// opCommon is embedded by every concrete op and implements the bookkeeping
// half of the Op interface.
type opCommon struct {
	device   string
	in       []int
	out      []int
	result   Result
	err      error
	duration time.Duration
	stats    *stats.RunStats
	ctx      execctx.Context
}

func (c *opCommon) Device() string              { return c.device }
func (c *opCommon) Result() Result              { return c.result }
func (c *opCommon) SetResult(r Result)          { c.result = r }
func (c *opCommon) SetErr(err error)            { c.err = err; c.result = Err }
func (c *opCommon) Error() error                { return c.err }
func (c *opCommon) Duration() time.Duration     { return c.duration }
func (c *opCommon) SetDuration(d time.Duration) { c.duration = d }
func (c *opCommon) Stats() *stats.RunStats      { return c.stats }
func (c *opCommon) Context() execctx.Context    { return c.ctx }
func (c *opCommon) InputSlots() []int           { return c.in }
func (c *opCommon) OutputSlots() []int          { return c.out }

// ready reports whether every slot in indices is populated.
func ready(shared []*Slot, indices []int) bool {
	for _, i := range indices {
		if !shared[i].Present() {
			return false
		}
	}
	return true
}

// TensorSetOp binds a literal tensor (already decoded by the parser)
// directly into a shared slot; it has no runtime work beyond readiness.
type TensorSetOp struct {
	opCommon
}

func NewTensorSetOp(device string, outSlot int) *TensorSetOp {
	return &TensorSetOp{opCommon: opCommon{device: device, out: []int{outSlot}}}
}

func (o *TensorSetOp) Ready(shared []*Slot) bool { return ready(shared, o.in) }

// TensorGetOp reads a shared slot back out for the reply; like
// TensorSetOp it performs no backend work, only completion bookkeeping.
type TensorGetOp struct {
	opCommon
}

func NewTensorGetOp(device string, inSlot int) *TensorGetOp {
	return &TensorGetOp{opCommon: opCommon{device: device, in: []int{inSlot}}}
}

func (o *TensorGetOp) Ready(shared []*Slot) bool { return ready(shared, o.in) }

// ModelRunOp invokes a Model through the backend table. Inputs/outputs
// are resolved slot indices in the model's declared order.
type ModelRunOp struct {
	opCommon
	Model *objects.Model
}

func NewModelRunOp(device string, model *objects.Model, in, out []int, st *stats.RunStats) *ModelRunOp {
	return &ModelRunOp{
		opCommon: opCommon{device: device, in: in, out: out, stats: st, ctx: execctx.NewModelCtx(model, device)},
		Model:    model,
	}
}

func (o *ModelRunOp) Ready(shared []*Slot) bool { return ready(shared, o.in) }

// ScriptRunOp invokes one function of a Script through the backend table.
type ScriptRunOp struct {
	opCommon
	Script   *objects.Script
	Function string
}

func NewScriptRunOp(device string, script *objects.Script, function string, in, out []int, st *stats.RunStats, ctx *execctx.ScriptCtx) *ScriptRunOp {
	return &ScriptRunOp{
		opCommon: opCommon{device: device, in: in, out: out, stats: st, ctx: ctx},
		Script:   script,
		Function: function,
	}
}

func (o *ScriptRunOp) Ready(shared []*Slot) bool { return ready(shared, o.in) }
