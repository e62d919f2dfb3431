// Package worker implements the per-device worker loop that drains a
// queue.Queue and dispatches ready ops into backend.Table: pop, check
// readiness, unlock before the heavy call, relock to stamp results.
package worker

import (
	"fmt"
	"time"

	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/complete"
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/queue"
)

// finishDevice signals that this RunInfo has no more ops to run on the
// current device; complete.Finish decrements the DAG-wide device
// RefCount and runs OnFinish once every device has reported in.
func finishDevice(rinfo *dag.RunInfo) {
	complete.Finish(rinfo)
}

// Loop is the goroutine body queue.Manager spawns ThreadsPerQueue times
// per device. It runs until q is closed.
func Loop(q *queue.Queue) {
	for {
		rinfo, ok := q.PopFront()
		if !ok {
			return
		}
		runDevice(q, rinfo)
	}
}

// runDevice drains every not-yet-dispatched op this RunInfo has for q's
// device, resuming from wherever a prior push-back left off.
func runDevice(q *queue.Queue, rinfo *dag.RunInfo) {
	device := q.Device
	ops := rinfo.DeviceOpsFor(device)
	cursor := rinfo.CursorFor(device)

	if rinfo.TimedOut.Load() || rinfo.DeadlineExceeded(time.Now()) {
		rinfo.TimedOut.Store(true)
		finishDevice(rinfo)
		return
	}

	for {
		i := int(cursor.Load())
		if i >= len(ops) {
			finishDevice(rinfo)
			return
		}
		op := ops[i]
		if op.Result() != dag.Pending {
			cursor.Add(1)
			continue
		}
		if rinfo.DagError.Load() {
			// An earlier op already failed the whole DAG. Any later op
			// here either depends on a slot that failure left unwritten
			// (it would never become Ready) or is independent but moot
			// since the run won't persist anyway; leave it Pending so
			// completion replies NA for it and move on.
			cursor.Add(1)
			continue
		}
		if !op.Ready(rinfo.SharedTensors) {
			// The planner's linear name-to-slot resolution guarantees
			// same-device dependencies are ready by construction, so this
			// is a cross-device input whose producer on another queue has
			// not finished yet. rinfo goes back to the head of this queue
			// and the op is retried the next time a worker pops it, ahead
			// of anything queued behind it.
			q.PushFront(rinfo)
			return
		}

		switch o := op.(type) {
		case *dag.TensorSetOp, *dag.TensorGetOp:
			runPassthrough(rinfo, op)
		case *dag.ModelRunOp:
			if deferred := runModel(q, rinfo, o); deferred {
				return
			}
		case *dag.ScriptRunOp:
			runScript(rinfo, o)
		}
		cursor.Add(1)
	}
}

// runPassthrough marks a TensorSet/TensorGet op complete without any
// backend work: the value already lives in the shared slab (TensorSet)
// or will be read from it at completion time (TensorGet).
func runPassthrough(rinfo *dag.RunInfo, op dag.Op) {
	op.SetResult(dag.OK)
	rinfo.CompleteOps.Add(1)
}

// runModel dispatches a single ModelRunOp through extendBatch/runBatch.
// Returns true if the op was pushed back onto the queue to wait for more
// batch members and the caller must stop draining this RunInfo for now.
func runModel(q *queue.Queue, rinfo *dag.RunInfo, op *dag.ModelRunOp) (deferred bool) {
	members := extendBatch(q, rinfo, op)
	if members == nil {
		return true
	}
	runBatch(op.Model, members)
	return false
}

// member pairs a batched ModelRunOp with the RunInfo it belongs to, so
// runBatch can write each op's slice of a concatenated output back into
// the right RunInfo's shared slab.
type member struct {
	rinfo *dag.RunInfo
	op    *dag.ModelRunOp
}

// runScript dispatches a single ScriptRunOp. Scripts are never batched
// (batching applies to ModelRun only); the scripting backend here is
// TorchScript-only, so ScriptRun always resolves through the Torch
// backend kind.
func runScript(rinfo *dag.RunInfo, op *dag.ScriptRunOp) {
	ctx := op.Context().(*execctx.ScriptCtx)
	bindInputs(rinfo, op, ctx)

	start := time.Now()
	table := backend.Global()
	cap, err := table.GetWithRetry(objects.Torch)
	if err == nil {
		if cap.ScriptRun == nil {
			err = fmt.Errorf("worker: Torch backend does not implement ScriptRun")
		} else {
			err = cap.ScriptRun(op.Script.Handle, ctx)
		}
	}
	elapsed := time.Since(start)
	completeOp(rinfo, op, ctx, err, elapsed, 1)
}

// bindInputs copies this op's resolved input tensors from the shared
// slab into its execution context in declared order, under the DAG's
// read lock (elided entirely on the single-device fast path). It is a
// no-op if the context is already bound: extendBatch may be asked to
// (re-)consider the same op across multiple queue visits when a batch
// decision gets deferred, and inputs must only be copied in once.
func bindInputs(rinfo *dag.RunInfo, op dag.Op, ctx execctx.Context) {
	slots := op.InputSlots()
	if ctx.NumInputs() >= len(slots) {
		return
	}
	rinfo.RLock()
	defer rinfo.RUnlock()
	for _, slotIdx := range slots {
		ctx.AddInput(rinfo.SharedTensors[slotIdx].Get())
	}
}

// completeOp stamps an op's result, writes its outputs back into the
// shared slab, records stats, and sets the DAG-level aggregate error on
// first failure.
func completeOp(rinfo *dag.RunInfo, op dag.Op, ctx execctx.Context, runErr error, elapsed time.Duration, samples uint64) {
	op.SetDuration(elapsed)
	if runErr != nil {
		op.SetErr(runErr)
		rinfo.SetErr(runErr)
		if st := op.Stats(); st != nil {
			st.RecordError(uint64(elapsed.Microseconds()))
		}
		rinfo.CompleteOps.Add(1)
		return
	}

	rinfo.Lock()
	for i, slotIdx := range op.OutputSlots() {
		rinfo.SharedTensors[slotIdx].Set(ctx.GetOutput(i))
	}
	rinfo.Unlock()

	op.SetResult(dag.OK)
	if st := op.Stats(); st != nil {
		st.RecordSuccess(uint64(elapsed.Microseconds()), samples)
	}
	rinfo.CompleteOps.Add(1)
}
