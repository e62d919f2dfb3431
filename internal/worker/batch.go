package worker

import (
	"slices"
	"time"

	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/queue"
	"github.com/tensorplane/aidag/tensor"
)

// extendBatch grows a ready op into a batch of compatible ops (same
// Model, same input count, dtypes and non-batch dimensions), honoring
// BatchSize/MinBatchSize/MinBatchTimeout.
// It returns the full list of RunInfo/op pairs to execute together, or
// nil after pushing first and any evicted candidates back onto the queue
// to wait for more batch members.
func extendBatch(q *queue.Queue, first *dag.RunInfo, op *dag.ModelRunOp) []member {
	model := op.Model
	members := []member{{first, op}}

	bindInputs(first, op, op.Context())
	if !model.Policy.Batchable() {
		return members
	}

	total := batchExtentOf(op)

	var evicted []*dag.RunInfo
	q.WithLock(func(pending *[]*dag.RunInfo) {
		kept := (*pending)[:0:0]
		for _, cand := range *pending {
			if total >= model.Policy.BatchSize {
				kept = append(kept, cand)
				continue
			}
			candOp, ok := matchingOp(cand, q.Device, model)
			if !ok {
				kept = append(kept, cand)
				continue
			}
			bindInputs(cand, candOp, candOp.Context())
			a, b := op.Context(), candOp.Context()
			mismatch := a.NumInputs() != b.NumInputs()
			for k := 0; !mismatch && k < a.NumInputs(); k++ {
				x, y := a.GetInput(k), b.GetInput(k)
				mismatch = x.DType() != y.DType() || x.NDim() == 0 || x.NDim() != y.NDim() ||
					!slices.Equal(x.Shape()[1:], y.Shape()[1:])
			}
			if mismatch {
				kept = append(kept, cand)
				continue
			}
			extent := batchExtentOf(candOp)
			if total+extent > model.Policy.BatchSize {
				kept = append(kept, cand)
				continue
			}
			total += extent
			members = append(members, member{cand, candOp})
			evicted = append(evicted, cand)
		}
		*pending = kept
	})

	minSatisfied := model.Policy.MinBatchSize <= 0 || total >= model.Policy.MinBatchSize
	timeoutElapsed := model.Policy.MinBatchTimeoutMS <= 0 ||
		time.Since(first.QueuedAt) >= time.Duration(model.Policy.MinBatchTimeoutMS)*time.Millisecond

	if minSatisfied || timeoutElapsed {
		return members
	}

	// Not enough to satisfy MinBatchSize yet and the timeout hasn't
	// elapsed: put every evicted candidate back and defer first itself.
	q.WithLock(func(pending *[]*dag.RunInfo) {
		*pending = append(evicted, *pending...)
	})
	q.PushFront(first)
	return nil
}

// matchingOp reports whether cand's next pending op for device is a ready
// ModelRunOp bound to the same Model instance as the one being batched.
func matchingOp(cand *dag.RunInfo, device string, model *objects.Model) (*dag.ModelRunOp, bool) {
	ops := cand.DeviceOpsFor(device)
	i := int(cand.CursorFor(device).Load())
	if i >= len(ops) {
		return nil, false
	}
	mop, ok := ops[i].(*dag.ModelRunOp)
	if !ok || mop.Result() != dag.Pending || mop.Model != model {
		return nil, false
	}
	if !mop.Ready(cand.SharedTensors) {
		return nil, false
	}
	return mop, true
}

// batchExtentOf reads dimension 0 of op's first bound input, defaulting
// to 1 for scalar/rank-0 inputs.
func batchExtentOf(op *dag.ModelRunOp) int {
	ctx := op.Context()
	if ctx.NumInputs() == 0 {
		return 1
	}
	t := ctx.GetInput(0)
	if t == nil || t.NDim() == 0 {
		return 1
	}
	return int(t.Shape()[0])
}

// runBatch executes members through model's backend, concatenating
// inputs when there is more than one member and slicing the single
// backend call's outputs back apart per member.
func runBatch(model *objects.Model, members []member) {
	cap, err := backend.Global().GetWithRetry(model.Backend)
	if err != nil {
		failAll(members, err)
		return
	}
	if cap.ModelRun == nil {
		failAll(members, errUnsupportedModelRun(model.Backend))
		return
	}

	if len(members) == 1 {
		runSingle(cap, members[0])
		return
	}
	runConcatenated(cap, model, members)
}

func runSingle(cap backend.Capability, m member) {
	start := time.Now()
	err := cap.ModelRun(m.op.Model.Handle, []*execctx.ModelCtx{m.op.Context().(*execctx.ModelCtx)})
	elapsed := time.Since(start)
	completeOp(m.rinfo, m.op, m.op.Context(), err, elapsed, uint64(batchExtentOf(m.op)))
}

func runConcatenated(cap backend.Capability, model *objects.Model, members []member) {
	numInputs := members[0].op.Context().NumInputs()
	extents := make([]int64, len(members))
	offsets := make([]int64, len(members)+1)
	for i, m := range members {
		extents[i] = int64(batchExtentOf(m.op))
		offsets[i+1] = offsets[i] + extents[i]
	}

	batchCtx := execctx.NewModelCtx(model, model.Device)
	for idx := 0; idx < numInputs; idx++ {
		parts := make([]*tensor.Tensor, len(members))
		for mi, m := range members {
			parts[mi] = m.op.Context().GetInput(idx)
		}
		concatenated, err := tensor.Concat(parts...)
		if err != nil {
			failAll(members, err)
			return
		}
		batchCtx.AddInput(concatenated)
		concatenated.Release()
	}

	start := time.Now()
	runErr := cap.ModelRun(model.Handle, []*execctx.ModelCtx{batchCtx})
	elapsed := time.Since(start)
	if runErr != nil {
		failAll(members, runErr)
		return
	}

	for outIdx := 0; outIdx < batchCtx.NumOutputs(); outIdx++ {
		full := batchCtx.GetOutput(outIdx)
		for mi, m := range members {
			sliced, err := full.Slice(offsets[mi], extents[mi])
			if err != nil {
				completeOp(m.rinfo, m.op, m.op.Context(), err, elapsed, 0)
				continue
			}
			ctx := m.op.Context()
			if ctx.NumOutputs() <= outIdx {
				ctx.AddOutputPlaceholder()
			}
			ctx.SetOutput(outIdx, sliced)
			sliced.Release()
		}
	}
	for _, m := range members {
		if m.op.Result() == dag.Pending {
			completeOp(m.rinfo, m.op, m.op.Context(), nil, elapsed, uint64(batchExtentOf(m.op)))
		}
	}
}

func failAll(members []member, err error) {
	for _, m := range members {
		completeOp(m.rinfo, m.op, m.op.Context(), err, 0, 0)
	}
}

func errUnsupportedModelRun(kind objects.BackendKind) error {
	return &unsupportedModelRunError{kind: kind}
}

type unsupportedModelRunError struct{ kind objects.BackendKind }

func (e *unsupportedModelRunError) Error() string {
	return "worker: backend " + e.kind.String() + " does not implement ModelRun"
}
