package worker

import (
	"testing"
	"time"

	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/backend/cpuref"
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/queue"
	"github.com/tensorplane/aidag/tensor"
)

func init() {
	backend.Global().RegisterCapability(objects.Torch, cpuref.Capability)
}

func mustBatchTensor(t *testing.T, vals []string) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.FromValues(tensor.Float32, []int64{1, int64(len(vals))}, vals)
	if err != nil {
		t.Fatal(err)
	}
	return tt
}

// singleOpRunInfo builds a one-op, one-device RunInfo around a
// ModelRunOp bound to model, with its two inputs pre-populated and a
// single empty output slot.
func singleOpRunInfo(t *testing.T, model *objects.Model, a, b *tensor.Tensor) (*dag.RunInfo, *dag.ModelRunOp) {
	t.Helper()
	op := dag.NewModelRunOp("CPU", model, []int{0, 1}, []int{2}, nil)

	slotA, slotB, slotOut := &dag.Slot{}, &dag.Slot{}, &dag.Slot{}
	slotA.Set(a)
	slotB.Set(b)

	r := &dag.RunInfo{
		SharedTensors: []*dag.Slot{slotA, slotB, slotOut},
		Ops:           []dag.Op{op},
		DeviceOps:     map[string][]dag.Op{"CPU": {op}},
		QueuedAt:      time.Now(),
	}
	r.RefCount.Store(1)
	return r, op
}

func TestExtendBatchGathersAndRunsConcatenated(t *testing.T) {
	handle, err := cpuref.Capability.ModelCreate([]byte("multiply"), "CPU", backend.DefaultAllocator)
	if err != nil {
		t.Fatal(err)
	}
	model := objects.NewModel(objects.Torch, "CPU", "v1", objects.BatchPolicy{BatchSize: 4, MinBatchSize: 2}, nil, nil, nil, handle)

	r1, op1 := singleOpRunInfo(t, model,
		mustBatchTensor(t, []string{"1", "2"}), mustBatchTensor(t, []string{"3", "4"}))
	r2, op2 := singleOpRunInfo(t, model,
		mustBatchTensor(t, []string{"5", "6"}), mustBatchTensor(t, []string{"7", "8"}))

	mgr := queue.NewManager(func(q *queue.Queue) {})
	defer mgr.CloseAll()
	q := mgr.QueueFor("CPU")
	q.PushFront(r2)

	members := extendBatch(q, r1, op1)
	if members == nil {
		t.Fatal("expected extendBatch to return a ready batch, not defer")
	}
	if len(members) != 2 {
		t.Fatalf("expected both RunInfos batched together, got %d members", len(members))
	}

	runBatch(model, members)

	if op1.Result() != dag.OK {
		t.Fatalf("expected op1 to complete OK, got %v (err=%v)", op1.Result(), op1.Error())
	}
	if op2.Result() != dag.OK {
		t.Fatalf("expected op2 to complete OK, got %v (err=%v)", op2.Result(), op2.Error())
	}

	got1, _ := r1.SharedTensors[2].Get().Floats()
	want1 := []float64{3, 8}
	for i := range want1 {
		if got1[i] != want1[i] {
			t.Fatalf("r1 output: got %v, want %v", got1, want1)
		}
	}

	got2, _ := r2.SharedTensors[2].Get().Floats()
	want2 := []float64{35, 48}
	for i := range want2 {
		if got2[i] != want2[i] {
			t.Fatalf("r2 output: got %v, want %v", got2, want2)
		}
	}
}

func TestExtendBatchDefersBelowMinBatchSize(t *testing.T) {
	handle, err := cpuref.Capability.ModelCreate([]byte("add"), "CPU", backend.DefaultAllocator)
	if err != nil {
		t.Fatal(err)
	}
	model := objects.NewModel(objects.Torch, "CPU", "v1",
		objects.BatchPolicy{BatchSize: 100, MinBatchSize: 5, MinBatchTimeoutMS: int64(time.Hour.Milliseconds())},
		nil, nil, nil, handle)

	r1, op1 := singleOpRunInfo(t, model,
		mustBatchTensor(t, []string{"1", "2"}), mustBatchTensor(t, []string{"3", "4"}))
	r2, _ := singleOpRunInfo(t, model,
		mustBatchTensor(t, []string{"5", "6"}), mustBatchTensor(t, []string{"7", "8"}))

	mgr := queue.NewManager(func(q *queue.Queue) {})
	defer mgr.CloseAll()
	q := mgr.QueueFor("CPU")
	q.PushFront(r2)

	members := extendBatch(q, r1, op1)
	if members != nil {
		t.Fatal("expected extendBatch to defer when MinBatchSize is unmet and the timeout hasn't elapsed")
	}

	var pendingLen int
	q.WithLock(func(pending *[]*dag.RunInfo) { pendingLen = len(*pending) })
	if pendingLen != 2 {
		t.Fatalf("expected first and the evicted candidate to be back on the queue, got %d pending", pendingLen)
	}

	popped, ok := q.PopFront()
	if !ok || popped != r1 {
		t.Fatal("expected first to be pushed back to the front of the queue")
	}
}

func TestExtendBatchNonBatchablePolicyRunsAlone(t *testing.T) {
	handle, err := cpuref.Capability.ModelCreate([]byte("add"), "CPU", backend.DefaultAllocator)
	if err != nil {
		t.Fatal(err)
	}
	model := objects.NewModel(objects.Torch, "CPU", "v1", objects.BatchPolicy{}, nil, nil, nil, handle)

	r1, op1 := singleOpRunInfo(t, model,
		mustBatchTensor(t, []string{"1", "2"}), mustBatchTensor(t, []string{"3", "4"}))

	mgr := queue.NewManager(func(q *queue.Queue) {})
	defer mgr.CloseAll()
	q := mgr.QueueFor("CPU")

	members := extendBatch(q, r1, op1)
	if len(members) != 1 {
		t.Fatalf("expected exactly 1 member for a non-batchable policy, got %d", len(members))
	}

	runBatch(model, members)
	if op1.Result() != dag.OK {
		t.Fatalf("expected op1 to complete OK, got %v (err=%v)", op1.Result(), op1.Error())
	}
	got, _ := r1.SharedTensors[2].Get().Floats()
	want := []float64{4, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
