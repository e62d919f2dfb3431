package dag

import (
	"testing"
	"time"

	"github.com/tensorplane/aidag/tensor"
)

func TestSlotSingleAssignment(t *testing.T) {
	var s Slot
	if s.Present() {
		t.Fatal("zero-value slot should be unset")
	}
	tt, _ := tensor.FromValues(tensor.Float32, []int64{1}, []string{"1"})
	s.Set(tt)
	if !s.Present() {
		t.Fatal("slot should be present after Set")
	}
	if s.Get() != tt {
		t.Fatal("Get should return the same tensor passed to Set")
	}
}

func TestSlotDoubleWritePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second Set")
		}
	}()
	var s Slot
	tt, _ := tensor.FromValues(tensor.Float32, []int64{1}, []string{"1"})
	s.Set(tt)
	s.Set(tt)
}

func TestRunInfoSetErrFirstWins(t *testing.T) {
	r := &RunInfo{}
	firstErr := errString("first")
	secondErr := errString("second")
	r.SetErr(firstErr)
	r.SetErr(secondErr)
	if r.Err != firstErr {
		t.Fatalf("expected first error to stick, got %v", r.Err)
	}
	if !r.DagError.Load() {
		t.Fatal("DagError should be set")
	}
}

func TestRunInfoDeadlineExceeded(t *testing.T) {
	r := &RunInfo{TimeoutMS: 0}
	if r.DeadlineExceeded(time.Now()) {
		t.Fatal("TimeoutMS <= 0 means no deadline")
	}

	r = &RunInfo{TimeoutMS: 10, QueuedAt: time.Now().Add(-time.Second)}
	if !r.DeadlineExceeded(time.Now()) {
		t.Fatal("expected deadline exceeded a second after a 10ms timeout")
	}
}

func TestCursorForIsPerDevice(t *testing.T) {
	r := &RunInfo{}
	cpu := r.CursorFor("CPU")
	cpu.Add(3)
	if r.CursorFor("CPU").Load() != 3 {
		t.Fatal("CursorFor should return the same counter for the same device")
	}
	if r.CursorFor("GPU0").Load() != 0 {
		t.Fatal("a different device should have an independent cursor")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
