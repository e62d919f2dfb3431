package onnxtimeout

import (
	"sync"
	"testing"
	"time"
)

type recordingTerminator struct {
	mu      sync.Mutex
	handles []any
}

func (r *recordingTerminator) TerminateRun(handle any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, handle)
}

func (r *recordingTerminator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func TestScanNoopWhenTimeoutUnset(t *testing.T) {
	r := &Registry{}
	r.Grow(1)
	r.Enter("handle")

	term := &recordingTerminator{}
	r.Scan(time.Now().Add(time.Hour), term)

	if term.count() != 0 {
		t.Fatal("Scan should not terminate anything when no timeout is configured")
	}
}

func TestScanTerminatesExpiredSlot(t *testing.T) {
	r := &Registry{}
	r.SetTimeout(10 * time.Millisecond)
	r.Grow(1)
	tok := r.Enter("handle-a")

	term := &recordingTerminator{}
	r.Scan(time.Now().Add(time.Hour), term)

	if term.count() != 1 {
		t.Fatalf("expected exactly one terminated slot, got %d", term.count())
	}
	if term.handles[0] != "handle-a" {
		t.Fatalf("expected the terminated handle to be handle-a, got %v", term.handles[0])
	}

	// Exit after termination must still reclaim the slot without a second
	// Terminate call targeting the next occupant.
	r.Exit(tok)

	tok2 := r.Enter("handle-b")
	r.Scan(time.Now(), term)
	if term.count() != 1 {
		t.Fatal("a freshly entered slot within its deadline must not be terminated")
	}
	r.Exit(tok2)
}

func TestScanDoesNotTerminateWithinDeadline(t *testing.T) {
	r := &Registry{}
	r.SetTimeout(time.Hour)
	r.Grow(1)
	r.Enter("handle")

	term := &recordingTerminator{}
	r.Scan(time.Now(), term)

	if term.count() != 0 {
		t.Fatal("Scan should not terminate a slot still within its deadline")
	}
}

func TestScanSkipsIdleSlotAfterExit(t *testing.T) {
	r := &Registry{}
	r.SetTimeout(10 * time.Millisecond)
	r.Grow(1)
	tok := r.Enter("handle")
	r.Exit(tok)

	term := &recordingTerminator{}
	r.Scan(time.Now().Add(time.Hour), term)

	if term.count() != 0 {
		t.Fatal("Scan must not terminate a slot that already exited naturally")
	}
}

func TestEnterReusesFreedSlots(t *testing.T) {
	r := &Registry{}
	r.Grow(1)
	tok := r.Enter("first")
	r.Exit(tok)

	tok2 := r.Enter("second")
	r.mu.Lock()
	nSlots := len(r.slots)
	r.mu.Unlock()
	if nSlots != 1 {
		t.Fatalf("expected Enter to reuse the freed slot instead of growing, got %d slots", nSlots)
	}
	r.Exit(tok2)
}
