// Package onnxtimeout implements the cooperative cancellation handshake
// for backends that support it: a growable table of in-flight run
// handles, scanned by a periodic caller, expressed with typed atomics
// per slot instead of a mutex-guarded slice.
//
// Every ONNX ModelRun call registers itself via Enter before
// calling into onnxruntime and Exits once the call returns. A periodic
// Scan walks the slot table and calls the backend's Terminate hook on any
// slot that has been Active longer than its deadline, using a CAS so a
// call that finishes naturally between the deadline check and the
// terminate attempt is not terminated after its handle has already been
// reused by a new call.
package onnxtimeout

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// state is the per-slot lifecycle: Idle (unused) -> Active (a run is in
// flight) -> either back to Idle (ran to completion) or Invalid (Scan
// decided to terminate it) -> Terminated (Terminate has been called) ->
// Idle (slot freed for reuse once Exit observes Terminated).
type state int32

const (
	stateIdle state = iota
	stateActive
	stateInvalid
	stateTerminated
)

// Token is returned by Enter and must be passed to the matching Exit.
type Token struct {
	slot *slot
	gen  int64
}

type slot struct {
	state    atomic.Int32
	gen      atomic.Int64
	queuedAt atomic.Int64 // UnixNano
	handle   atomic.Value // handleBox, the backend run handle passed to Terminate
}

// handleBox wraps a run handle so atomic.Value always stores one concrete
// type, including when the handle is nil or handles differ in type.
type handleBox struct{ h any }

// Terminator is implemented by a backend that can interrupt an in-flight
// run given the handle it was started with (e.g. the onnx package's
// *session). Backends without a native cancel hook need not implement it.
type Terminator interface {
	TerminateRun(handle any)
}

// Registry is a growable table of slots scanned on a timer. The zero
// value is usable; Global returns the process-wide instance workers share
// the way they share the process-wide backend.Table.
type Registry struct {
	mu      sync.Mutex
	slots   []*slot
	free    []int
	timeout atomic.Int64 // nanoseconds; 0 disables deadline enforcement
}

var global = &Registry{}

// Global returns the process-wide onnxtimeout registry.
func Global() *Registry { return global }

// SetTimeout configures the deadline Scan enforces against Active slots.
// A zero duration disables enforcement (Scan becomes a no-op).
func (r *Registry) SetTimeout(d time.Duration) {
	r.timeout.Store(int64(d))
}

// Grow preallocates n additional slots, called by internal/queue when a
// new per-device worker comes online so Enter never blocks on allocation
// under the hot path.
func (r *Registry) Grow(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < n; i++ {
		idx := len(r.slots)
		r.slots = append(r.slots, &slot{})
		r.free = append(r.free, idx)
	}
}

// Enter claims a slot for a new in-flight run and marks it Active. The
// handle is whatever the backend needs to pass to its Terminate function;
// it may be nil for backends that don't support cancellation.
func (r *Registry) Enter(handle any) Token {
	r.mu.Lock()
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = len(r.slots)
		r.slots = append(r.slots, &slot{})
	}
	s := r.slots[idx]
	r.mu.Unlock()

	s.handle.Store(handleBox{h: handle})
	s.queuedAt.Store(time.Now().UnixNano())
	s.state.Store(int32(stateActive))
	gen := s.gen.Load()
	return Token{slot: s, gen: gen}
}

// Exit releases the slot a completed run was using. If Scan has already
// CASed the slot Active->Invalid, Exit spins until Scan finishes the
// Invalid->Terminated half of the handshake before reclaiming it: this is
// what guarantees a straggling Terminate call from a stale Scan pass can
// never land on the next occupant of the slot.
func (r *Registry) Exit(tok Token) {
	s := tok.slot
	for {
		switch state(s.state.Load()) {
		case stateActive:
			if s.state.CompareAndSwap(int32(stateActive), int32(stateIdle)) {
				goto reclaim
			}
		case stateInvalid:
			runtime.Gosched()
		case stateTerminated:
			if s.state.CompareAndSwap(int32(stateTerminated), int32(stateIdle)) {
				goto reclaim
			}
		default:
			goto reclaim
		}
	}
reclaim:
	s.handle.Store(handleBox{})
	s.gen.Add(1)

	r.mu.Lock()
	r.free = append(r.free, indexOf(r.slots, s))
	r.mu.Unlock()
}

func indexOf(slots []*slot, target *slot) int {
	for i, s := range slots {
		if s == target {
			return i
		}
	}
	return -1
}

// Scan walks every slot and, for each Active slot whose queuedAt predates
// now minus the configured timeout, CASes it from Active to Invalid and
// calls term.TerminateRun(handle). The CAS ensures a run that finishes
// (Exit already ran, state back to Idle) between the deadline check and
// the CAS is never terminated after the fact.
func (r *Registry) Scan(now time.Time, term Terminator) {
	timeout := r.timeout.Load()
	if timeout == 0 || term == nil {
		return
	}
	deadline := now.UnixNano() - timeout

	r.mu.Lock()
	slots := append([]*slot(nil), r.slots...)
	r.mu.Unlock()

	for _, s := range slots {
		if s.state.Load() != int32(stateActive) {
			continue
		}
		if s.queuedAt.Load() > deadline {
			continue
		}
		if !s.state.CompareAndSwap(int32(stateActive), int32(stateInvalid)) {
			continue
		}
		box, _ := s.handle.Load().(handleBox)
		term.TerminateRun(box.h)
		s.state.Store(int32(stateTerminated))
	}
}
