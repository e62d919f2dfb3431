package dag

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tensorplane/aidag/internal/keyspace"
	"github.com/tensorplane/aidag/tensor"
)

// Slot is a single-assignment cell in a RunInfo's shared tensor slab,
// a OnceCell-style value specialized to exactly one write.
type Slot struct {
	mu      sync.Mutex
	present bool
	t       *tensor.Tensor
}

// Present reports whether the slot has been written.
func (s *Slot) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

// Set writes the slot exactly once. A second call panics: it indicates a
// planner bug (an output name reused by two ops writing the same slot),
// which the single-assignment invariant forbids entirely.
func (s *Slot) Set(t *tensor.Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.present {
		panic("dag: slot already assigned")
	}
	s.t = t
	s.present = true
}

// Get returns the slot's tensor, or nil if unset.
func (s *Slot) Get() *tensor.Tensor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

// PersistEntry names a shared slot that must be written back to the
// keyspace once the DAG completes successfully.
type PersistEntry struct {
	Key       string
	SlotIndex int
}

// RunInfo is the complete execution record for one DagExecute/ModelExecute
// /ScriptExecute call, shared across every device its ops touch.
type RunInfo struct {
	SharedTensors []*Slot
	PersistSet    []PersistEntry

	Ops       []Op
	DeviceOps map[string][]Op

	CompleteOps atomic.Int64
	DagError    atomic.Bool
	errOnce     sync.Once
	Err         error

	mu sync.RWMutex

	RefCount atomic.Int32

	QueuedAt  time.Time
	TimeoutMS int64
	TimedOut  atomic.Bool

	Client   keyspace.ClientHandle
	OnFinish func(*RunInfo)

	PrivateData any

	// singleDevice elides RWMutex use entirely on the fast path; it is
	// set by Plan.Distribute when the DAG touches exactly one device.
	singleDevice bool

	// cursors tracks, per device, how many of that device's ops have
	// already been dispatched. It lets worker.Loop push a RunInfo back
	// onto its queue mid-way through ("not enough for a batch yet, try
	// again later") and resume from the same op next time any worker
	// pops it, without duplicating already-run ops.
	cursors sync.Map // device string -> *atomic.Int32
}

// CursorFor returns the dispatch cursor for device, creating it at zero
// on first use.
func (r *RunInfo) CursorFor(device string) *atomic.Int32 {
	v, _ := r.cursors.LoadOrStore(device, &atomic.Int32{})
	return v.(*atomic.Int32)
}

// Lock/Unlock/RLock/RUnlock are no-ops on the single-device fast path,
// skipping synchronization entirely when only one device is in flight.
func (r *RunInfo) Lock() {
	if !r.singleDevice {
		r.mu.Lock()
	}
}

func (r *RunInfo) Unlock() {
	if !r.singleDevice {
		r.mu.Unlock()
	}
}

func (r *RunInfo) RLock() {
	if !r.singleDevice {
		r.mu.RLock()
	}
}

func (r *RunInfo) RUnlock() {
	if !r.singleDevice {
		r.mu.RUnlock()
	}
}

// SetErr records the DAG's aggregate error exactly once; the first
// failure wins and is sticky for the rest of the run.
func (r *RunInfo) SetErr(err error) {
	r.errOnce.Do(func() {
		r.Err = err
		r.DagError.Store(true)
	})
}

// DeadlineExceeded reports whether TimeoutMS has elapsed since QueuedAt.
// TimeoutMS <= 0 means no deadline.
func (r *RunInfo) DeadlineExceeded(now time.Time) bool {
	if r.TimeoutMS <= 0 {
		return false
	}
	return now.Sub(r.QueuedAt) >= time.Duration(r.TimeoutMS)*time.Millisecond
}

// DeviceOpsFor returns this RunInfo's ops restricted to device, the slice
// a worker drains for its queue. device is matched case-insensitively, as
// Plan.Distribute groups devices. All bookkeeping fields (CompleteOps,
// RefCount, DagError, the RWMutex) live once on the shared *RunInfo; a
// per-device "shallow copy" is just this pointer plus a device string,
// not a duplicated RunInfo struct.
func (r *RunInfo) DeviceOpsFor(device string) []Op {
	if ops, ok := r.DeviceOps[device]; ok {
		return ops
	}
	for d, ops := range r.DeviceOps {
		if strings.EqualFold(d, device) {
			return ops
		}
	}
	return nil
}
