// Package queue implements the per-device run queue and its worker
// goroutine pool: a mutex-plus-sync.Cond FIFO of *dag.RunInfo per device
// string.
package queue

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tensorplane/aidag/internal/config"
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/onnxtimeout"
)

// Queue is one device's FIFO of pending RunInfos plus the cond var its
// workers block on.
type Queue struct {
	Device string

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*dag.RunInfo
	closed   bool
	stopTick chan struct{}
}

func newQueue(device string) *Queue {
	q := &Queue{Device: device, stopTick: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.tick()
	return q
}

// tick broadcasts the cond every millisecond, waking any worker blocked
// in PopFront to re-check the queue. Go's sync.Cond has no native timed
// wait, so this goroutine drives the periodic re-check instead. PopFront
// only waits while the queue is empty, so a RunInfo pushed back by a
// deferred batch decision is popped again without waiting for a tick.
func (q *Queue) tick() {
	t := time.NewTicker(time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			q.cond.Broadcast()
		case <-q.stopTick:
			return
		}
	}
}

// push appends rinfo and wakes one waiting worker.
func (q *Queue) push(rinfo *dag.RunInfo) {
	q.mu.Lock()
	q.pending = append(q.pending, rinfo)
	q.mu.Unlock()
	q.cond.Signal()
}

// PopFront blocks until the queue is non-empty or Close is called, then
// removes and returns the front item. Returns ok=false once closed with
// an empty queue.
func (q *Queue) PopFront() (rinfo *dag.RunInfo, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.pending) == 0 {
		return nil, false
	}
	rinfo = q.pending[0]
	q.pending = q.pending[1:]
	return rinfo, true
}

// PushFront re-queues rinfo at the head of the queue, used when a worker
// defers a batch decision and must try again once more items arrive or
// MinBatchTimeout elapses.
func (q *Queue) PushFront(rinfo *dag.RunInfo) {
	q.mu.Lock()
	q.pending = append([]*dag.RunInfo{rinfo}, q.pending...)
	q.mu.Unlock()
	q.cond.Signal()
}

// WithLock runs fn holding the queue's mutex, used by worker.extendBatch
// to scan and evict from the pending slice atomically.
func (q *Queue) WithLock(fn func(pending *[]*dag.RunInfo)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(&q.pending)
}

// Close wakes every blocked worker so it can observe shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	close(q.stopTick)
	q.cond.Broadcast()
}

// Manager owns one Queue per uppercased device string and the goroutines
// draining each. The worker goroutines are tracked in an errgroup so
// CloseAll can be followed by Wait to block until every one of them has
// actually returned, rather than merely having been signaled to stop.
type Manager struct {
	mu      sync.Mutex
	queues  map[string]*Queue
	runLoop func(q *Queue)
	eg      errgroup.Group
}

// NewManager constructs a Manager. runLoop is the per-worker-goroutine
// entry point (worker.Loop in production, a stub in tests), injected here
// to avoid internal/queue importing internal/worker (which itself imports
// internal/queue to reach Queue/Manager).
func NewManager(runLoop func(q *Queue)) *Manager {
	return &Manager{queues: make(map[string]*Queue), runLoop: runLoop}
}

// QueueFor returns the Queue for device, creating it (and its worker
// goroutines) idempotently on first use.
func (m *Manager) QueueFor(device string) *Queue {
	key := strings.ToUpper(device)

	m.mu.Lock()
	if q, ok := m.queues[key]; ok {
		m.mu.Unlock()
		return q
	}
	q := newQueue(device)
	m.queues[key] = q
	m.mu.Unlock()

	n := config.ThreadsPerQueue()
	onnxtimeout.Global().Grow(n)
	for i := 0; i < n; i++ {
		m.eg.Go(func() error {
			m.runLoop(q)
			return nil
		})
	}
	return q
}

// Push implements dag.Pusher: it routes rinfo onto device's queue,
// creating the queue on first use.
func (m *Manager) Push(device string, rinfo *dag.RunInfo) {
	m.QueueFor(device).push(rinfo)
}

// CloseAll shuts down every queue's workers, used by tests and graceful
// shutdown paths. It does not wait for the worker goroutines to exit;
// call Wait afterward to block until they have.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queues {
		q.Close()
	}
}

// Wait blocks until every worker goroutine started by QueueFor has
// returned. Callers must have already called CloseAll (or otherwise
// closed every queue), since worker.Loop only returns once its queue's
// PopFront reports closed.
func (m *Manager) Wait() {
	m.eg.Wait()
}
