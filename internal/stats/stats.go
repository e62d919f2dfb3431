// Package stats tracks per-model/script call counters. Counters are
// updated with relaxed atomics; no invariant across fields is required,
// so a reader may observe Calls and DurationMicros from slightly
// different instants.
package stats

import (
	"sync"
	"sync/atomic"
)

// RunStats holds the counters for a single Model or Script key.
type RunStats struct {
	calls            atomic.Uint64
	errors           atomic.Uint64
	durationMicros   atomic.Uint64
	samplesProcessed atomic.Uint64
}

// RecordSuccess is called once per successfully executed op.
func (s *RunStats) RecordSuccess(durationMicros uint64, samples uint64) {
	s.calls.Add(1)
	s.durationMicros.Add(durationMicros)
	s.samplesProcessed.Add(samples)
}

// RecordError is called once per op that failed in the backend.
func (s *RunStats) RecordError(durationMicros uint64) {
	s.calls.Add(1)
	s.errors.Add(1)
	s.durationMicros.Add(durationMicros)
}

// Snapshot is a point-in-time, non-atomic read of all counters, used by
// the INFO-style introspection call exposed over HTTP by cmd/aidagd.
type Snapshot struct {
	Calls            uint64
	Errors           uint64
	DurationMicros   uint64
	SamplesProcessed uint64
}

func (s *RunStats) Snapshot() Snapshot {
	return Snapshot{
		Calls:            s.calls.Load(),
		Errors:           s.errors.Load(),
		DurationMicros:   s.durationMicros.Load(),
		SamplesProcessed: s.samplesProcessed.Load(),
	}
}

// Registry is a process-wide map from object key to its RunStats entry.
type Registry struct {
	entries sync.Map
}

func NewRegistry() *Registry {
	return &Registry{}
}

// For returns (creating if necessary) the RunStats entry for key.
func (r *Registry) For(key string) *RunStats {
	if v, ok := r.entries.Load(key); ok {
		return v.(*RunStats)
	}
	actual, _ := r.entries.LoadOrStore(key, &RunStats{})
	return actual.(*RunStats)
}

// Snapshot returns a copy of every tracked key's counters.
func (r *Registry) Snapshot() map[string]Snapshot {
	out := make(map[string]Snapshot)
	r.entries.Range(func(k, v any) bool {
		out[k.(string)] = v.(*RunStats).Snapshot()
		return true
	})
	return out
}

// Forget removes a key's stats entry, e.g. when its Model/Script is deleted.
func (r *Registry) Forget(key string) {
	r.entries.Delete(key)
}
