// Package complete implements DAG completion and persistence: once every
// device touched by a RunInfo has finished draining its ops, the reply
// is assembled and any PERSIST keys are written back to the keyspace.
package complete

import (
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/keyspace"
	"github.com/tensorplane/aidag/tensor"
)

// Finish decrements rinfo's device RefCount; the caller that observes it
// reach zero runs rinfo.OnFinish(rinfo) exactly once.
func Finish(rinfo *dag.RunInfo) {
	if rinfo.RefCount.Add(-1) == 0 {
		if rinfo.OnFinish != nil {
			rinfo.OnFinish(rinfo)
		}
	}
}

// ReplyKind is the closed set of per-op reply shapes.
type ReplyKind int

const (
	ReplyOK ReplyKind = iota
	ReplyNA
	ReplyTensor
	ReplyErr
)

// Reply is the sum type returned for the whole DAG and for each op.
type Reply struct {
	Kind   ReplyKind
	Tensor *tensor.Tensor
	Err    error
}

// Result is what DefaultOnFinish hands to rinfo.Client.Unblock: either a
// single top-level TIMEDOUT/DagBuilder-error reply, or one Reply per op.
type Result struct {
	TimedOut bool
	DagErr   error
	Replies  []Reply
}

// DefaultOnFinish assembles the reply and, on success, persists any
// PERSIST keys. w and repl may be nil for DAGs with no PERSIST keys
// (common for *_RO calls), in which case persistence is skipped
// entirely.
func DefaultOnFinish(w keyspace.Writer, repl keyspace.Replicator) func(*dag.RunInfo) {
	return func(rinfo *dag.RunInfo) {
		result := buildResult(rinfo, w, repl)
		if rinfo.Client != nil {
			rinfo.Client.Unblock(result)
		}
	}
}

func buildResult(rinfo *dag.RunInfo, w keyspace.Writer, repl keyspace.Replicator) Result {
	if rinfo.TimedOut.Load() {
		return Result{TimedOut: true}
	}

	if rinfo.DagError.Load() && isBuilderError(rinfo) {
		return Result{DagErr: rinfo.Err}
	}

	replies := make([]Reply, 0, len(rinfo.Ops))
	for _, op := range rinfo.Ops {
		replies = append(replies, replyFor(op, rinfo))
	}

	if !rinfo.DagError.Load() {
		persist(rinfo, w, repl)
	}

	return Result{Replies: replies}
}

// isBuilderError reports whether the DAG failed before any op ran at
// all (a planning-time failure recorded directly via RunInfo.SetErr with
// no op ever reaching a terminal state), as opposed to a single op's
// runtime failure which still produces a per-op reply.
func isBuilderError(rinfo *dag.RunInfo) bool {
	for _, op := range rinfo.Ops {
		if op.Result() != dag.Pending {
			return false
		}
	}
	return rinfo.Err != nil
}

func replyFor(op dag.Op, rinfo *dag.RunInfo) Reply {
	switch op.Result() {
	case dag.Err:
		return Reply{Kind: ReplyErr, Err: op.Error()}
	case dag.OK:
		if _, ok := op.(*dag.TensorGetOp); ok {
			slots := op.InputSlots()
			if len(slots) == 1 {
				return Reply{Kind: ReplyTensor, Tensor: rinfo.SharedTensors[slots[0]].Get()}
			}
		}
		return Reply{Kind: ReplyOK}
	default:
		return Reply{Kind: ReplyNA}
	}
}

// persist writes every PERSIST tensor back to the keyspace, emitting a
// replication record for each. A write failure aborts remaining persists
// but the replies already built are preserved.
func persist(rinfo *dag.RunInfo, w keyspace.Writer, repl keyspace.Replicator) {
	if w == nil {
		return
	}
	for _, entry := range rinfo.PersistSet {
		t := rinfo.SharedTensors[entry.SlotIndex].Get()
		if t == nil {
			continue
		}
		if err := w.SetTensor(entry.Key, t); err != nil {
			return
		}
		if repl != nil {
			repl.EmitTensorSet(entry.Key, t)
		}
	}
}
