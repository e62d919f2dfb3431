// Package keyspace declares the narrow seam between the engine and the
// host key/value store. No storage engine lives here — these are the
// collaborator interfaces the engine calls out through; the engine never
// knows how a concrete implementation encodes or replicates anything.
package keyspace

import (
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/tensor"
)

// Reader resolves keys to the typed objects the DAG planner and the
// worker pool need. Implementations return a shallow copy (Clone) of
// whatever they hold; the caller owns the returned reference.
type Reader interface {
	GetTensor(key string) (*tensor.Tensor, error)
	GetModel(key string) (*objects.Model, error)
	GetScript(key string) (*objects.Script, error)
}

// Writer stores the typed objects back into the keyspace, taking
// ownership of the passed-in reference (callers should Clone first if
// they still need it afterward).
type Writer interface {
	SetTensor(key string, t *tensor.Tensor) error
	SetModel(key string, m *objects.Model) error
	SetScript(key string, s *objects.Script) error
}

// Router answers cluster-slot questions for PERSIST keys so the planner
// can reject a DAG that would write across shards it doesn't own.
type Router interface {
	HashSlot(key string) int
	IsLocal(slot int) bool
}

// Replicator is notified of keyspace mutations the engine performs on the
// host's behalf, so a cluster deployment can propagate them.
type Replicator interface {
	EmitTensorSet(key string, t *tensor.Tensor)
}

// ClientHandle is an opaque token identifying the caller that queued a
// DAG, round-tripped unexamined through RunInfo.Client back to whatever
// blocked-client mechanism the host uses to resume a waiting connection.
type ClientHandle interface {
	// Unblock is called exactly once, from complete.Finish, when the
	// owning RunInfo's reply is ready.
	Unblock(reply any)
}
