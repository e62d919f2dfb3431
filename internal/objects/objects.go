// Package objects holds the keyspace-resident Model and Script containers.
// Both are reference-counted identically to tensor.Tensor: Clone aliases
// the backend handle and increments the shared count; Release decrements
// it and reports whether that was the last reference. Release does not
// free the backend handle (no backend ModelFree/ScriptFree call is made).
package objects

import "sync/atomic"

// BackendKind is the closed set of inference backends the engine can bind
// a Model or Script to.
type BackendKind int

const (
	BackendInvalid BackendKind = iota
	TF
	TFLite
	Torch
	ONNX
)

func (b BackendKind) String() string {
	switch b {
	case TF:
		return "TF"
	case TFLite:
		return "TFLITE"
	case Torch:
		return "TORCH"
	case ONNX:
		return "ONNX"
	default:
		return "INVALID"
	}
}

func ParseBackendKind(s string) (BackendKind, bool) {
	switch s {
	case "TF":
		return TF, true
	case "TFLITE":
		return TFLite, true
	case "TORCH":
		return Torch, true
	case "ONNX":
		return ONNX, true
	default:
		return BackendInvalid, false
	}
}

// BatchPolicy controls whether and how the worker pool may concatenate
// this Model's invocations into a single backend call.
type BatchPolicy struct {
	BatchSize         int
	MinBatchSize      int
	MinBatchTimeoutMS int64
}

// Batchable reports whether this policy permits batching at all.
func (p BatchPolicy) Batchable() bool { return p.BatchSize > 0 }

// Model is a registered, loaded inference model.
type Model struct {
	Backend BackendKind
	Device  string
	Tag     string
	Policy  BatchPolicy
	Inputs  []string // declared input names, if the backend requires named inputs
	Outputs []string // declared output names

	Blob   []byte // serialized definition, kept for re-emission on persist
	Handle any    // opaque backend handle

	refs *int32
}

// NewModel constructs a Model with an initial refcount of 1.
func NewModel(backend BackendKind, device, tag string, policy BatchPolicy, inputs, outputs []string, blob []byte, handle any) *Model {
	one := int32(1)
	return &Model{
		Backend: backend,
		Device:  device,
		Tag:     tag,
		Policy:  policy,
		Inputs:  inputs,
		Outputs: outputs,
		Blob:    blob,
		Handle:  handle,
		refs:    &one,
	}
}

func (m *Model) Clone() *Model {
	atomic.AddInt32(m.refs, 1)
	clone := *m
	return &clone
}

func (m *Model) Release() bool {
	n := atomic.AddInt32(m.refs, -1)
	if n < 0 {
		panic("objects: Model refcount underflow")
	}
	return n == 0
}

func (m *Model) RefCount() int32 { return atomic.LoadInt32(m.refs) }

// Script is a registered script with one or more named entry points.
type Script struct {
	Device      string
	Tag         string
	Source      string
	EntryPoints []string
	Handle      any

	refs *int32
}

func NewScript(device, tag, source string, entryPoints []string, handle any) *Script {
	one := int32(1)
	return &Script{
		Device:      device,
		Tag:         tag,
		Source:      source,
		EntryPoints: entryPoints,
		Handle:      handle,
		refs:        &one,
	}
}

func (s *Script) Clone() *Script {
	atomic.AddInt32(s.refs, 1)
	clone := *s
	return &clone
}

func (s *Script) Release() bool {
	n := atomic.AddInt32(s.refs, -1)
	if n < 0 {
		panic("objects: Script refcount underflow")
	}
	return n == 0
}

func (s *Script) RefCount() int32 { return atomic.LoadInt32(s.refs) }

// HasEntryPoint reports whether fn is among the script's declared entry
// points, or true unconditionally if none were declared (the script
// runtime is then trusted to resolve fn itself).
func (s *Script) HasEntryPoint(fn string) bool {
	if len(s.EntryPoints) == 0 {
		return true
	}
	for _, e := range s.EntryPoints {
		if e == fn {
			return true
		}
	}
	return false
}
