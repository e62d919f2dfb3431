package tensor

import "errors"

// Sentinel errors surfaced by tensor construction and accessors. Callers
// such as internal/parser wrap these in an internal/aierr Kind for
// protocol replies.
var (
	ErrBadDType      = errors.New("tensor: unsupported dtype")
	ErrBadBlobLength = errors.New("tensor: blob length disagrees with shape/dtype")
	ErrBadStringBlob = errors.New("tensor: string blob is not properly terminated")
	ErrBadValue      = errors.New("tensor: value does not fit target dtype")
	ErrBadShape      = errors.New("tensor: shape must be a non-empty sequence of positive extents")
	ErrIndexRange    = errors.New("tensor: index out of range")
	ErrIncompatible  = errors.New("tensor: operation not supported for this dtype")
	ErrShapeMismatch = errors.New("tensor: shapes are not compatible for this operation")
)
