// Package tensor implements the typed n-dimensional array shared between
// the keyspace, the DAG planner, the worker pool and backend runtimes.
package tensor

import "fmt"

// DType is the closed set of element types a Tensor may hold.
type DType int

const (
	DTypeInvalid DType = iota
	Float32
	Float64
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Bool
	String
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "FLOAT"
	case Float64:
		return "DOUBLE"
	case Int8:
		return "INT8"
	case Int16:
		return "INT16"
	case Int32:
		return "INT32"
	case Int64:
		return "INT64"
	case Uint8:
		return "UINT8"
	case Uint16:
		return "UINT16"
	case Bool:
		return "BOOL"
	case String:
		return "STRING"
	default:
		return "INVALID"
	}
}

// ParseDType maps a wire-level dtype token to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "FLOAT", "FLOAT32":
		return Float32, nil
	case "DOUBLE", "FLOAT64":
		return Float64, nil
	case "INT8":
		return Int8, nil
	case "INT16":
		return Int16, nil
	case "INT32":
		return Int32, nil
	case "INT64":
		return Int64, nil
	case "UINT8":
		return Uint8, nil
	case "UINT16":
		return Uint16, nil
	case "BOOL":
		return Bool, nil
	case "STRING":
		return String, nil
	default:
		return DTypeInvalid, fmt.Errorf("%w: %q", ErrBadDType, s)
	}
}

// ElementSize returns the width in bytes of one element of a numeric dtype.
// It panics for String, which has no fixed element width.
func (d DType) ElementSize() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	case Int8, Uint8, Bool:
		return 1
	case Int16, Uint16:
		return 2
	default:
		panic(fmt.Sprintf("tensor: ElementSize called on non-numeric dtype %v", d))
	}
}

// dlpackCode mirrors the DLPack dtype-code/bits/lanes triple so backends can
// ingest a Tensor's DLView without copying.
func (d DType) dlpackCode() (code uint8, bits uint8, lanes uint16) {
	const (
		kDLInt   uint8 = 0
		kDLUInt  uint8 = 1
		kDLFloat uint8 = 2
		kDLBool  uint8 = 6
	)
	switch d {
	case Float32:
		return kDLFloat, 32, 1
	case Float64:
		return kDLFloat, 64, 1
	case Int8:
		return kDLInt, 8, 1
	case Int16:
		return kDLInt, 16, 1
	case Int32:
		return kDLInt, 32, 1
	case Int64:
		return kDLInt, 64, 1
	case Uint8:
		return kDLUInt, 8, 1
	case Uint16:
		return kDLUInt, 16, 1
	case Bool:
		return kDLBool, 8, 1
	default:
		return 0, 0, 0
	}
}
