package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// AtFloat64 reads element i (in row-major flattened order) as a float64.
// It fails for String tensors and for out-of-range indices.
func (t *Tensor) AtFloat64(i int) (float64, error) {
	if t.dtype == String {
		return 0, ErrIncompatible
	}
	if i < 0 || int64(i) >= t.Len() {
		return 0, ErrIndexRange
	}
	off := i * t.dtype.ElementSize()
	b := t.blob[off : off+t.dtype.ElementSize()]
	switch t.dtype {
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	default:
		iv, err := t.AtInt64(i)
		return float64(iv), err
	}
}

// AtInt64 reads element i as an int64. It fails for String and Float dtypes.
func (t *Tensor) AtInt64(i int) (int64, error) {
	if i < 0 || int64(i) >= t.Len() {
		return 0, ErrIndexRange
	}
	off := i * t.dtype.ElementSize()
	switch t.dtype {
	case Int8:
		return int64(int8(t.blob[off])), nil
	case Uint8, Bool:
		return int64(t.blob[off]), nil
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(t.blob[off : off+2]))), nil
	case Uint16:
		return int64(binary.LittleEndian.Uint16(t.blob[off : off+2])), nil
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(t.blob[off : off+4]))), nil
	case Int64:
		return int64(binary.LittleEndian.Uint64(t.blob[off : off+8])), nil
	default:
		return 0, ErrIncompatible
	}
}

// AtString returns the i'th string element, only valid for String tensors.
func (t *Tensor) AtString(i int) (string, error) {
	if t.dtype != String {
		return "", ErrIncompatible
	}
	if i < 0 || int64(i) >= t.Len() {
		return "", ErrIndexRange
	}
	start := t.offsets[i]
	end := int64(len(t.blob))
	for j, b := range t.blob[start:] {
		if b == 0 {
			end = start + int64(j)
			break
		}
	}
	return string(t.blob[start:end]), nil
}

// SetFloat64 writes a float64 into element i, converting as needed.
func (t *Tensor) SetFloat64(i int, v float64) error {
	if i < 0 || int64(i) >= t.Len() {
		return ErrIndexRange
	}
	off := i * t.dtype.ElementSize()
	switch t.dtype {
	case Float32:
		binary.LittleEndian.PutUint32(t.blob[off:off+4], math.Float32bits(float32(v)))
		return nil
	case Float64:
		binary.LittleEndian.PutUint64(t.blob[off:off+8], math.Float64bits(v))
		return nil
	default:
		return t.SetInt64(i, int64(v))
	}
}

// SetInt64 writes an int64 into element i, converting as needed.
func (t *Tensor) SetInt64(i int, v int64) error {
	if i < 0 || int64(i) >= t.Len() {
		return ErrIndexRange
	}
	off := i * t.dtype.ElementSize()
	switch t.dtype {
	case Int8:
		t.blob[off] = byte(int8(v))
	case Uint8, Bool:
		t.blob[off] = byte(v)
	case Int16:
		binary.LittleEndian.PutUint16(t.blob[off:off+2], uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(t.blob[off:off+2], uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(t.blob[off:off+4], uint32(int32(v)))
	case Int64:
		binary.LittleEndian.PutUint64(t.blob[off:off+8], uint64(v))
	case Float32, Float64:
		return t.SetFloat64(i, float64(v))
	default:
		return ErrIncompatible
	}
	return nil
}

// Floats decodes every numeric element as float64, in flattened order.
// Used by the cpuref and onnx backends to read numeric inputs.
func (t *Tensor) Floats() ([]float64, error) {
	if t.dtype == String {
		return nil, ErrIncompatible
	}
	out := make([]float64, t.Len())
	for i := range out {
		v, err := t.AtFloat64(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Strings decodes every element as a string, only valid for String tensors.
func (t *Tensor) Strings() ([]string, error) {
	if t.dtype != String {
		return nil, ErrIncompatible
	}
	out := make([]string, t.Len())
	for i := range out {
		v, err := t.AtString(i)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{dtype=%v shape=%v refs=%d}", t.dtype, t.shape, t.RefCount())
}
