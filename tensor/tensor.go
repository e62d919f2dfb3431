package tensor

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"unsafe"
)

// Tensor is a typed n-dimensional array with shared, reference-counted
// ownership. A Tensor is immutable after construction except for its
// refcount: Clone takes a shallow copy (refcount++), Release drops one
// reference; the backing storage is reclaimed by the Go garbage collector
// once no *Tensor header references it (see Release).
//
// String tensors additionally carry Offsets, a Len()-sized array of byte
// offsets into Blob for each null-terminated string element.
type Tensor struct {
	dtype   DType
	shape   []int64
	strides []int64
	blob    []byte
	offsets []int64 // nil unless dtype == String

	refs *int32
}

// product returns the product of shape, i.e. the element count.
func product(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	return n
}

func validateShape(shape []int64) error {
	if len(shape) == 0 {
		return ErrBadShape
	}
	for _, s := range shape {
		if s <= 0 {
			return ErrBadShape
		}
	}
	return nil
}

// rowMajorStrides derives contiguous strides (in elements) from shape.
func rowMajorStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func newTensor(dtype DType, shape []int64, blob []byte, offsets []int64) *Tensor {
	one := int32(1)
	return &Tensor{
		dtype:   dtype,
		shape:   shape,
		strides: rowMajorStrides(shape),
		blob:    blob,
		offsets: offsets,
		refs:    &one,
	}
}

// New builds a tensor from dtype, shape and a raw blob. For numeric dtypes
// it validates that blob_size == product(shape) * element_bytes; String
// blobs are checked and indexed by newStringFromBlob.
func New(dtype DType, shape []int64, blob []byte) (*Tensor, error) {
	if dtype == String {
		return newStringFromBlob(shape, blob)
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	want := product(shape) * int64(dtype.ElementSize())
	if int64(len(blob)) != want {
		return nil, fmt.Errorf("%w: got %d want %d", ErrBadBlobLength, len(blob), want)
	}
	return newTensor(dtype, shape, blob, nil), nil
}

// NewUninitialized allocates a zeroed numeric tensor of the given shape.
func NewUninitialized(dtype DType, shape []int64) (*Tensor, error) {
	if dtype == String {
		return nil, fmt.Errorf("%w: string tensors must be constructed from values or blob", ErrBadDType)
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	blob := make([]byte, product(shape)*int64(dtype.ElementSize()))
	return newTensor(dtype, shape, blob, nil), nil
}

// newStringFromBlob walks a blob of concatenated NUL-terminated strings,
// building the offsets array. The terminator count must equal
// product(shape) and the final byte must be a terminator.
func newStringFromBlob(shape []int64, blob []byte) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	want := product(shape)
	offsets := make([]int64, 0, want)
	start := int64(0)
	for i, b := range blob {
		if b == 0 {
			offsets = append(offsets, start)
			start = int64(i) + 1
		}
	}
	if int64(len(offsets)) != want {
		return nil, fmt.Errorf("%w: found %d terminators, want %d", ErrBadStringBlob, len(offsets), want)
	}
	if len(blob) == 0 || blob[len(blob)-1] != 0 {
		return nil, fmt.Errorf("%w: blob does not end with a NUL terminator", ErrBadStringBlob)
	}
	return newTensor(String, shape, blob, offsets), nil
}

// FromValues parses shape-matching scalar strings into a new tensor,
// rejecting out-of-range integers, non-booleans for Bool, and values that
// don't fit the target dtype.
func FromValues(dtype DType, shape []int64, values []string) (*Tensor, error) {
	if dtype == String {
		return fromStringValues(shape, values)
	}
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := product(shape)
	if int64(len(values)) != n {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrBadValue, len(values), n)
	}
	t, err := NewUninitialized(dtype, shape)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		if err := t.setElementFromString(i, v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func fromStringValues(shape []int64, values []string) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := product(shape)
	if int64(len(values)) != n {
		return nil, fmt.Errorf("%w: got %d values, want %d", ErrBadValue, len(values), n)
	}
	var blob []byte
	offsets := make([]int64, 0, n)
	for _, v := range values {
		offsets = append(offsets, int64(len(blob)))
		blob = append(blob, v...)
		blob = append(blob, 0)
	}
	return newTensor(String, shape, blob, offsets), nil
}

func (t *Tensor) setElementFromString(i int, v string) error {
	switch t.dtype {
	case Float32, Float64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not a number", ErrBadValue, v)
		}
		return t.SetFloat64(i, f)
	case Bool:
		switch v {
		case "1", "true", "True", "TRUE":
			return t.SetInt64(i, 1)
		case "0", "false", "False", "FALSE":
			return t.SetInt64(i, 0)
		default:
			return fmt.Errorf("%w: %q is not a boolean", ErrBadValue, v)
		}
	default:
		iv, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q is not an integer", ErrBadValue, v)
		}
		if !fitsDType(t.dtype, iv) {
			return fmt.Errorf("%w: %d does not fit %v", ErrBadValue, iv, t.dtype)
		}
		return t.SetInt64(i, iv)
	}
}

func fitsDType(d DType, v int64) bool {
	switch d {
	case Int8:
		return v >= -128 && v <= 127
	case Int16:
		return v >= -32768 && v <= 32767
	case Int32:
		return v >= -(1<<31) && v <= (1<<31)-1
	case Uint8:
		return v >= 0 && v <= 255
	case Uint16:
		return v >= 0 && v <= 65535
	case Int64:
		return true
	default:
		return true
	}
}

// Clone takes a shallow copy of t: it increments the shared refcount and
// returns a new *Tensor header aliasing the same backing storage.
func (t *Tensor) Clone() *Tensor {
	atomic.AddInt32(t.refs, 1)
	return &Tensor{
		dtype:   t.dtype,
		shape:   t.shape,
		strides: t.strides,
		blob:    t.blob,
		offsets: t.offsets,
		refs:    t.refs,
	}
}

// Release drops one reference. The backing storage (shape, strides,
// offsets, blob) is only actually freed by the Go garbage collector once
// every *Tensor header referencing it has been dropped; Release exists so
// callers can observe and assert the refcounted-ownership contract and so
// that a double-release is caught rather than silently ignored.
func (t *Tensor) Release() {
	if t.refs == nil {
		return
	}
	n := atomic.AddInt32(t.refs, -1)
	if n < 0 {
		panic("tensor: refcount underflow — released more times than cloned")
	}
}

// RefCount reports the current number of live shallow copies.
func (t *Tensor) RefCount() int32 { return atomic.LoadInt32(t.refs) }

func (t *Tensor) DType() DType     { return t.dtype }
func (t *Tensor) Shape() []int64   { return t.shape }
func (t *Tensor) Strides() []int64 { return t.strides }
func (t *Tensor) Offsets() []int64 { return t.offsets }
func (t *Tensor) Data() []byte     { return t.blob }
func (t *Tensor) Len() int64       { return product(t.shape) }
func (t *Tensor) NDim() int        { return len(t.shape) }
func (t *Tensor) ByteSize() int64  { return int64(len(t.blob)) }
func (t *Tensor) IsString() bool   { return t.dtype == String }

// DLView is a DLPack-compatible zero-copy descriptor of this tensor's data.
type DLView struct {
	Data       unsafe.Pointer
	NDim       int
	Shape      []int64
	Strides    []int64
	DTypeCode  uint8
	DTypeBits  uint8
	DTypeLanes uint16
	Device     string
	ByteOffset uint64
}

// DLView returns a zero-copy interchange descriptor for device.
func (t *Tensor) DLView(device string) DLView {
	code, bits, lanes := t.dtype.dlpackCode()
	var data unsafe.Pointer
	if len(t.blob) > 0 {
		data = unsafe.Pointer(&t.blob[0])
	}
	return DLView{
		Data:       data,
		NDim:       len(t.shape),
		Shape:      t.shape,
		Strides:    t.strides,
		DTypeCode:  code,
		DTypeBits:  bits,
		DTypeLanes: lanes,
		Device:     device,
	}
}

// FromDLPack takes ownership of an externally supplied view: it copies the
// view's product(shape) * element_bytes bytes into a Go-owned blob (DLPack
// memory is not necessarily managed by Go's allocator) and then invokes
// deleter exactly once, before returning. The returned Tensor does not
// reference the view's memory. dtype must be numeric.
func FromDLPack(dtype DType, shape []int64, view DLView, deleter func()) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := product(shape) * int64(dtype.ElementSize())
	blob := make([]byte, n)
	if view.Data != nil && n > 0 {
		src := unsafe.Slice((*byte)(view.Data), n)
		copy(blob, src)
	}
	if deleter != nil {
		deleter()
	}
	return newTensor(dtype, shape, blob, nil), nil
}
