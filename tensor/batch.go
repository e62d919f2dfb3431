package tensor

import "fmt"

// Concat joins tensors along the outermost dimension. All inputs must
// share dtype and trailing shape (every dimension but the first).
func Concat(tensors ...*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("%w: no tensors to concatenate", ErrShapeMismatch)
	}
	if len(tensors) == 1 {
		return tensors[0].Clone(), nil
	}
	first := tensors[0]
	trailing := first.shape[1:]
	total := int64(0)
	for _, t := range tensors {
		if t.dtype != first.dtype {
			return nil, fmt.Errorf("%w: dtype mismatch", ErrShapeMismatch)
		}
		if !trailingEqual(t.shape[1:], trailing) {
			return nil, fmt.Errorf("%w: trailing shape mismatch", ErrShapeMismatch)
		}
		total += t.shape[0]
	}
	outShape := append([]int64{total}, trailing...)

	if first.dtype == String {
		return concatStrings(tensors, outShape)
	}

	blob := make([]byte, 0, sumByteSize(tensors))
	for _, t := range tensors {
		blob = append(blob, t.blob...)
	}
	return newTensor(first.dtype, outShape, blob, nil), nil
}

func sumByteSize(tensors []*Tensor) int64 {
	var n int64
	for _, t := range tensors {
		n += t.ByteSize()
	}
	return n
}

func concatStrings(tensors []*Tensor, outShape []int64) (*Tensor, error) {
	var blob []byte
	var offsets []int64
	for _, t := range tensors {
		base := int64(len(blob))
		for _, off := range t.offsets {
			offsets = append(offsets, base+off)
		}
		blob = append(blob, t.blob...)
	}
	return newTensor(String, outShape, blob, offsets), nil
}

func trailingEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Slice extracts the half-open range [offset, offset+length) along the
// outermost dimension, returning a freshly owned Tensor (not a view) so
// that the parent tensor's lifetime is independent of the slice.
func (t *Tensor) Slice(offset, length int64) (*Tensor, error) {
	if offset < 0 || length < 0 || offset+length > t.shape[0] {
		return nil, ErrIndexRange
	}
	outShape := append([]int64{length}, t.shape[1:]...)

	if t.dtype == String {
		rowLen := product(t.shape[1:])
		startElem := offset * rowLen
		endElem := startElem + length*rowLen
		if endElem == 0 {
			return newTensor(String, outShape, []byte{}, []int64{}), nil
		}
		blobStart := t.offsets[startElem]
		blobEnd := int64(len(t.blob))
		if endElem < int64(len(t.offsets)) {
			blobEnd = t.offsets[endElem]
		}
		blob := append([]byte(nil), t.blob[blobStart:blobEnd]...)
		offsets := make([]int64, endElem-startElem)
		for i := range offsets {
			offsets[i] = t.offsets[startElem+int64(i)] - blobStart
		}
		return newTensor(String, outShape, blob, offsets), nil
	}

	elemSize := int64(t.dtype.ElementSize())
	rowBytes := product(t.shape[1:]) * elemSize
	start := offset * rowBytes
	end := start + length*rowBytes
	blob := append([]byte(nil), t.blob[start:end]...)
	return newTensor(t.dtype, outShape, blob, nil), nil
}
