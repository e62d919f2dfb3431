package tensor

import (
	"reflect"
	"testing"
)

func TestNumericBlobRoundTrip(t *testing.T) {
	tt, err := FromValues(Float32, []int64{2, 2}, []string{"2", "3", "2", "3"})
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	blob := append([]byte(nil), tt.Data()...)

	rt, err := New(Float32, []int64{2, 2}, blob)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !reflect.DeepEqual(rt.Data(), blob) {
		t.Fatalf("blob mismatch after round-trip")
	}
	vals, err := rt.Floats()
	if err != nil {
		t.Fatalf("Floats: %v", err)
	}
	want := []float64{2, 3, 2, 3}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("value %d: got %v want %v", i, vals[i], want[i])
		}
	}
}

func TestStringBlobRoundTrip(t *testing.T) {
	tt, err := FromValues(String, []int64{3}, []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("FromValues: %v", err)
	}
	blob := append([]byte(nil), tt.Data()...)

	rt, err := New(String, []int64{3}, blob)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := rt.Strings()
	if err != nil {
		t.Fatalf("Strings: %v", err)
	}
	want := []string{"a", "bb", "ccc"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestBadStringBlobMissingTerminator(t *testing.T) {
	if _, err := New(String, []int64{1}, []byte("no-terminator")); err == nil {
		t.Fatal("expected ErrBadStringBlob")
	}
}

func TestBadBlobLength(t *testing.T) {
	if _, err := New(Float32, []int64{2, 2}, make([]byte, 3)); err == nil {
		t.Fatal("expected ErrBadBlobLength")
	}
}

func TestBadValueOutOfRange(t *testing.T) {
	if _, err := FromValues(Int8, []int64{1}, []string{"1000"}); err == nil {
		t.Fatal("expected ErrBadValue for out-of-range int8")
	}
}

func TestRefcountCloneRelease(t *testing.T) {
	tt, _ := FromValues(Float32, []int64{1}, []string{"1"})
	if tt.RefCount() != 1 {
		t.Fatalf("expected refcount 1, got %d", tt.RefCount())
	}
	clone := tt.Clone()
	if tt.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Clone, got %d", tt.RefCount())
	}
	clone.Release()
	if tt.RefCount() != 1 {
		t.Fatalf("expected refcount 1 after Release, got %d", tt.RefCount())
	}
}

func TestRefcountUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	tt, _ := FromValues(Float32, []int64{1}, []string{"1"})
	tt.Release()
	tt.Release()
}

func TestConcatThenSliceIdentity(t *testing.T) {
	a, _ := FromValues(Float32, []int64{2, 2}, []string{"1", "2", "3", "4"})
	b, _ := FromValues(Float32, []int64{1, 2}, []string{"5", "6"})

	cat, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	if cat.Shape()[0] != 3 {
		t.Fatalf("expected batch dim 3, got %d", cat.Shape()[0])
	}

	sliceA, err := cat.Slice(0, 2)
	if err != nil {
		t.Fatalf("Slice a: %v", err)
	}
	sliceB, err := cat.Slice(2, 1)
	if err != nil {
		t.Fatalf("Slice b: %v", err)
	}

	gotA, _ := sliceA.Floats()
	wantA, _ := a.Floats()
	if !reflect.DeepEqual(gotA, wantA) {
		t.Fatalf("slice a mismatch: got %v want %v", gotA, wantA)
	}
	gotB, _ := sliceB.Floats()
	wantB, _ := b.Floats()
	if !reflect.DeepEqual(gotB, wantB) {
		t.Fatalf("slice b mismatch: got %v want %v", gotB, wantB)
	}
}

func TestConcatStringBatch(t *testing.T) {
	a, _ := FromValues(String, []int64{1}, []string{"hello"})
	b, _ := FromValues(String, []int64{1}, []string{"world"})
	cat, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat: %v", err)
	}
	got, _ := cat.Strings()
	want := []string{"hello", "world"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestDLView(t *testing.T) {
	tt, _ := FromValues(Float32, []int64{2, 3}, []string{"1", "2", "3", "4", "5", "6"})
	v := tt.DLView("CPU")
	if v.NDim != 2 || v.Device != "CPU" {
		t.Fatalf("unexpected DLView: %+v", v)
	}
	if v.DTypeBits != 32 {
		t.Fatalf("expected 32-bit float, got %d", v.DTypeBits)
	}
}
