package objects

import "testing"

func TestModelCloneSharesRefcount(t *testing.T) {
	m := NewModel(Torch, "CPU", "v1", BatchPolicy{}, nil, nil, nil, "handle")
	if m.RefCount() != 1 {
		t.Fatalf("expected initial refcount 1, got %d", m.RefCount())
	}

	clone := m.Clone()
	if m.RefCount() != 2 || clone.RefCount() != 2 {
		t.Fatalf("expected both original and clone to observe refcount 2, got %d/%d", m.RefCount(), clone.RefCount())
	}

	if m.Release() {
		t.Fatal("Release should not report last-reference while the clone is still live")
	}
	if !clone.Release() {
		t.Fatal("Release should report last-reference once the clone is the only one left")
	}
}

func TestModelReleaseUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on refcount underflow")
		}
	}()
	m := NewModel(Torch, "CPU", "v1", BatchPolicy{}, nil, nil, nil, nil)
	m.Release()
	m.Release()
}

func TestScriptCloneSharesRefcount(t *testing.T) {
	s := NewScript("CPU", "v1", "bar(x) = x", []string{"bar"}, "handle")
	clone := s.Clone()
	if s.RefCount() != 2 {
		t.Fatalf("expected refcount 2 after Clone, got %d", s.RefCount())
	}
	clone.Release()
	if !s.Release() {
		t.Fatal("expected Release to report last-reference after both refs dropped")
	}
}

func TestScriptHasEntryPoint(t *testing.T) {
	withEntries := NewScript("CPU", "v1", "src", []string{"foo", "bar"}, nil)
	if !withEntries.HasEntryPoint("foo") {
		t.Fatal("expected declared entry point foo to be found")
	}
	if withEntries.HasEntryPoint("baz") {
		t.Fatal("expected undeclared entry point baz to be rejected")
	}

	noEntries := NewScript("CPU", "v1", "src", nil, nil)
	if !noEntries.HasEntryPoint("anything") {
		t.Fatal("a script with no declared entry points should trust the runtime for any name")
	}
}

func TestBatchPolicyBatchable(t *testing.T) {
	if (BatchPolicy{}).Batchable() {
		t.Fatal("zero-value BatchPolicy should not be batchable")
	}
	if !(BatchPolicy{BatchSize: 4}).Batchable() {
		t.Fatal("a positive BatchSize should make the policy batchable")
	}
}

func TestParseBackendKind(t *testing.T) {
	cases := map[string]BackendKind{
		"TF":     TF,
		"TFLITE": TFLite,
		"TORCH":  Torch,
		"ONNX":   ONNX,
	}
	for s, want := range cases {
		got, ok := ParseBackendKind(s)
		if !ok || got != want {
			t.Fatalf("ParseBackendKind(%q) = %v, %v; want %v, true", s, got, ok, want)
		}
	}
	if _, ok := ParseBackendKind("BOGUS"); ok {
		t.Fatal("expected ParseBackendKind to reject an unknown backend name")
	}
}
