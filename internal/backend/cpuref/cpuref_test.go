package cpuref

import (
	"testing"

	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/tensor"
)

func mustTensor(t *testing.T, vals []string) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.FromValues(tensor.Float32, []int64{int64(len(vals))}, vals)
	if err != nil {
		t.Fatal(err)
	}
	return tt
}

func TestModelCreateRejectsUnknownOp(t *testing.T) {
	if _, err := modelCreate([]byte("divide"), "CPU", nil); err == nil {
		t.Fatal("expected an error for an unsupported model op")
	}
}

func TestModelRunMultiply(t *testing.T) {
	handle, err := modelCreate([]byte("multiply"), "CPU", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := execctx.NewModelCtx(nil, "CPU")
	ctx.AddInput(mustTensor(t, []string{"2", "3"}))
	ctx.AddInput(mustTensor(t, []string{"4", "5"}))

	if err := modelRun(handle, []*execctx.ModelCtx{ctx}); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.GetOutput(0).Floats()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{8, 15}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("multiply: got %v, want %v", got, want)
		}
	}
}

func TestModelRunAdd(t *testing.T) {
	handle, err := modelCreate([]byte("add"), "CPU", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := execctx.NewModelCtx(nil, "CPU")
	ctx.AddInput(mustTensor(t, []string{"2", "3"}))
	ctx.AddInput(mustTensor(t, []string{"4", "5"}))

	if err := modelRun(handle, []*execctx.ModelCtx{ctx}); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.GetOutput(0).Floats()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{6, 8}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("add: got %v, want %v", got, want)
		}
	}
}

func TestModelRunRequiresTwoInputs(t *testing.T) {
	handle, _ := modelCreate([]byte("add"), "CPU", nil)
	ctx := execctx.NewModelCtx(nil, "CPU")
	ctx.AddInput(mustTensor(t, []string{"1"}))

	if err := modelRun(handle, []*execctx.ModelCtx{ctx}); err == nil {
		t.Fatal("expected an error when fewer than 2 inputs are bound")
	}
}

func TestParseScriptSumAndRepeatedVariable(t *testing.T) {
	defs, err := parseScript("bar(x,y) = x + y + x")
	if err != nil {
		t.Fatal(err)
	}
	def, ok := defs["bar"]
	if !ok {
		t.Fatal("expected a definition for bar")
	}
	if len(def.params) != 2 || def.params[0] != "x" || def.params[1] != "y" {
		t.Fatalf("unexpected params: %v", def.params)
	}
}

func TestParseScriptRejectsUndefinedVariable(t *testing.T) {
	if _, err := parseScript("bar(x) = x + z"); err == nil {
		t.Fatal("expected an error for an undefined variable in the expression")
	}
}

func TestParseScriptRejectsEmptySource(t *testing.T) {
	if _, err := parseScript("\n# just a comment\n"); err == nil {
		t.Fatal("expected an error when no function definitions are present")
	}
}

func TestScriptRunEvaluatesRepeatedVariable(t *testing.T) {
	handle, err := scriptCreate("bar(x,y) = x + y + x", "CPU", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := execctx.NewScriptCtx(nil, "bar", "CPU", nil, nil, nil)
	ctx.AddInput(mustTensor(t, []string{"2", "3"}))
	ctx.AddInput(mustTensor(t, []string{"4", "5"}))

	if err := scriptRun(handle, ctx); err != nil {
		t.Fatal(err)
	}
	got, err := ctx.GetOutput(0).Floats()
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{8, 11} // x + y + x = 2+4+2, 3+5+3
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("script eval: got %v, want %v", got, want)
		}
	}
}

func TestScriptRunUnknownFunction(t *testing.T) {
	handle, err := scriptCreate("bar(x) = x", "CPU", nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx := execctx.NewScriptCtx(nil, "missing", "CPU", nil, nil, nil)
	ctx.AddInput(mustTensor(t, []string{"1"}))

	if err := scriptRun(handle, ctx); err == nil {
		t.Fatal("expected an error for an unknown function name")
	}
}
