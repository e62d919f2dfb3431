package parser

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/tensorplane/aidag/internal/backend"
	"github.com/tensorplane/aidag/internal/backend/cpuref"
	"github.com/tensorplane/aidag/internal/complete"
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/keyspace"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/queue"
	"github.com/tensorplane/aidag/internal/stats"
	"github.com/tensorplane/aidag/internal/worker"
	"github.com/tensorplane/aidag/tensor"
)

func init() {
	backend.Global().RegisterCapability(objects.Torch, cpuref.Capability)
}

// fakeKeyspace is an in-memory keyspace.Reader/Router good enough to
// drive Parse+Distribute end to end without a real Store.
type fakeKeyspace struct {
	tensors map[string]*tensor.Tensor
	models  map[string]*objects.Model
	scripts map[string]*objects.Script
}

func newFakeKeyspace() *fakeKeyspace {
	return &fakeKeyspace{
		tensors: map[string]*tensor.Tensor{},
		models:  map[string]*objects.Model{},
		scripts: map[string]*objects.Script{},
	}
}

func (k *fakeKeyspace) GetTensor(key string) (*tensor.Tensor, error) {
	t, ok := k.tensors[key]
	if !ok {
		return nil, fmt.Errorf("fakeKeyspace: tensor %q not found", key)
	}
	return t.Clone(), nil
}

func (k *fakeKeyspace) GetModel(key string) (*objects.Model, error) {
	m, ok := k.models[key]
	if !ok {
		return nil, fmt.Errorf("fakeKeyspace: model %q not found", key)
	}
	return m.Clone(), nil
}

func (k *fakeKeyspace) GetScript(key string) (*objects.Script, error) {
	s, ok := k.scripts[key]
	if !ok {
		return nil, fmt.Errorf("fakeKeyspace: script %q not found", key)
	}
	return s.Clone(), nil
}

func (k *fakeKeyspace) HashSlot(key string) int { return 0 }
func (k *fakeKeyspace) IsLocal(slot int) bool   { return true }

type fakeClient struct {
	done chan complete.Result
}

func newFakeClient() *fakeClient {
	return &fakeClient{done: make(chan complete.Result, 1)}
}

func (c *fakeClient) Unblock(reply any) {
	res, _ := reply.(complete.Result)
	c.done <- res
}

// run parses argv, distributes it onto a throwaway queue manager, and
// blocks for the result the same way cmd/aidagd's connection loop does.
func run(t *testing.T, kr keyspace.Reader, router keyspace.Router, argv []string) complete.Result {
	t.Helper()
	mgr := queue.NewManager(worker.Loop)
	t.Cleanup(mgr.CloseAll)

	plan, err := Parse(argv, Options{}, kr, router, stats.NewRegistry())
	require.NoError(t, err)

	client := newFakeClient()
	plan.RunInfo.Client = client
	plan.RunInfo.OnFinish = complete.DefaultOnFinish(nil, nil)
	plan.Distribute(mgr, time.Now())

	select {
	case res := <-client.done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for DAG completion")
		return complete.Result{}
	}
}

func floatsOf(t *testing.T, tt *tensor.Tensor) []float64 {
	t.Helper()
	vals, err := tt.Floats()
	require.NoError(t, err)
	return vals
}

func TestSimpleModelDAGMultiply(t *testing.T) {
	kr := newFakeKeyspace()
	a, err := tensor.FromValues(tensor.Float32, []int64{2, 2}, []string{"2", "3", "2", "3"})
	require.NoError(t, err)
	b, err := tensor.FromValues(tensor.Float32, []int64{2, 2}, []string{"2", "3", "2", "3"})
	require.NoError(t, err)
	kr.tensors["a"] = a
	kr.tensors["b"] = b

	handle, err := cpuref.Capability.ModelCreate([]byte("multiply"), "CPU", backend.DefaultAllocator)
	require.NoError(t, err)
	kr.models["m"] = objects.NewModel(objects.Torch, "CPU", "v1", objects.BatchPolicy{}, nil, nil, []byte("multiply"), handle)

	res := run(t, kr, kr, []string{
		"DAGEXECUTE", "LOAD", "2", "a", "b", "|>",
		"MODELRUN", "m", "INPUTS", "2", "a", "b", "OUTPUTS", "1", "out", "|>",
		"TENSORGET", "out",
	})
	require.Nil(t, res.DagErr)
	require.Len(t, res.Replies, 2)
	require.Equal(t, complete.ReplyOK, res.Replies[0].Kind)
	require.Equal(t, complete.ReplyTensor, res.Replies[1].Kind)

	got := floatsOf(t, res.Replies[1].Tensor)
	want := []float64{4, 9, 4, 9}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("multiply result mismatch (-want +got):\n%s", diff)
	}
}

func TestScriptPipelineBarXY(t *testing.T) {
	kr := newFakeKeyspace()
	handle, err := cpuref.Capability.ScriptCreate("bar(x,y) = x + y", "CPU", backend.DefaultAllocator)
	require.NoError(t, err)
	kr.scripts["s"] = objects.NewScript("CPU", "v1", "bar(x,y) = x + y", []string{"bar"}, handle)

	res := run(t, kr, kr, []string{
		"DAGEXECUTE",
		"TENSORSET", "in1", "FLOAT", "2", "2", "VALUES", "2", "3", "2", "3", "|>",
		"TENSORSET", "in2", "FLOAT", "2", "2", "VALUES", "2", "3", "2", "3", "|>",
		"SCRIPTRUN", "s", "bar", "INPUTS", "2", "in1", "in2", "OUTPUTS", "1", "out", "|>",
		"TENSORGET", "out",
	})
	require.Nil(t, res.DagErr)
	require.Len(t, res.Replies, 4)
	last := res.Replies[3]
	require.Equal(t, complete.ReplyTensor, last.Kind)

	got := floatsOf(t, last.Tensor)
	want := []float64{4, 6, 4, 6}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("script result mismatch (-want +got):\n%s", diff)
	}
}

// TestScriptErrorPathUnknownFunction registers the script with no declared
// entry points (HasEntryPoint then trusts the runtime), so the unknown
// function only surfaces once cpuref's ScriptRun actually looks it up —
// matching a DAG that completes with a per-op ScriptRun error rather than
// being rejected at parse time.
func TestScriptErrorPathUnknownFunction(t *testing.T) {
	kr := newFakeKeyspace()
	handle, err := cpuref.Capability.ScriptCreate("bar(x,y) = x + y", "CPU", backend.DefaultAllocator)
	require.NoError(t, err)
	kr.scripts["s"] = objects.NewScript("CPU", "v1", "bar(x,y) = x + y", nil, handle)

	res := run(t, kr, kr, []string{
		"DAGEXECUTE",
		"TENSORSET", "in1", "FLOAT", "2", "2", "VALUES", "2", "3", "2", "3", "|>",
		"TENSORSET", "in2", "FLOAT", "2", "2", "VALUES", "2", "3", "2", "3", "|>",
		"SCRIPTRUN", "s", "no_function", "INPUTS", "2", "in1", "in2", "OUTPUTS", "1", "out", "|>",
		"TENSORGET", "out",
	})
	require.Nil(t, res.DagErr, "a per-op failure is not a DAG builder error")
	require.Len(t, res.Replies, 4)
	require.Equal(t, complete.ReplyOK, res.Replies[0].Kind)
	require.Equal(t, complete.ReplyOK, res.Replies[1].Kind)
	require.Equal(t, complete.ReplyErr, res.Replies[2].Kind)
	require.Equal(t, complete.ReplyNA, res.Replies[3].Kind, "TensorGet reading an unwritten slot replies NA")
}

// TestScriptExecuteParsesKeysAndArgs drives the one-shot ScriptExecute
// grammar's KEYS/ARGS clauses (spec.md §6), asserting they land in the
// planned op's execctx.ScriptCtx rather than being silently dropped.
func TestScriptExecuteParsesKeysAndArgs(t *testing.T) {
	kr := newFakeKeyspace()
	handle, err := cpuref.Capability.ScriptCreate("bar(x,y) = x + y", "CPU", backend.DefaultAllocator)
	require.NoError(t, err)
	kr.scripts["s"] = objects.NewScript("CPU", "v1", "bar(x,y) = x + y", []string{"bar"}, handle)
	kr.tensors["in1"], err = tensor.FromValues(tensor.Float32, []int64{2}, []string{"2", "3"})
	require.NoError(t, err)
	kr.tensors["in2"], err = tensor.FromValues(tensor.Float32, []int64{2}, []string{"4", "5"})
	require.NoError(t, err)

	plan, err := Parse([]string{
		"SCRIPTEXECUTE", "s", "bar",
		"KEYS", "1", "aux",
		"INPUTS", "2", "in1", "in2",
		"OUTPUTS", "1", "out",
		"ARGS", "2", "mode", "fast",
	}, Options{}, kr, kr, stats.NewRegistry())
	require.NoError(t, err)
	require.Len(t, plan.RunInfo.Ops, 1)

	op, ok := plan.RunInfo.Ops[0].(*dag.ScriptRunOp)
	require.True(t, ok)
	ctx, ok := op.Context().(*execctx.ScriptCtx)
	require.True(t, ok)
	require.Equal(t, []string{"aux"}, ctx.KeyRefs)
	require.Len(t, ctx.Args, 2)
	require.Equal(t, "mode", ctx.Args[0].Str)
	require.Equal(t, "fast", ctx.Args[1].Str)
}

func TestEmptyDAGIsRejected(t *testing.T) {
	_, err := Parse([]string{"DAGEXECUTE"}, Options{}, newFakeKeyspace(), nil, stats.NewRegistry())
	require.Error(t, err)
}

func TestUnresolvedInputNameFails(t *testing.T) {
	_, err := Parse([]string{
		"DAGEXECUTE", "TENSORGET", "never_produced",
	}, Options{}, newFakeKeyspace(), nil, stats.NewRegistry())
	require.Error(t, err)
}
