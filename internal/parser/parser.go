// Package parser turns a tokenized wire command (the host KV store has
// already split the command line into an argv) into a dag.Plan: a small
// state machine walks the argv token by token rather than lexing a file
// rune by rune, since a host KV store hands commands to the engine
// pre-split.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tensorplane/aidag/internal/aierr"
	"github.com/tensorplane/aidag/internal/dag"
	"github.com/tensorplane/aidag/internal/execctx"
	"github.com/tensorplane/aidag/internal/keyspace"
	"github.com/tensorplane/aidag/internal/objects"
	"github.com/tensorplane/aidag/internal/stats"
	"github.com/tensorplane/aidag/tensor"
)

// Options controls optional/back-compat parsing behavior.
type Options struct {
	// Compat opts in to the deprecated ModelRun/ScriptRun/DagRun command
	// aliases' PERSIST behavior. Never inferred from the command name
	// alone.
	Compat bool
}

// kind is the normalized command family, after resolving deprecated
// aliases to their current name.
type kind int

const (
	kindModelExecute kind = iota
	kindScriptExecute
	kindDagExecute
	kindDagExecuteRO
)

var commandAliases = map[string]struct {
	kind       kind
	deprecated bool
}{
	"MODELEXECUTE":  {kindModelExecute, false},
	"SCRIPTEXECUTE": {kindScriptExecute, false},
	"DAGEXECUTE":    {kindDagExecute, false},
	"DAGEXECUTE_RO": {kindDagExecuteRO, false},
	"MODELRUN":      {kindModelExecute, true},
	"SCRIPTRUN":     {kindScriptExecute, true},
	"DAGRUN":        {kindDagExecute, true},
}

// Parse validates and plans args (args[0] is the command name) into a
// dag.Plan ready for Plan.Distribute. kr resolves LOAD/INPUTS keys and
// Model/Script definitions; router validates PERSIST keys stay local in
// cluster deployments; statsReg supplies the RunStats instance each
// ModelRun/ScriptRun op records into.
func Parse(args []string, opts Options, kr keyspace.Reader, router keyspace.Router, statsReg *stats.Registry) (*dag.Plan, error) {
	if len(args) == 0 {
		return nil, aierr.New(aierr.BadCommand, "empty command")
	}
	entry, ok := commandAliases[strings.ToUpper(args[0])]
	if !ok {
		return nil, aierr.New(aierr.BadCommand, fmt.Sprintf("unknown command %q", args[0]))
	}
	rest := args[1:]

	p := &planner{
		kr:       kr,
		router:   router,
		statsReg: statsReg,
		nameIdx:  make(map[string]int),
		rinfo:    &dag.RunInfo{},
	}

	switch entry.kind {
	case kindModelExecute:
		return p.parseModelExecute(rest)
	case kindScriptExecute:
		return p.parseScriptExecute(rest)
	case kindDagExecute, kindDagExecuteRO:
		readOnly := entry.kind == kindDagExecuteRO
		return p.parseDagExecute(rest, readOnly, entry.deprecated, opts)
	default:
		return nil, aierr.New(aierr.BadCommand, "unreachable command kind")
	}
}

// planner accumulates shared-slab state while walking one command's argv.
type planner struct {
	kr       keyspace.Reader
	router   keyspace.Router
	statsReg *stats.Registry

	nameIdx map[string]int
	rinfo   *dag.RunInfo
}

func (p *planner) newSlot() int {
	p.rinfo.SharedTensors = append(p.rinfo.SharedTensors, &dag.Slot{})
	return len(p.rinfo.SharedTensors) - 1
}

func (p *planner) bindName(name string, t *tensor.Tensor) int {
	idx := p.newSlot()
	p.rinfo.SharedTensors[idx].Set(t)
	p.nameIdx[name] = idx
	return idx
}

func (p *planner) resolveInput(name string) (int, error) {
	idx, ok := p.nameIdx[name]
	if !ok {
		return 0, aierr.New(aierr.KeyMissing, fmt.Sprintf("INPUT %s cannot be found in DAG", name))
	}
	return idx, nil
}

func (p *planner) allocOutput(name string) int {
	idx := p.newSlot()
	p.nameIdx[name] = idx
	return idx
}

// --- preamble -----------------------------------------------------------

type preamble struct {
	load      []string // key names, in LOAD order
	persist   []string
	routing   string
	timeoutMS int64
}

// parsePreamble consumes LOAD/PERSIST/ROUTING/TIMEOUT keywords from the
// front of tokens, each appearing at most once, in any relative order,
// stopping at the first "|>" or unrecognized token. A "|>" that ends the
// preamble is consumed; when the first op block starts without one, the
// returned remainder begins at that op's name.
func parsePreamble(tokens []string) (preamble, []string, error) {
	var pre preamble
	seen := map[string]bool{}

	i := 0
	for i < len(tokens) {
		kw := strings.ToUpper(tokens[i])
		if kw == "|>" {
			i++
			break
		}
		switch kw {
		case "LOAD", "PERSIST":
			if seen[kw] {
				return pre, nil, aierr.New(aierr.BadCommand, kw+" specified more than once")
			}
			seen[kw] = true
			i++
			if i >= len(tokens) {
				return pre, nil, aierr.New(aierr.BadArity, kw+" missing count")
			}
			n, err := strconv.Atoi(tokens[i])
			if err != nil || n < 0 {
				return pre, nil, aierr.New(aierr.BadArity, kw+" count must be a non-negative integer")
			}
			i++
			if i+n > len(tokens) {
				return pre, nil, aierr.New(aierr.BadArity, kw+" declared more keys than provided")
			}
			keys := append([]string(nil), tokens[i:i+n]...)
			i += n
			if kw == "LOAD" {
				pre.load = keys
			} else {
				pre.persist = keys
			}
		case "ROUTING":
			if seen[kw] {
				return pre, nil, aierr.New(aierr.BadCommand, "ROUTING specified more than once")
			}
			seen[kw] = true
			i++
			if i >= len(tokens) {
				return pre, nil, aierr.New(aierr.BadArity, "ROUTING missing key")
			}
			pre.routing = tokens[i]
			i++
		case "TIMEOUT":
			if seen[kw] {
				return pre, nil, aierr.New(aierr.BadCommand, "TIMEOUT specified more than once")
			}
			seen[kw] = true
			i++
			if i >= len(tokens) {
				return pre, nil, aierr.New(aierr.BadArity, "TIMEOUT missing value")
			}
			ms, err := strconv.ParseInt(tokens[i], 10, 64)
			if err != nil || ms <= 0 {
				return pre, nil, aierr.New(aierr.BadValue, "TIMEOUT must be a positive integer")
			}
			pre.timeoutMS = ms
			i++
		default:
			// Not a preamble keyword: the op-block portion starts here.
			return pre, tokens[i:], nil
		}
	}
	return pre, tokens[i:], nil
}

// splitOpBlocks splits tokens on bare "|>" separators.
func splitOpBlocks(tokens []string) [][]string {
	var blocks [][]string
	var cur []string
	for _, t := range tokens {
		if t == "|>" {
			blocks = append(blocks, cur)
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 || len(blocks) == 0 {
		blocks = append(blocks, cur)
	}
	return blocks
}

// --- DagExecute / DagExecute_RO ------------------------------------------

func (p *planner) parseDagExecute(tokens []string, readOnly, deprecated bool, opts Options) (*dag.Plan, error) {
	pre, opTokens, err := parsePreamble(tokens)
	if err != nil {
		return nil, err
	}
	if len(pre.persist) > 0 && deprecated && !opts.Compat {
		return nil, aierr.New(aierr.BadCommand, "PERSIST on a deprecated command requires Compat opt-in")
	}
	if readOnly && len(pre.persist) > 0 {
		return nil, aierr.New(aierr.BadCommand, "DAGEXECUTE_RO does not allow PERSIST")
	}

	for _, key := range pre.load {
		t, err := p.kr.GetTensor(key)
		if err != nil {
			return nil, aierr.Wrap(aierr.KeyMissing, err)
		}
		p.bindName(key, t)
	}

	if len(opTokens) == 0 {
		return nil, aierr.New(aierr.BadCommand, "DAG is empty")
	}

	blocks := splitOpBlocks(opTokens)
	for _, block := range blocks {
		if len(block) == 0 {
			return nil, aierr.New(aierr.BadCommand, "empty op block")
		}
		op, err := p.parseOpBlock(block, readOnly)
		if err != nil {
			return nil, err
		}
		p.rinfo.Ops = append(p.rinfo.Ops, op)
	}

	seenPersist := make(map[string]bool, len(pre.persist))
	for _, key := range pre.persist {
		if seenPersist[key] {
			return nil, aierr.New(aierr.DagBuilder, fmt.Sprintf("PERSIST key %q specified more than once", key))
		}
		seenPersist[key] = true
		idx, ok := p.nameIdx[key]
		if !ok {
			return nil, aierr.New(aierr.KeyMissing, fmt.Sprintf("PERSIST key %q was never produced", key))
		}
		if p.router != nil {
			slot := p.router.HashSlot(key)
			if !p.router.IsLocal(slot) {
				return nil, aierr.New(aierr.CrossSlot, fmt.Sprintf("PERSIST key %q is not local to this shard", key))
			}
		}
		p.rinfo.PersistSet = append(p.rinfo.PersistSet, dag.PersistEntry{Key: key, SlotIndex: idx})
	}

	p.rinfo.TimeoutMS = pre.timeoutMS
	return &dag.Plan{RunInfo: p.rinfo}, nil
}

func (p *planner) parseOpBlock(tokens []string, readOnly bool) (dag.Op, error) {
	name := strings.ToUpper(tokens[0])
	args := tokens[1:]
	switch name {
	case "TENSORSET":
		return p.parseTensorSet(args)
	case "TENSORGET":
		return p.parseTensorGet(args)
	case "MODELRUN":
		return p.parseModelRun(args)
	case "SCRIPTRUN":
		if readOnly {
			return nil, aierr.New(aierr.BadCommand, "DAGEXECUTE_RO does not allow ScriptRun")
		}
		return p.parseScriptRun(args)
	default:
		return nil, aierr.New(aierr.BadCommand, fmt.Sprintf("unknown DAG op %q", tokens[0]))
	}
}

// parseTensorSet: TensorSet <name> <DTYPE> <shape...> VALUES <v...>
func (p *planner) parseTensorSet(args []string) (dag.Op, error) {
	if len(args) < 3 {
		return nil, aierr.New(aierr.BadArity, "TensorSet requires a name, dtype and shape")
	}
	outName := args[0]
	dtype, err := tensor.ParseDType(strings.ToUpper(args[1]))
	if err != nil {
		return nil, aierr.Wrap(aierr.BadDType, err)
	}

	i := 2
	var shape []int64
	for i < len(args) && !strings.EqualFold(args[i], "VALUES") {
		n, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil || n < 0 {
			return nil, aierr.New(aierr.BadValue, fmt.Sprintf("invalid shape dimension %q", args[i]))
		}
		shape = append(shape, n)
		i++
	}
	if i >= len(args) {
		return nil, aierr.New(aierr.BadValue, "TensorSet missing VALUES")
	}
	values := args[i+1:]

	t, err := tensor.FromValues(dtype, shape, values)
	if err != nil {
		return nil, aierr.Wrap(aierr.BadValue, err)
	}
	outIdx := p.allocOutput(outName)
	p.rinfo.SharedTensors[outIdx].Set(t)

	return dag.NewTensorSetOp("", outIdx), nil
}

// parseTensorGet: TensorGet <name>
func (p *planner) parseTensorGet(args []string) (dag.Op, error) {
	if len(args) != 1 {
		return nil, aierr.New(aierr.BadArity, "TensorGet takes exactly one name")
	}
	idx, err := p.resolveInput(args[0])
	if err != nil {
		return nil, err
	}
	return dag.NewTensorGetOp("", idx), nil
}

// parseModelRun: ModelRun <modelkey> INPUTS <name...> OUTPUTS <name...>
func (p *planner) parseModelRun(args []string) (dag.Op, error) {
	if len(args) < 1 {
		return nil, aierr.New(aierr.BadArity, "ModelRun requires a model key")
	}
	modelKey := args[0]
	model, err := p.kr.GetModel(modelKey)
	if err != nil {
		return nil, aierr.Wrap(aierr.KeyMissing, err)
	}

	inNames, outNames, err := splitInputsOutputs(args[1:])
	if err != nil {
		return nil, err
	}
	if len(model.Inputs) > 0 && len(inNames) != len(model.Inputs) {
		return nil, aierr.New(aierr.BadArity, fmt.Sprintf("model %q expects %d inputs, got %d", modelKey, len(model.Inputs), len(inNames)))
	}
	if len(model.Outputs) > 0 && len(outNames) != len(model.Outputs) {
		return nil, aierr.New(aierr.BadArity, fmt.Sprintf("model %q expects %d outputs, got %d", modelKey, len(model.Outputs), len(outNames)))
	}

	in := make([]int, len(inNames))
	for i, n := range inNames {
		idx, err := p.resolveInput(n)
		if err != nil {
			return nil, err
		}
		in[i] = idx
	}
	out := make([]int, len(outNames))
	for i, n := range outNames {
		out[i] = p.allocOutput(n)
	}

	st := p.statsReg.For(modelKey)
	return dag.NewModelRunOp(model.Device, model, in, out, st), nil
}

// parseScriptRun: ScriptRun <scriptkey> <function> INPUTS <name...> OUTPUTS <name...>
func (p *planner) parseScriptRun(args []string) (dag.Op, error) {
	if len(args) < 2 {
		return nil, aierr.New(aierr.BadArity, "ScriptRun requires a script key and function name")
	}
	scriptKey, function := args[0], args[1]
	script, err := p.kr.GetScript(scriptKey)
	if err != nil {
		return nil, aierr.Wrap(aierr.KeyMissing, err)
	}
	if !script.HasEntryPoint(function) {
		return nil, aierr.New(aierr.BadCommand, fmt.Sprintf("script %q has no entry point %q", scriptKey, function))
	}

	inNames, outNames, err := splitInputsOutputs(args[2:])
	if err != nil {
		return nil, err
	}
	in := make([]int, len(inNames))
	for i, n := range inNames {
		idx, err := p.resolveInput(n)
		if err != nil {
			return nil, err
		}
		in[i] = idx
	}
	out := make([]int, len(outNames))
	for i, n := range outNames {
		out[i] = p.allocOutput(n)
	}

	st := p.statsReg.For(scriptKey)
	ctx := execctx.NewScriptCtx(script, function, script.Device, nil, nil, nil)
	return dag.NewScriptRunOp(script.Device, script, function, in, out, st, ctx), nil
}

// splitInputsOutputs parses "INPUTS nI name… OUTPUTS nO name…", the same
// count-prefixed list convention parsePreamble uses for LOAD/PERSIST.
// Either keyword may declare zero names and both are optional, but if
// present INPUTS must precede OUTPUTS.
func splitInputsOutputs(args []string) (inputs, outputs []string, err error) {
	i := 0
	sawOutputs := false
	for i < len(args) {
		kw := strings.ToUpper(args[i])
		switch kw {
		case "INPUTS", "OUTPUTS":
			if kw == "INPUTS" && sawOutputs {
				return nil, nil, aierr.New(aierr.BadCommand, "INPUTS must precede OUTPUTS")
			}
			names, next, err := readCountedNames(args, i, kw)
			if err != nil {
				return nil, nil, err
			}
			i = next
			if kw == "INPUTS" {
				inputs = names
			} else {
				outputs = names
				sawOutputs = true
			}
		default:
			return nil, nil, aierr.New(aierr.BadCommand, fmt.Sprintf("expected INPUTS/OUTPUTS, got %q", args[i]))
		}
	}
	return inputs, outputs, nil
}

// readCountedNames parses "<kw> n name…" starting at args[i] (args[i] must
// already equal kw) and returns the parsed names plus the index just past
// them.
func readCountedNames(args []string, i int, kw string) (names []string, next int, err error) {
	i++
	if i >= len(args) {
		return nil, 0, aierr.New(aierr.BadArity, kw+" missing count")
	}
	n, convErr := strconv.Atoi(args[i])
	if convErr != nil || n < 0 {
		return nil, 0, aierr.New(aierr.BadArity, kw+" count must be a non-negative integer")
	}
	i++
	if i+n > len(args) {
		return nil, 0, aierr.New(aierr.BadArity, kw+" declared more names than provided")
	}
	names = append([]string(nil), args[i:i+n]...)
	return names, i + n, nil
}

// splitScriptExecuteClauses parses the one-shot ScriptExecute clause set
// "[KEYS n key…] [INPUTS nI …] [OUTPUTS nO key…] [ARGS n arg…]" in that
// fixed order, every clause optional. KEYS names are threaded through
// unresolved as execctx.ScriptCtx.KeyRefs for the script to look up via
// its Keyspace callback; ARGS values are carried as untyped strings,
// since the wire protocol gives no further type tag for them.
func splitScriptExecuteClauses(args []string) (keys, inputs, outputs []string, scriptArgs []execctx.Arg, err error) {
	i := 0
	if i < len(args) && strings.EqualFold(args[i], "KEYS") {
		keys, i, err = readCountedNames(args, i, "KEYS")
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if i < len(args) && strings.EqualFold(args[i], "INPUTS") {
		inputs, i, err = readCountedNames(args, i, "INPUTS")
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if i < len(args) && strings.EqualFold(args[i], "OUTPUTS") {
		outputs, i, err = readCountedNames(args, i, "OUTPUTS")
		if err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if i < len(args) && strings.EqualFold(args[i], "ARGS") {
		var values []string
		values, i, err = readCountedNames(args, i, "ARGS")
		if err != nil {
			return nil, nil, nil, nil, err
		}
		for _, v := range values {
			scriptArgs = append(scriptArgs, execctx.Arg{Kind: execctx.KindString, Str: v})
		}
	}
	if i != len(args) {
		return nil, nil, nil, nil, aierr.New(aierr.BadCommand, fmt.Sprintf("unexpected token %q in ScriptExecute", args[i]))
	}
	return keys, inputs, outputs, scriptArgs, nil
}

// --- ModelExecute / ScriptExecute one-shot forms -------------------------

// parseModelExecute: ModelExecute <modelkey> INPUTS <tensorkey...> OUTPUTS
// <tensorkey...> [TIMEOUT ms]. Tensor keys here name keyspace entries
// directly (there is no LOAD/PERSIST preamble for the one-shot forms).
func (p *planner) parseModelExecute(args []string) (*dag.Plan, error) {
	if len(args) < 1 {
		return nil, aierr.New(aierr.BadArity, "ModelExecute requires a model key")
	}
	modelKey := args[0]
	model, err := p.kr.GetModel(modelKey)
	if err != nil {
		return nil, aierr.Wrap(aierr.KeyMissing, err)
	}

	rest, timeoutMS, err := stripTrailingTimeout(args[1:])
	if err != nil {
		return nil, err
	}
	inKeys, outKeys, err := splitInputsOutputs(rest)
	if err != nil {
		return nil, err
	}

	in := make([]int, len(inKeys))
	for i, key := range inKeys {
		t, err := p.kr.GetTensor(key)
		if err != nil {
			return nil, aierr.Wrap(aierr.KeyMissing, err)
		}
		in[i] = p.bindName(key, t)
	}
	out := make([]int, len(outKeys))
	for i, key := range outKeys {
		out[i] = p.allocOutput(key)
	}

	st := p.statsReg.For(modelKey)
	op := dag.NewModelRunOp(model.Device, model, in, out, st)
	p.rinfo.Ops = []dag.Op{op}
	p.rinfo.TimeoutMS = timeoutMS
	for i, key := range outKeys {
		p.rinfo.PersistSet = append(p.rinfo.PersistSet, dag.PersistEntry{Key: key, SlotIndex: out[i]})
	}
	return &dag.Plan{RunInfo: p.rinfo}, nil
}

// parseScriptExecute: ScriptExecute <scriptkey> <function> [KEYS n key…]
// [INPUTS n...] [OUTPUTS n...] [ARGS n arg…] [TIMEOUT ms]
func (p *planner) parseScriptExecute(args []string) (*dag.Plan, error) {
	if len(args) < 2 {
		return nil, aierr.New(aierr.BadArity, "ScriptExecute requires a script key and function name")
	}
	scriptKey, function := args[0], args[1]
	script, err := p.kr.GetScript(scriptKey)
	if err != nil {
		return nil, aierr.Wrap(aierr.KeyMissing, err)
	}
	if !script.HasEntryPoint(function) {
		return nil, aierr.New(aierr.BadCommand, fmt.Sprintf("script %q has no entry point %q", scriptKey, function))
	}

	rest, timeoutMS, err := stripTrailingTimeout(args[2:])
	if err != nil {
		return nil, err
	}
	keyRefs, inKeys, outKeys, scriptArgs, err := splitScriptExecuteClauses(rest)
	if err != nil {
		return nil, err
	}

	in := make([]int, len(inKeys))
	for i, key := range inKeys {
		t, err := p.kr.GetTensor(key)
		if err != nil {
			return nil, aierr.Wrap(aierr.KeyMissing, err)
		}
		in[i] = p.bindName(key, t)
	}
	out := make([]int, len(outKeys))
	for i, key := range outKeys {
		out[i] = p.allocOutput(key)
	}

	st := p.statsReg.For(scriptKey)
	kc, _ := any(p.kr).(execctx.KeyspaceClient)
	ctx := execctx.NewScriptCtx(script, function, script.Device, keyRefs, scriptArgs, kc)
	op := dag.NewScriptRunOp(script.Device, script, function, in, out, st, ctx)
	p.rinfo.Ops = []dag.Op{op}
	p.rinfo.TimeoutMS = timeoutMS
	for i, key := range outKeys {
		p.rinfo.PersistSet = append(p.rinfo.PersistSet, dag.PersistEntry{Key: key, SlotIndex: out[i]})
	}
	return &dag.Plan{RunInfo: p.rinfo}, nil
}

func stripTrailingTimeout(args []string) (rest []string, timeoutMS int64, err error) {
	for i := 0; i < len(args); i++ {
		if strings.EqualFold(args[i], "TIMEOUT") {
			if i+1 >= len(args) {
				return nil, 0, aierr.New(aierr.BadArity, "TIMEOUT missing value")
			}
			ms, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil || ms <= 0 {
				return nil, 0, aierr.New(aierr.BadValue, "TIMEOUT must be a positive integer")
			}
			return append(append([]string(nil), args[:i]...), args[i+2:]...), ms, nil
		}
	}
	return args, 0, nil
}
