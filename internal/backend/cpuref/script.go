package cpuref

import (
	"fmt"
	"strings"

	"github.com/tensorplane/aidag/tensor"
)

// funcDef is one parsed "name(params) = expr" line.
type funcDef struct {
	params []string
	expr   expr
}

// expr is a tiny sum/product-of-variables AST, just enough to express
// scripts like "bar(x,y) = x + y + x".
type expr interface {
	eval(env map[string]*tensor.Tensor) (*tensor.Tensor, error)
}

type varRef string

func (v varRef) eval(env map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	t, ok := env[string(v)]
	if !ok {
		return nil, fmt.Errorf("cpuref: undefined variable %q", v)
	}
	return t.Clone(), nil
}

type binOp struct {
	op    byte // '+' or '*'
	left  expr
	right expr
}

func (b binOp) eval(env map[string]*tensor.Tensor) (*tensor.Tensor, error) {
	l, err := b.left.eval(env)
	if err != nil {
		return nil, err
	}
	defer l.Release()
	r, err := b.right.eval(env)
	if err != nil {
		return nil, err
	}
	defer r.Release()

	op := "add"
	if b.op == '*' {
		op = "multiply"
	}
	return elementwise(op, l, r)
}

// parseScript parses one-function-per-line source of the shape:
//
//	name(a, b) = a + b + a
//
// Blank lines and lines starting with # are ignored.
func parseScript(source string) (map[string]funcDef, error) {
	defs := make(map[string]funcDef)
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, params, body, err := parseSignature(line)
		if err != nil {
			return nil, err
		}
		e, err := parseExpr(body, params)
		if err != nil {
			return nil, err
		}
		defs[name] = funcDef{params: params, expr: e}
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("cpuref: script has no function definitions")
	}
	return defs, nil
}

func parseSignature(line string) (name string, params []string, body string, err error) {
	eq := strings.Index(line, "=")
	if eq < 0 {
		return "", nil, "", fmt.Errorf("cpuref: malformed definition: %q", line)
	}
	head := strings.TrimSpace(line[:eq])
	body = strings.TrimSpace(line[eq+1:])

	open := strings.Index(head, "(")
	close := strings.LastIndex(head, ")")
	if open < 0 || close < open {
		return "", nil, "", fmt.Errorf("cpuref: malformed signature: %q", head)
	}
	name = strings.TrimSpace(head[:open])
	paramStr := head[open+1 : close]
	if strings.TrimSpace(paramStr) != "" {
		for _, p := range strings.Split(paramStr, ",") {
			params = append(params, strings.TrimSpace(p))
		}
	}
	if name == "" {
		return "", nil, "", fmt.Errorf("cpuref: missing function name: %q", line)
	}
	return name, params, body, nil
}

// parseExpr parses a left-to-right chain of '+' and '*' terms (no
// precedence/parens — sufficient for the scripts this reference backend
// needs to run).
func parseExpr(body string, params []string) (expr, error) {
	known := make(map[string]bool, len(params))
	for _, p := range params {
		known[p] = true
	}

	var terms []string
	var ops []byte
	cur := strings.Builder{}
	for _, r := range body {
		switch r {
		case '+', '*':
			terms = append(terms, strings.TrimSpace(cur.String()))
			ops = append(ops, byte(r))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	terms = append(terms, strings.TrimSpace(cur.String()))

	if len(terms) == 0 || terms[0] == "" {
		return nil, fmt.Errorf("cpuref: empty expression")
	}
	var e expr
	for i, term := range terms {
		if !known[term] {
			return nil, fmt.Errorf("cpuref: undefined variable %q in expression", term)
		}
		t := varRef(term)
		if i == 0 {
			e = t
			continue
		}
		e = binOp{op: ops[i-1], left: e, right: t}
	}
	return e, nil
}
