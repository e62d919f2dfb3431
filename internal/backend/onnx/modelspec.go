package onnx

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// decodeModelSpec parses the tiny text header aidag prepends to an ONNX
// model blob before handing it to ModelCreate:
//
//	path: /abs/path/to/model.onnx
//	inputs: input_ids, attention_mask
//	outputs: logits
//
// One key per line, comma-separated name lists. Input/output names are
// declared here rather than hardcoded because aidag's models arrive as
// opaque blobs at MODELSET time rather than being compiled in.
func decodeModelSpec(blob []byte) (path string, inputs, outputs []string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(blob))
	fields := map[string]string{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return "", nil, nil, fmt.Errorf("onnx: malformed model spec line %q", line)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return "", nil, nil, err
	}

	path = fields["path"]
	if path == "" {
		return "", nil, nil, fmt.Errorf("onnx: model spec missing %q", "path")
	}
	inputs = splitNames(fields["inputs"])
	outputs = splitNames(fields["outputs"])
	if len(inputs) == 0 || len(outputs) == 0 {
		return "", nil, nil, fmt.Errorf("onnx: model spec must declare at least one input and one output")
	}
	return path, inputs, outputs, nil
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
