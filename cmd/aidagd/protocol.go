package main

import (
	"fmt"
	"strings"

	"github.com/tensorplane/aidag/internal/complete"
)

// connClient is the keyspace.ClientHandle for one TCP connection's
// in-flight command: Execute blocks the connection's read loop until
// Unblock delivers the finished complete.Result.
type connClient struct {
	done chan complete.Result
}

func newConnClient() *connClient {
	return &connClient{done: make(chan complete.Result, 1)}
}

func (c *connClient) Unblock(reply any) {
	res, _ := reply.(complete.Result)
	c.done <- res
}

// formatReply renders a complete.Result as the lines this protocol's
// client expects: a status line followed by zero or more per-op lines.
func formatReply(res complete.Result) []string {
	if res.TimedOut {
		return []string{"TIMEDOUT"}
	}
	if res.DagErr != nil {
		return []string{"DAGERR " + res.DagErr.Error()}
	}

	lines := make([]string, 0, len(res.Replies)+1)
	lines = append(lines, fmt.Sprintf("OK %d", len(res.Replies)))
	for _, r := range res.Replies {
		switch r.Kind {
		case complete.ReplyOK:
			lines = append(lines, "OK")
		case complete.ReplyNA:
			lines = append(lines, "NA")
		case complete.ReplyErr:
			lines = append(lines, "ERR "+r.Err.Error())
		case complete.ReplyTensor:
			if r.Tensor == nil {
				lines = append(lines, "NA")
			} else {
				lines = append(lines, "TENSOR "+r.Tensor.String())
			}
		}
	}
	return lines
}

// tokenize splits a wire command line into its argv the same way a host
// KV store's own command parser would before handing it to internal/parser:
// whitespace-separated tokens, no quoting (values arrive as decimal
// literals, never as strings containing spaces).
func tokenize(line string) []string {
	return strings.Fields(line)
}
