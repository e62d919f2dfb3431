// Command aidagd is a minimal standalone front end for the aidag engine:
// a line-oriented TCP listener that accepts the same wire commands a host
// key/value store would forward to the engine in process, plus an HTTP
// stats endpoint and a CLI subcommand to read it. It stands in for "aidag
// embedded in a KV store" since this module ships as a library first.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
