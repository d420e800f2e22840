// Command diaryx is the CLI for the Diaryx workspace core: a markdown
// journal whose hierarchy and contents sync across devices through a
// CRDT layer.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
