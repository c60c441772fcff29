// Command jarvis is the main entry point for the J.A.R.V.I.S voice assistant
// backend. `jarvis serve` runs the HTTP and WebSocket server; the other
// subcommands talk to the same backends from the terminal.
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "jarvis: %v\n", err)
		return 1
	}
	return 0
}
