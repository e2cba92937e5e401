// Package main is the entry point for the Argus threat detection engine.
package main

import (
	"fmt"
	"os"

	"argus/cmd"
)

// main is the entry point.
func main() {
	// Running without a subcommand starts the server
	if len(os.Args) == 1 {
		os.Args = append(os.Args, "serve")
	}

	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
