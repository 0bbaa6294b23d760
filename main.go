// Package main is the entry point for the caw orchestrator CLI.
package main

import (
	"os"

	"github.com/cawdev/caw/cmd"
)

// Build information injected via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	cmd.SetVersion(version + " (" + commit + ")")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
