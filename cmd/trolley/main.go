package main

// ============================================================================
// Responsibilities:
// 1. Serve as a job process when re-executed by a worker slot
// 2. Otherwise build and execute the CLI
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/trolley/internal/cli"
	"github.com/ChuLiYu/trolley/internal/worker"
)

var (
	version = "dev" // injected with -ldflags "-X main.version=..."
	commit  = "unknown"
)

func main() {
	// Jobs are registered by the cli package's imports, so this must run after
	// package initialisation and before anything else.
	worker.ServeIfChild()

	rootCmd := cli.BuildCLI()
	if version != "dev" {
		rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
