// Package main provides the CLI entry point for running the query loop
// against a configured model transport from a terminal.
package main

import (
	"log/slog"
	"os"

	"github.com/haasonsaas/nexus/internal/observability"
)

// Build information, populated by ldflags during release builds.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  os.Getenv("AGENTCLI_LOG_LEVEL"),
		Format: "json",
		Output: os.Stderr,
	})
	slog.SetDefault(logger.Slog())

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
