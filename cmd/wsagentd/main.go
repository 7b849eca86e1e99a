// Package main is wsagentd, a demo binary that boots the workspace
// supervisor stack (C1-C7) against a configured KV backend and drives
// end-to-end scenarios against it.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during a release build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wsagentd",
		Short:        "wsagentd - workspace supervisor and chatbot orchestration daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	cmd.AddCommand(buildServeCmd(), buildDemoCmd())
	return cmd
}
