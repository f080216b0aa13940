// Package main provides the CLI entry point for the Otto autonomous
// agent runtime.
//
// Otto drives a language-model agent through continuous turns,
// cron-scheduled jobs, heartbeat self-prompts, and proactive intents,
// while enforcing budget, tool-approval, and secret-redaction policies
// and preserving state across restarts under a single profile root.
//
// # Basic Usage
//
// Start the runtime:
//
//	otto serve --config ~/.otto/otto.yaml
//
// Check durable state:
//
//	otto status
//	otto state
//
// Work with memory:
//
//	otto memory scan
//	otto memory compact
//	otto memory search "deployment preferences"
//
// Manage schedules:
//
//	otto cron list
//	otto cron add --type every --expression 5m --isolated daily-digest
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "otto",
		Short: "Otto - autonomous agent runtime",
		Long: `Otto runs a language-model agent as a long-lived process: continuous
turns, cron jobs, heartbeat self-prompts, and proactive intents, all under
one autonomy budget with durable state in the profile root.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildStatusCmd(),
		buildStateCmd(),
		buildMemoryCmd(),
		buildCronCmd(),
		buildValidateCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
