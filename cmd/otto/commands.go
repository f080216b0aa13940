// commands.go contains the cobra command definitions and their flag
// wiring. Each builder creates a command and routes it to its handler.
package main

import (
	"github.com/spf13/cobra"

	"github.com/haasonsaas/otto/internal/profile"
)

// buildServeCmd creates the "serve" command that runs the orchestrator
// daemon.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Otto runtime",
		Long: `Run the autonomy orchestrator: cron, heartbeat, integrity scans,
proactive-intent dispatch, and the durable-queue turn consumer.

Graceful shutdown on SIGINT/SIGTERM flushes cron and autonomy state.`,
		Example: `  # Start with the default profile config
  otto serve

  # Start with an explicit config and debug logging
  otto serve --config /etc/otto/otto.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

// buildStatusCmd creates the "status" command summarizing durable state.
func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize runtime state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

// buildStateCmd creates the "state" command printing raw state files.
func buildStateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "state [file]",
		Short: "Print a raw state file (autonomy, cron, validation, sessions)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return runState(cmd, configPath, name)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

// buildMemoryCmd creates the "memory" command group.
func buildMemoryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and maintain agent memory",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a read-only integrity scan over MEMORY.md",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryScan(cmd, configPath)
		},
	}

	compactCmd := &cobra.Command{
		Use:   "compact",
		Short: "Summarize old records into LONGMEMORY.md and rewrite MEMORY.md",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemoryCompact(cmd, configPath)
		},
	}

	var topK int
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Query the embedding index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMemorySearch(cmd, configPath, args[0], topK)
		},
	}
	searchCmd.Flags().IntVar(&topK, "top", 5, "Number of hits to return")

	cmd.AddCommand(scanCmd, compactCmd, searchCmd)
	return cmd
}

// buildCronCmd creates the "cron" command group.
func buildCronCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled jobs",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted jobs ordered by next due time",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronList(cmd, configPath)
		},
	}

	var (
		jobType    string
		expression string
		isolated   bool
		maxRetries int
		backoffMs  int64
	)
	addCmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or replace a job",
		Example: `  otto cron add --type every --expression 5m --isolated health-check
  otto cron add --type cron --expression "0 9 * * 1-5" morning-brief
  otto cron add --type at --expression 2026-09-01T09:00:00Z launch-reminder`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronAdd(cmd, configPath, cronAddRequest{
				ID:         args[0],
				Type:       jobType,
				Expression: expression,
				Isolated:   isolated,
				MaxRetries: maxRetries,
				BackoffMs:  backoffMs,
			})
		},
	}
	addCmd.Flags().StringVar(&jobType, "type", "every", "Schedule kind: at, every, or cron")
	addCmd.Flags().StringVar(&expression, "expression", "", "Schedule expression (required)")
	addCmd.Flags().BoolVar(&isolated, "isolated", false, "Skip firings while a run of this job is in flight")
	addCmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry budget (0 uses the service default)")
	addCmd.Flags().Int64Var(&backoffMs, "backoff-ms", 0, "Base retry backoff in ms (0 uses the service default)")
	_ = addCmd.MarkFlagRequired("expression")

	removeCmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCronRemove(cmd, configPath, args[0])
		},
	}

	cmd.AddCommand(listCmd, addCmd, removeCmd)
	return cmd
}

// buildValidateCmd creates the "validate" command running the model
// validation harness.
func buildValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate [model-id]",
		Short: "Run tool-call and reasoning probes against the model adapter",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelID := "local-echo"
			if len(args) == 1 {
				modelID = args[0]
			}
			return runValidate(cmd, configPath, modelID)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", profile.DefaultConfigPath(),
		"Path to YAML configuration file")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd)
		},
	})
	return cmd
}
