// handlers_cron.go implements the cron command group. Commands operate
// on cron-state.json directly through an unstarted service, so they are
// safe to run while the daemon is down; a running daemon picks up
// changes on its next load.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/otto/internal/cron"
)

// cronAddRequest carries the flag values of "otto cron add".
type cronAddRequest struct {
	ID         string
	Type       string
	Expression string
	Isolated   bool
	MaxRetries int
	BackoffMs  int64
}

// openCronService loads the persisted job table without starting the
// tick loop. The run callback is never invoked.
func openCronService(configPath string) (*cron.Service, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	root, err := openRoot(cfg)
	if err != nil {
		return nil, err
	}
	return cron.NewService(root.CronStateFile(),
		func(context.Context, cron.Job) error { return nil },
		cron.WithRetryDefaults(cfg.Cron.DefaultMaxRetries, cfg.Cron.DefaultBackoffMs),
	)
}

func runCronList(cmd *cobra.Command, configPath string) error {
	svc, err := openCronService(configPath)
	if err != nil {
		return err
	}

	jobs := svc.List()
	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs.")
		return nil
	}
	for _, job := range jobs {
		next := "-"
		if job.NextRunAt > 0 {
			next = time.UnixMilli(job.NextRunAt).UTC().Format(time.RFC3339)
		}
		line := fmt.Sprintf("%-24s %-6s %-20s next %s", job.ID, job.Type, job.Expression, next)
		if job.Isolated {
			line += "  [isolated]"
		}
		if job.LastError != "" {
			line += fmt.Sprintf("  last error: %s (attempt %d)", job.LastError, job.Attempts)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func runCronAdd(cmd *cobra.Command, configPath string, req cronAddRequest) error {
	svc, err := openCronService(configPath)
	if err != nil {
		return err
	}

	job, err := svc.Add(cron.Job{
		ID:         req.ID,
		Type:       cron.Type(req.Type),
		Expression: req.Expression,
		Isolated:   req.Isolated,
		MaxRetries: req.MaxRetries,
		BackoffMs:  req.BackoffMs,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Job %s scheduled; next run %s\n",
		job.ID, time.UnixMilli(job.NextRunAt).UTC().Format(time.RFC3339))
	return nil
}

func runCronRemove(cmd *cobra.Command, configPath, id string) error {
	svc, err := openCronService(configPath)
	if err != nil {
		return err
	}
	if err := svc.Remove(id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s removed.\n", id)
	return nil
}
