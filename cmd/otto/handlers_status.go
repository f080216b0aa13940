// handlers_status.go implements the status and state commands, which
// read durable state files without starting the runtime.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/otto/internal/budget"
	"github.com/haasonsaas/otto/internal/cron"
	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/profile"
	"github.com/haasonsaas/otto/internal/statefile"
	"github.com/haasonsaas/otto/internal/validation"
)

// autonomyFileState mirrors the persisted section of autonomy-state.json
// that status reports on.
type autonomyFileState struct {
	Budget  budget.Snapshot   `json:"budget"`
	Intents []json.RawMessage `json:"intents"`
}

type cronFileState struct {
	Jobs []cron.Job `json:"jobs"`
}

// statusReport is the JSON document printed by "otto status".
type statusReport struct {
	ProfileRoot      string            `json:"profileRoot"`
	GeneratedAt      time.Time         `json:"generatedAt"`
	MemoryRecords    int               `json:"memoryRecords"`
	CompactionDue    bool              `json:"compactionDue"`
	PendingIntents   int               `json:"pendingIntents"`
	CronJobs         []cron.Job        `json:"cronJobs"`
	BudgetChannels   []string          `json:"budgetChannels,omitempty"`
	Validation       *validation.State `json:"validation,omitempty"`
	MissingStateFile []string          `json:"missingStateFiles,omitempty"`
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	root, err := openRoot(cfg)
	if err != nil {
		return err
	}

	report := statusReport{
		ProfileRoot: root.Base(),
		GeneratedAt: time.Now().UTC(),
	}

	store := memory.NewStore(&root,
		memory.WithRecordMaxBytes(cfg.Memory.RecordMaxBytes),
		memory.WithAllowSecret(cfg.Memory.AllowSecret),
	)
	due, count := store.Check(cfg.Memory.MaxRecords)
	report.MemoryRecords = count
	report.CompactionDue = due

	var auto autonomyFileState
	found, err := statefile.ReadJSON(root.AutonomyStateFile(), &auto)
	if err != nil {
		return fmt.Errorf("read autonomy state: %w", err)
	}
	if !found {
		report.MissingStateFile = append(report.MissingStateFile, "autonomy-state.json")
	} else {
		report.PendingIntents = len(auto.Intents)
		for ch := range auto.Budget {
			report.BudgetChannels = append(report.BudgetChannels, ch)
		}
		sort.Strings(report.BudgetChannels)
	}

	var cronState cronFileState
	found, err = statefile.ReadJSON(root.CronStateFile(), &cronState)
	if err != nil {
		return fmt.Errorf("read cron state: %w", err)
	}
	if !found {
		report.MissingStateFile = append(report.MissingStateFile, "cron-state.json")
	} else {
		sort.Slice(cronState.Jobs, func(i, j int) bool {
			return cronState.Jobs[i].NextRunAt < cronState.Jobs[j].NextRunAt
		})
		report.CronJobs = cronState.Jobs
	}

	var valState validation.State
	found, err = statefile.ReadJSON(root.ValidationStateFile(), &valState)
	if err != nil {
		return fmt.Errorf("read validation state: %w", err)
	}
	if found {
		report.Validation = &valState
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// stateFiles maps the short names accepted by "otto state" to their
// path accessors.
var stateFiles = map[string]func(profile.Root) string{
	"autonomy":   profile.Root.AutonomyStateFile,
	"cron":       profile.Root.CronStateFile,
	"validation": profile.Root.ValidationStateFile,
	"sessions":   profile.Root.SessionsFile,
}

func runState(cmd *cobra.Command, configPath, name string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	root, err := openRoot(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if name == "" {
		names := make([]string, 0, len(stateFiles))
		for n := range stateFiles {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			path := stateFiles[n](root)
			info, err := os.Stat(path)
			if err != nil {
				fmt.Fprintf(out, "%-12s (absent)\n", n)
				continue
			}
			fmt.Fprintf(out, "%-12s %6d bytes  %s\n", n, info.Size(), info.ModTime().UTC().Format(time.RFC3339))
		}
		return nil
	}

	pathFn, ok := stateFiles[name]
	if !ok {
		return fmt.Errorf("unknown state file %q (want autonomy, cron, validation, or sessions)", name)
	}
	data, err := os.ReadFile(pathFn(root))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("state file %q has not been written yet", name)
		}
		return err
	}
	_, err = out.Write(data)
	return err
}
