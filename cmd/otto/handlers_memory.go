// handlers_memory.go implements the memory command group: integrity
// scan, compaction, and embedding-index search.
package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/otto/internal/config"
	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/profile"
)

func openStore(configPath string) (*memory.Store, *config.Config, profile.Root, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, profile.Root{}, err
	}
	root, err := openRoot(cfg)
	if err != nil {
		return nil, nil, profile.Root{}, err
	}
	store := memory.NewStore(&root,
		memory.WithRecordMaxBytes(cfg.Memory.RecordMaxBytes),
		memory.WithAllowSecret(cfg.Memory.AllowSecret),
	)
	return store, cfg, root, nil
}

func runMemoryScan(cmd *cobra.Command, configPath string) error {
	store, _, _, err := openStore(configPath)
	if err != nil {
		return err
	}

	findings, err := store.IntegrityScan()
	if err != nil {
		if errors.Is(err, errkind.ErrLockHeld) {
			return fmt.Errorf("scan skipped: another process holds the compaction lock")
		}
		return err
	}

	out := cmd.OutOrStdout()
	if len(findings) == 0 {
		fmt.Fprintln(out, "MEMORY.md is clean.")
		return nil
	}
	fmt.Fprintf(out, "%d finding(s):\n", len(findings))
	for _, f := range findings {
		if f.RecordID != "" {
			fmt.Fprintf(out, "  line %-5d %-16s %s (record %s)\n", f.Line, f.Kind, f.Detail, f.RecordID)
			continue
		}
		fmt.Fprintf(out, "  line %-5d %-16s %s\n", f.Line, f.Kind, f.Detail)
	}
	return nil
}

func runMemoryCompact(cmd *cobra.Command, configPath string) error {
	store, cfg, _, err := openStore(configPath)
	if err != nil {
		return err
	}

	res, err := store.Compact(memory.CompactOptions{
		MinAgeDays:         cfg.Memory.MinAgeDays,
		MaxRecords:         cfg.Memory.MaxRecords,
		LongMemoryMaxChars: cfg.Memory.LongMemoryMaxChars,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !res.Ran {
		fmt.Fprintf(out, "Compaction skipped: %s (%d records)\n", res.Reason, res.RecordCount)
		return nil
	}
	fmt.Fprintf(out, "Compacted %d of %d records; %d remain in MEMORY.md.\n",
		res.RecordsCompacted, res.RecordCount, res.RecordsAfter)
	return nil
}

func runMemorySearch(cmd *cobra.Command, configPath, query string, topK int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	root, err := openRoot(cfg)
	if err != nil {
		return err
	}
	index, err := memory.NewIndex(root.EmbeddingsFile(),
		memory.WithIndexDimensions(cfg.Memory.EmbeddingDimensions),
		memory.WithIndexMaxRecords(cfg.Memory.EmbeddingMaxRecords),
		memory.WithIndexAllowSecret(cfg.Memory.AllowSecret),
	)
	if err != nil {
		return fmt.Errorf("open embedding index: %w", err)
	}

	hits := index.Query(query, topK)
	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}
	for i, hit := range hits {
		text := hit.Text
		if len(text) > 160 {
			text = text[:157] + "..."
		}
		fmt.Fprintf(out, "%d. [%.3f] %s  (%s)\n", i+1, hit.Score, text, hit.ID)
	}
	return nil
}
