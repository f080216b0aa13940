// Package profile defines the on-disk layout of a profile root: the
// directory holding all durable state for a single agent identity.
package profile

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigName is the config file loaded when no path is given.
	DefaultConfigName = "otto.yaml"

	// DefaultRootName is the profile root created under the user home.
	DefaultRootName = ".otto"
)

// Root locates every durable file the runtime owns. All paths are
// derived from a single base directory so a profile can be copied or
// backed up as one unit.
type Root struct {
	base string
}

// NewRoot returns a Root anchored at base. A leading ~ is expanded; an
// empty base resolves to ~/.otto.
func NewRoot(base string) Root {
	base = strings.TrimSpace(base)
	if base == "" {
		base = filepath.Join(homeDir(), DefaultRootName)
	}
	return Root{base: expandHome(base)}
}

// Base returns the profile root directory.
func (r Root) Base() string { return r.base }

// MemoryFile is the append-only long-term memory log.
func (r Root) MemoryFile() string { return filepath.Join(r.base, "MEMORY.md") }

// LongMemoryFile holds compacted long-term summaries.
func (r Root) LongMemoryFile() string { return filepath.Join(r.base, "LONGMEMORY.md") }

// DailyDir holds per-day memory logs (memory/YYYY-MM-DD.md).
func (r Root) DailyDir() string { return filepath.Join(r.base, "memory") }

// EmbeddingsFile is the persisted vector index.
func (r Root) EmbeddingsFile() string { return filepath.Join(r.base, "memory-embeddings.json") }

// AutonomyStateFile is the budget + proactive-intent snapshot.
func (r Root) AutonomyStateFile() string { return filepath.Join(r.base, "autonomy-state.json") }

// CronStateFile is the cron job snapshot.
func (r Root) CronStateFile() string { return filepath.Join(r.base, "cron-state.json") }

// ValidationStateFile holds model validation results.
func (r Root) ValidationStateFile() string { return filepath.Join(r.base, "validation-state.json") }

// SessionsFile holds persisted session contexts.
func (r Root) SessionsFile() string { return filepath.Join(r.base, "sessions.json") }

// WorkflowDir holds per-workflow checkpoints.
func (r Root) WorkflowDir() string { return filepath.Join(r.base, "workflow-state") }

// QueueDir holds one durable queue file per sanitized session id.
func (r Root) QueueDir() string { return filepath.Join(r.base, "queues") }

// CredentialsDir holds provider credentials. The turn runtime never
// reads from here; only adapter layers outside the core do.
func (r Root) CredentialsDir() string { return filepath.Join(r.base, "credentials") }

// TmpDir holds lock files and scratch state.
func (r Root) TmpDir() string { return filepath.Join(r.base, "tmp") }

// CompactionLockFile guards memory compaction against concurrent workers.
func (r Root) CompactionLockFile() string {
	return filepath.Join(r.base, "tmp", "memory-compaction.lock")
}

// SnapshotDir holds optional turn debug snapshots.
func (r Root) SnapshotDir() string { return filepath.Join(r.base, "snapshots") }

// EnsureLayout creates the directories the runtime writes into. Files
// are created lazily by their owners.
func (r Root) EnsureLayout() error {
	dirs := []string{
		r.base,
		r.DailyDir(),
		r.WorkflowDir(),
		r.QueueDir(),
		r.TmpDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DefaultConfigPath returns the config file inside the default root.
func DefaultConfigPath() string {
	return filepath.Join(homeDir(), DefaultRootName, DefaultConfigName)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "."
	}
	return home
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home := homeDir()
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
