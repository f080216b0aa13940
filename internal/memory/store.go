package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/profile"
	"github.com/haasonsaas/otto/internal/statefile"
)

// Header is the front-matter MEMORY.md starts with. Parsers skip it and
// any other line that does not look like a JSON record.
const Header = "# MEMORY.md — Long-term memory\n\n---\n\n"

// compactionLockStale is how old a compaction lock may be before it is
// considered abandoned and reclaimed.
const compactionLockStale = time.Hour

// Store is the durable memory store. Appends are serialized by an
// in-process write chain; reads are best-effort and never fail the
// caller.
type Store struct {
	mu sync.Mutex

	path           string
	dailyDir       string
	longMemoryPath string
	lockPath       string

	recordMaxBytes int
	allowSecret    bool

	logger *slog.Logger
	now    func() time.Time

	onAppend func(Record)
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithRecordMaxBytes sets the per-record size cap flagged by integrity
// scans. Default: 16384
func WithRecordMaxBytes(n int) StoreOption {
	return func(s *Store) { s.recordMaxBytes = n }
}

// WithAllowSecret permits sensitivity=secret records in reads by
// default. Default: false
func WithAllowSecret(allow bool) StoreOption {
	return func(s *Store) { s.allowSecret = allow }
}

// WithAppendHook registers a callback invoked after every durable
// append, outside the write chain ordering guarantees.
func WithAppendHook(fn func(Record)) StoreOption {
	return func(s *Store) { s.onAppend = fn }
}

// NewStore creates a store over the profile layout.
func NewStore(root *profile.Root, opts ...StoreOption) *Store {
	s := &Store{
		path:           root.MemoryFile(),
		dailyDir:       root.DailyDir(),
		longMemoryPath: root.LongMemoryFile(),
		lockPath:       root.CompactionLockFile(),
		recordMaxBytes: 16384,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "memory")
	}
	return s
}

// Append durably writes one record to MEMORY.md and mirrors it into the
// per-day log. It returns only after the MEMORY.md write has synced.
func (s *Store) Append(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := ToLine(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if held, age := s.foreignLockHeld(); held {
		return errkind.Newf(errkind.KindTransient, "memory.append",
			"compaction lock held for %s", age.Round(time.Second))
	}

	if err := s.ensureHeaderLocked(); err != nil {
		return fmt.Errorf("write memory header: %w", err)
	}
	if err := statefile.AppendLine(s.path, strings.TrimSuffix(line, "\n")); err != nil {
		return fmt.Errorf("append memory record: %w", err)
	}

	// The daily log is an operator convenience; a failed mirror write
	// must not fail the append.
	dailyPath := filepath.Join(s.dailyDir, rec.Provenance.Timestamp.UTC().Format("2006-01-02")+".md")
	if err := statefile.AppendLine(dailyPath, strings.TrimSuffix(line, "\n")); err != nil {
		s.logger.Warn("daily memory log append failed", "path", dailyPath, "error", err)
	}

	if s.onAppend != nil {
		s.onAppend(rec)
	}
	return nil
}

// ReadOptions filter ReadAll results.
type ReadOptions struct {
	// Since keeps records with provenance timestamps at or after it.
	Since time.Time
	// Category keeps only records of one category when non-empty.
	Category string
	// Limit keeps the newest N records when > 0.
	Limit int
	// AllowSecret includes sensitivity=secret records for this read.
	AllowSecret bool
}

// ReadAll parses MEMORY.md oldest-first. Reads are best-effort: a
// missing or unreadable file yields an empty slice, and unparseable
// lines are skipped (the integrity scan reports them).
func (s *Store) ReadAll(ctx context.Context, opts ReadOptions) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lines, err := statefile.ReadLines(s.path)
	if err != nil {
		s.logger.Warn("memory read failed", "error", err)
		return []Record{}, nil
	}

	allowSecret := opts.AllowSecret || s.allowSecret
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(line, "{") {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			continue
		}
		if rec.Provenance.Sensitivity == SensitivitySecret && !allowSecret {
			continue
		}
		if !opts.Since.IsZero() && rec.Provenance.Timestamp.Before(opts.Since) {
			continue
		}
		if opts.Category != "" && rec.Category != opts.Category {
			continue
		}
		records = append(records, rec)
	}

	if opts.Limit > 0 && len(records) > opts.Limit {
		records = records[len(records)-opts.Limit:]
	}
	return records, nil
}

// RecentDailyLogs returns the contents of the newest n per-day log
// files, oldest first. Best-effort: missing directory yields nil.
func (s *Store) RecentDailyLogs(n int) []string {
	if n <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.dailyDir)
	if err != nil {
		return nil
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	if len(names) > n {
		names = names[len(names)-n:]
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.dailyDir, name))
		if err != nil {
			continue
		}
		out = append(out, string(data))
	}
	return out
}

// LongMemory returns the compacted long-term summary file contents.
// Best-effort: a missing or unreadable file yields the empty string.
func (s *Store) LongMemory() string {
	data, err := os.ReadFile(s.longMemoryPath)
	if err != nil {
		return ""
	}
	return string(data)
}

// Check reports whether compaction should run for the given threshold
// along with the current non-marker record count.
func (s *Store) Check(maxRecords int) (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := s.readRecordsLocked()
	count := 0
	for _, rec := range records {
		if !rec.IsMarker() {
			count++
		}
	}
	return count > maxRecords, count
}

func (s *Store) ensureHeaderLocked() error {
	info, err := os.Stat(s.path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteString(Header); err != nil {
		return err
	}
	return f.Sync()
}

// readRecordsLocked returns every parseable record including markers
// and secrets. Callers hold s.mu.
func (s *Store) readRecordsLocked() []Record {
	lines, err := statefile.ReadLines(s.path)
	if err != nil {
		return nil
	}
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		if !strings.HasPrefix(line, "{") {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records
}

// foreignLockHeld reports whether another process holds a live
// compaction lock. Our own Compact runs under s.mu, so an append can
// never observe our own lock.
func (s *Store) foreignLockHeld() (bool, time.Duration) {
	info, err := os.Stat(s.lockPath)
	if err != nil {
		return false, 0
	}
	age := s.now().Sub(info.ModTime())
	if age >= compactionLockStale {
		return false, 0
	}
	return true, age
}
