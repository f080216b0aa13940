package memory

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/statefile"
)

// CompactOptions control one compaction run.
type CompactOptions struct {
	// MinAgeDays protects recent records: only records older than this
	// are summarized away. Default: 7
	MinAgeDays int
	// MaxRecords is the threshold and the retention cap for MEMORY.md.
	// Default: 500
	MaxRecords int
	// LongMemoryMaxChars bounds LONGMEMORY.md; oldest summary blocks
	// are evicted past this size. Default: 60000
	LongMemoryMaxChars int
}

// CompactResult reports what a compaction run did.
type CompactResult struct {
	Ran              bool   `json:"ran"`
	Reason           string `json:"reason,omitempty"`
	RecordCount      int    `json:"recordCount"`
	RecordsCompacted int    `json:"recordsCompacted"`
	RecordsAfter     int    `json:"recordsAfter"`
}

func (o *CompactOptions) applyDefaults() {
	if o.MinAgeDays <= 0 {
		o.MinAgeDays = 7
	}
	if o.MaxRecords <= 0 {
		o.MaxRecords = 500
	}
	if o.LongMemoryMaxChars <= 0 {
		o.LongMemoryMaxChars = 60000
	}
}

// Compact summarizes old records into LONGMEMORY.md and rewrites
// MEMORY.md with the retained tail plus a compaction marker.
//
// The run is guarded by the on-disk compaction lock; when another
// worker holds it, Compact reports {Ran:false, Reason:"lock held"}
// instead of blocking. Running Compact twice without intervening
// appends is a no-op on the second run because markers do not count
// toward the threshold.
func (s *Store) Compact(opts CompactOptions) (CompactResult, error) {
	opts.applyDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := statefile.AcquireLock(s.lockPath, compactionLockStale)
	if errors.Is(err, errkind.ErrLockHeld) {
		return CompactResult{Ran: false, Reason: "lock held"}, nil
	}
	if err != nil {
		return CompactResult{}, fmt.Errorf("acquire compaction lock: %w", err)
	}
	defer lock.Release()

	all := s.readRecordsLocked()
	records := make([]Record, 0, len(all))
	for _, rec := range all {
		if !rec.IsMarker() {
			records = append(records, rec)
		}
	}

	result := CompactResult{RecordCount: len(records)}
	if len(records) <= opts.MaxRecords {
		result.Reason = "below threshold"
		result.RecordsAfter = len(all)
		return result, nil
	}

	now := s.now()
	cutoff := now.Add(-time.Duration(opts.MinAgeDays) * 24 * time.Hour)

	var old, recent []Record
	for _, rec := range records {
		if rec.Provenance.Timestamp.Before(cutoff) {
			old = append(old, rec)
		} else {
			recent = append(recent, rec)
		}
	}
	if len(old) == 0 {
		result.Reason = "no records old enough"
		result.RecordsAfter = len(all)
		return result, nil
	}

	if err := s.appendLongMemoryLocked(old, now, opts.LongMemoryMaxChars); err != nil {
		return CompactResult{}, fmt.Errorf("write long memory: %w", err)
	}

	retained := recent
	if len(retained) > opts.MaxRecords {
		retained = retained[len(retained)-opts.MaxRecords:]
	}

	marker := NewRecord("", CategoryCompactionMarker,
		fmt.Sprintf("Compacted %d records into long-term memory", len(old)),
		Provenance{
			SourceChannel: "memory.compaction",
			Confidence:    1,
			Timestamp:     now.UTC(),
			Sensitivity:   SensitivityOperational,
		})

	var sb strings.Builder
	sb.WriteString(Header)
	for _, rec := range append(retained, marker) {
		line, err := ToLine(rec)
		if err != nil {
			return CompactResult{}, err
		}
		sb.WriteString(line)
	}
	if err := statefile.WriteBytes(s.path, []byte(sb.String())); err != nil {
		return CompactResult{}, fmt.Errorf("rewrite memory file: %w", err)
	}

	result.Ran = true
	result.RecordsCompacted = len(old)
	result.RecordsAfter = len(retained) + 1
	s.logger.Info("memory compacted",
		"records_compacted", result.RecordsCompacted,
		"records_after", result.RecordsAfter,
	)
	return result, nil
}

// appendLongMemoryLocked appends one summary block for the compacted
// records, evicting the oldest blocks while the file exceeds maxChars.
func (s *Store) appendLongMemoryLocked(old []Record, now time.Time, maxChars int) error {
	var block strings.Builder
	fmt.Fprintf(&block, "## Summary %s (%d records)\n\n", now.UTC().Format(time.RFC3339), len(old))
	for _, rec := range old {
		// Secret text must not land in LONGMEMORY.md: the file feeds
		// model prompts, which secrets never enter.
		text := strings.ReplaceAll(rec.Text, "\n", " ")
		if rec.Provenance.Sensitivity == SensitivitySecret {
			text = "[secret record elided]"
		}
		fmt.Fprintf(&block, "- [%s] %s\n", rec.Category, text)
	}
	block.WriteString("\n")

	existing := ""
	if data, err := os.ReadFile(s.longMemoryPath); err == nil {
		existing = string(data)
	}

	content := existing + block.String()
	content = evictOldestSummaries(content, maxChars)
	return statefile.WriteBytes(s.longMemoryPath, []byte(content))
}

// evictOldestSummaries drops leading "## " blocks until content fits in
// maxChars. A single oversized block is kept whole; eviction granularity
// is one summary.
func evictOldestSummaries(content string, maxChars int) string {
	for len(content) > maxChars {
		next := strings.Index(content[1:], "\n## ")
		if next < 0 {
			break
		}
		content = content[next+2:]
	}
	return content
}
