package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/otto/internal/statefile"
)

// Finding kinds reported by IntegrityScan.
const (
	FindingUnparseable       = "unparseable"
	FindingDuplicateID       = "duplicate-id"
	FindingFutureTimestamp   = "future-timestamp"
	FindingMissingProvenance = "missing-provenance"
	FindingOversize          = "oversize"
)

// futureGrace absorbs clock skew between writers before a timestamp is
// flagged as future.
const futureGrace = time.Minute

// Finding is one integrity problem located in MEMORY.md.
type Finding struct {
	Line     int    `json:"line"`
	RecordID string `json:"recordId,omitempty"`
	Kind     string `json:"kind"`
	Detail   string `json:"detail"`
}

// IntegrityScan audits MEMORY.md without mutating it. It takes the
// compaction lock so it never reads a file mid-rewrite; if the lock is
// held the scan is skipped and errkind.ErrLockHeld is returned.
func (s *Store) IntegrityScan() ([]Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := statefile.AcquireLock(s.lockPath, compactionLockStale)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	lines, err := statefile.ReadLines(s.path)
	if err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}

	now := s.now()
	findings := []Finding{}
	seen := make(map[string]int, len(lines))

	for i, line := range lines {
		lineNo := i + 1
		if !strings.HasPrefix(line, "{") {
			continue
		}

		rec, err := ParseLine(line)
		if err != nil {
			findings = append(findings, Finding{
				Line:   lineNo,
				Kind:   FindingUnparseable,
				Detail: err.Error(),
			})
			continue
		}

		if first, dup := seen[rec.ID]; dup {
			findings = append(findings, Finding{
				Line:     lineNo,
				RecordID: rec.ID,
				Kind:     FindingDuplicateID,
				Detail:   fmt.Sprintf("id first seen on line %d", first),
			})
		} else {
			seen[rec.ID] = lineNo
		}

		if rec.Provenance.Timestamp.After(now.Add(futureGrace)) {
			findings = append(findings, Finding{
				Line:     lineNo,
				RecordID: rec.ID,
				Kind:     FindingFutureTimestamp,
				Detail:   fmt.Sprintf("timestamp %s is in the future", rec.Provenance.Timestamp.Format(time.RFC3339)),
			})
		}

		if rec.Provenance.SourceChannel == "" || rec.Provenance.Timestamp.IsZero() {
			findings = append(findings, Finding{
				Line:     lineNo,
				RecordID: rec.ID,
				Kind:     FindingMissingProvenance,
				Detail:   "sourceChannel or timestamp missing",
			})
		}

		if s.recordMaxBytes > 0 && len(line) > s.recordMaxBytes {
			findings = append(findings, Finding{
				Line:     lineNo,
				RecordID: rec.ID,
				Kind:     FindingOversize,
				Detail:   fmt.Sprintf("record is %d bytes, cap is %d", len(line), s.recordMaxBytes),
			})
		}
	}

	return findings, nil
}
