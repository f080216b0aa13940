// Package memory provides the durable long-term memory store: an
// append-only line-JSON file with integrity scanning, compaction into
// LONGMEMORY.md, and a hash-based embedding index for recall.
package memory

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/otto/internal/errkind"
)

// Sensitivity classifies how widely a record may travel.
type Sensitivity string

const (
	SensitivityPublic      Sensitivity = "public"
	SensitivityPrivateUser Sensitivity = "private-user"
	SensitivitySecret      Sensitivity = "secret"
	SensitivityOperational Sensitivity = "operational"
)

// Well-known record categories. The set is open; these are the ones the
// runtime itself writes.
const (
	CategoryTurnSummary      = "turn-summary"
	CategoryNote             = "note"
	CategoryUserPreference   = "user-preference"
	CategoryCompactionMarker = "compaction-marker"
)

// Provenance records where a memory came from and how much to trust it.
type Provenance struct {
	SourceChannel string      `json:"sourceChannel"`
	Confidence    float64     `json:"confidence"`
	Timestamp     time.Time   `json:"timestamp"`
	Sensitivity   Sensitivity `json:"sensitivity"`
}

// Record is one immutable memory entry. Once appended it is never
// modified; compaction may summarize it away but never edits it.
type Record struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Category   string     `json:"category"`
	Text       string     `json:"text"`
	Provenance Provenance `json:"provenance"`
}

// NewRecord builds a record with a fresh ULID and the given timestamp.
func NewRecord(sessionID, category, text string, prov Provenance) Record {
	return Record{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Category:   category,
		Text:       text,
		Provenance: prov,
	}
}

// Validate checks the invariants a record must satisfy before it is
// written.
func (r Record) Validate() error {
	if r.ID == "" {
		return errkind.Newf(errkind.KindSchemaInvalid, "memory.validate", "record id is empty")
	}
	if strings.TrimSpace(r.Text) == "" {
		return errkind.Newf(errkind.KindSchemaInvalid, "memory.validate", "record text is empty")
	}
	if r.Provenance.Confidence < 0 || r.Provenance.Confidence > 1 {
		return errkind.Newf(errkind.KindSchemaInvalid, "memory.validate",
			"confidence %.2f outside [0,1]", r.Provenance.Confidence)
	}
	return nil
}

// IsMarker reports whether the record is a compaction marker. Markers
// are bookkeeping lines and do not count toward compaction thresholds.
func (r Record) IsMarker() bool {
	return r.Category == CategoryCompactionMarker
}

// ToLine serializes the record as a single JSON line, newline included.
func ToLine(r Record) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("marshal record: %w", err)
	}
	return string(data) + "\n", nil
}

// ParseLine parses one line of MEMORY.md into a record. Header and
// separator lines are not records; callers skip lines that do not start
// with '{' before calling.
func ParseLine(line string) (Record, error) {
	var r Record
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Record{}, err
	}
	return r, nil
}
