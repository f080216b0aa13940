package memory

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

func TestIntegrityScanFlagsProblems(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root, WithRecordMaxBytes(300))
	ctx := context.Background()

	good := NewRecord("s", CategoryNote, "fine", testProv(time.Now()))
	if err := store.Append(ctx, good); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	// Appending the same record again plants a duplicate id.
	if err := store.Append(ctx, good); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	future := NewRecord("s", CategoryNote, "from tomorrow", testProv(time.Now().Add(48*time.Hour)))
	if err := store.Append(ctx, future); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	orphan := NewRecord("s", CategoryNote, "no origin", Provenance{Confidence: 0.5, Timestamp: time.Now()})
	if err := store.Append(ctx, orphan); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	huge := NewRecord("s", CategoryNote, strings.Repeat("x", 400), testProv(time.Now()))
	if err := store.Append(ctx, huge); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	f, err := os.OpenFile(root.MemoryFile(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.WriteString("{broken json\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	findings, err := store.IntegrityScan()
	if err != nil {
		t.Fatalf("IntegrityScan() error = %v", err)
	}

	kinds := make(map[string]int, len(findings))
	for _, finding := range findings {
		kinds[finding.Kind]++
		if finding.Line <= 0 {
			t.Errorf("finding %+v has no line number", finding)
		}
	}
	for _, want := range []string{
		FindingDuplicateID,
		FindingFutureTimestamp,
		FindingMissingProvenance,
		FindingOversize,
		FindingUnparseable,
	} {
		if kinds[want] == 0 {
			t.Errorf("no %s finding in %+v", want, findings)
		}
	}
}

func TestIntegrityScanReportsDuplicateID(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	rec := NewRecord("s", CategoryNote, "twice", testProv(time.Now()))
	for i := 0; i < 2; i++ {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	findings, err := store.IntegrityScan()
	if err != nil {
		t.Fatalf("IntegrityScan() error = %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("IntegrityScan() = %+v, want exactly one finding", findings)
	}
	if findings[0].Kind != FindingDuplicateID || findings[0].RecordID != rec.ID {
		t.Errorf("finding = %+v, want duplicate-id for %s", findings[0], rec.ID)
	}
}

func TestIntegrityScanSkippedWhenLockHeld(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	if err := os.WriteFile(root.CompactionLockFile(), []byte("held"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := store.IntegrityScan(); !errors.Is(err, errkind.ErrLockHeld) {
		t.Fatalf("IntegrityScan() error = %v, want ErrLockHeld", err)
	}
}

func TestIntegrityScanEmptyProfile(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	findings, err := store.IntegrityScan()
	if err != nil {
		t.Fatalf("IntegrityScan() error = %v", err)
	}
	if findings == nil || len(findings) != 0 {
		t.Fatalf("IntegrityScan() on empty profile = %#v, want empty non-nil slice", findings)
	}
}
