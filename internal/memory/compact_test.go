package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestCompactBelowThreshold(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	rec := NewRecord("s", CategoryNote, "only one", testProv(time.Now()))
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	res, err := store.Compact(CompactOptions{MaxRecords: 100})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if res.Ran {
		t.Fatalf("Compact() ran below threshold: %+v", res)
	}
	if res.Reason != "below threshold" {
		t.Errorf("Reason = %q, want %q", res.Reason, "below threshold")
	}
	if res.RecordCount != 1 {
		t.Errorf("RecordCount = %d, want 1", res.RecordCount)
	}
	if _, err := os.Stat(root.LongMemoryFile()); !os.IsNotExist(err) {
		t.Error("LONGMEMORY.md written by a skipped compaction")
	}
}

func TestCompactMovesOldRecords(t *testing.T) {
	root := newTestRoot(t)
	fixed := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := NewStore(root, WithNow(func() time.Time { return fixed }))
	ctx := context.Background()

	var oldTexts []string
	for i := 0; i < 12; i++ {
		text := fmt.Sprintf("aged fact %d", i)
		oldTexts = append(oldTexts, text)
		rec := NewRecord("s", CategoryNote, text, testProv(fixed.Add(-10*24*time.Hour)))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	recent := NewRecord("s", CategoryNote, "fresh fact", testProv(fixed.Add(-time.Hour)))
	if err := store.Append(ctx, recent); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	res, err := store.Compact(CompactOptions{MinAgeDays: 7, MaxRecords: 10})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if !res.Ran {
		t.Fatalf("Compact() did not run: %+v", res)
	}
	if res.RecordCount != 13 {
		t.Errorf("RecordCount = %d, want 13", res.RecordCount)
	}
	if res.RecordsCompacted != 12 {
		t.Errorf("RecordsCompacted = %d, want 12", res.RecordsCompacted)
	}
	if res.RecordsAfter > 2 {
		t.Errorf("RecordsAfter = %d, want at most 2", res.RecordsAfter)
	}

	after, err := store.ReadAll(ctx, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("ReadAll() after compact returned %d records, want 2", len(after))
	}
	if after[0].ID != recent.ID {
		t.Errorf("retained record = %q, want the recent one", after[0].Text)
	}
	if !after[1].IsMarker() {
		t.Errorf("last record is not a compaction marker: %+v", after[1])
	}

	long, err := os.ReadFile(root.LongMemoryFile())
	if err != nil {
		t.Fatalf("LONGMEMORY.md not written: %v", err)
	}
	if !strings.Contains(string(long), "Summary") {
		t.Error("LONGMEMORY.md missing Summary heading")
	}
	for _, text := range oldTexts {
		if !strings.Contains(string(long), text) {
			t.Errorf("LONGMEMORY.md missing old text %q", text)
		}
	}
}

func TestCompactIdempotent(t *testing.T) {
	root := newTestRoot(t)
	fixed := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := NewStore(root, WithNow(func() time.Time { return fixed }))
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		rec := NewRecord("s", CategoryNote, fmt.Sprintf("aged %d", i), testProv(fixed.Add(-10*24*time.Hour)))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	first, err := store.Compact(CompactOptions{MinAgeDays: 7, MaxRecords: 10})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if !first.Ran {
		t.Fatalf("first Compact() did not run: %+v", first)
	}

	fileAfterFirst, err := os.ReadFile(root.MemoryFile())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	second, err := store.Compact(CompactOptions{MinAgeDays: 7, MaxRecords: 10})
	if err != nil {
		t.Fatalf("second Compact() error = %v", err)
	}
	if second.Ran {
		t.Fatalf("second Compact() ran with no intervening appends: %+v", second)
	}

	fileAfterSecond, err := os.ReadFile(root.MemoryFile())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(fileAfterFirst) != string(fileAfterSecond) {
		t.Error("second Compact() modified MEMORY.md")
	}
}

func TestCompactKeepsYoungRecords(t *testing.T) {
	root := newTestRoot(t)
	fixed := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	store := NewStore(root, WithNow(func() time.Time { return fixed }))
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		rec := NewRecord("s", CategoryNote, fmt.Sprintf("young %d", i), testProv(fixed.Add(-time.Hour)))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	res, err := store.Compact(CompactOptions{MinAgeDays: 7, MaxRecords: 10})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if res.Ran {
		t.Fatalf("Compact() ran with no old records: %+v", res)
	}
	if res.Reason != "no records old enough" {
		t.Errorf("Reason = %q, want %q", res.Reason, "no records old enough")
	}

	after, err := store.ReadAll(ctx, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(after) != 15 {
		t.Errorf("ReadAll() after skipped compact returned %d records, want 15", len(after))
	}
}

func TestCompactSkipsWhenLockHeld(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	if err := os.WriteFile(root.CompactionLockFile(), []byte("held"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	res, err := store.Compact(CompactOptions{})
	if err != nil {
		t.Fatalf("Compact() error = %v", err)
	}
	if res.Ran || res.Reason != "lock held" {
		t.Fatalf("Compact() = %+v, want a lock-held skip", res)
	}
}

func TestLongMemoryEvictsOldestSummary(t *testing.T) {
	root := newTestRoot(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	store := NewStore(root, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	appendAged := func(text string) {
		t.Helper()
		rec := NewRecord("s", CategoryNote, text, testProv(now.Add(-30*24*time.Hour)))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	compact := func() {
		t.Helper()
		res, err := store.Compact(CompactOptions{MinAgeDays: 7, MaxRecords: 1, LongMemoryMaxChars: 120})
		if err != nil {
			t.Fatalf("Compact() error = %v", err)
		}
		if !res.Ran {
			t.Fatalf("Compact() did not run: %+v", res)
		}
	}

	appendAged("first wave")
	appendAged("first wave too")
	compact()

	now = now.Add(time.Hour)
	appendAged("second wave")
	appendAged("second wave too")
	compact()

	long, err := os.ReadFile(root.LongMemoryFile())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(long)
	if strings.Contains(content, "first wave") {
		t.Errorf("oldest summary not evicted:\n%s", content)
	}
	if !strings.Contains(content, "second wave") {
		t.Errorf("newest summary missing:\n%s", content)
	}
}
