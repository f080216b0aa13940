package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/profile"
)

func newTestRoot(t *testing.T) *profile.Root {
	t.Helper()
	root := profile.NewRoot(t.TempDir())
	if err := root.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout() error = %v", err)
	}
	return &root
}

func testProv(ts time.Time) Provenance {
	return Provenance{
		SourceChannel: "dm:alice",
		Confidence:    0.9,
		Timestamp:     ts,
		Sensitivity:   SensitivityPrivateUser,
	}
}

func TestAppendReadRoundTrip(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	var want []Record
	for i := 0; i < 3; i++ {
		rec := NewRecord("dm-alice", CategoryNote, fmt.Sprintf("note %d", i), testProv(base.Add(time.Duration(i)*time.Second)))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		want = append(want, rec)
	}

	got, err := store.ReadAll(ctx, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ReadAll() returned %d records, want 3", len(got))
	}
	for i := range want {
		if got[i].ID != want[i].ID || got[i].Text != want[i].Text || got[i].Category != want[i].Category {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
		if !got[i].Provenance.Timestamp.Equal(want[i].Provenance.Timestamp) {
			t.Errorf("record %d timestamp = %v, want %v", i, got[i].Provenance.Timestamp, want[i].Provenance.Timestamp)
		}
	}

	findings, err := store.IntegrityScan()
	if err != nil {
		t.Fatalf("IntegrityScan() error = %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("IntegrityScan() = %+v, want no findings", findings)
	}
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		rec := NewRecord("s", CategoryNote, "text", testProv(time.Now()))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	raw, err := os.ReadFile(root.MemoryFile())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	content := string(raw)
	if !strings.HasPrefix(content, Header) {
		t.Fatalf("memory file does not start with header:\n%s", content)
	}
	if n := strings.Count(content, "# MEMORY.md"); n != 1 {
		t.Errorf("header written %d times, want 1", n)
	}
}

func TestAppendMirrorsDailyLog(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	rec := NewRecord("s", CategoryNote, "pi day prep", testProv(ts))
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(root.DailyDir(), "2026-03-14.md"))
	if err != nil {
		t.Fatalf("daily log not written: %v", err)
	}
	if !strings.Contains(string(raw), rec.ID) {
		t.Errorf("daily log missing record id %s", rec.ID)
	}
}

func TestReadAllFilters(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		cat := CategoryNote
		if i%2 == 1 {
			cat = CategoryUserPreference
		}
		rec := NewRecord("s", cat, fmt.Sprintf("entry %d", i), testProv(base.Add(time.Duration(i)*time.Hour)))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	byCat, err := store.ReadAll(ctx, ReadOptions{Category: CategoryUserPreference})
	if err != nil {
		t.Fatalf("ReadAll(category) error = %v", err)
	}
	if len(byCat) != 2 {
		t.Errorf("category filter returned %d records, want 2", len(byCat))
	}

	since, err := store.ReadAll(ctx, ReadOptions{Since: base.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("ReadAll(since) error = %v", err)
	}
	if len(since) != 2 {
		t.Errorf("since filter returned %d records, want 2", len(since))
	}

	limited, err := store.ReadAll(ctx, ReadOptions{Limit: 2})
	if err != nil {
		t.Fatalf("ReadAll(limit) error = %v", err)
	}
	if len(limited) != 2 || limited[1].Text != "entry 4" {
		t.Errorf("limit filter kept %+v, want newest two ending with entry 4", limited)
	}
}

func TestReadAllToleratesManualEdits(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	rec := NewRecord("s", CategoryNote, "kept", testProv(time.Now()))
	if err := store.Append(ctx, rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	f, err := os.OpenFile(root.MemoryFile(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.WriteString("a human scribbled here\n{not json\n"); err != nil {
		t.Fatalf("WriteString() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := store.ReadAll(ctx, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != rec.ID {
		t.Fatalf("ReadAll() = %+v, want only the valid record", got)
	}
}

func TestReadAllExcludesSecrets(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	public := NewRecord("s", CategoryNote, "safe fact", testProv(time.Now()))
	secretProv := testProv(time.Now())
	secretProv.Sensitivity = SensitivitySecret
	secret := NewRecord("s", CategoryNote, "the vault passphrase hint", secretProv)
	for _, rec := range []Record{public, secret} {
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.ReadAll(ctx, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != public.ID {
		t.Fatalf("default read = %+v, want only the public record", got)
	}

	all, err := store.ReadAll(ctx, ReadOptions{AllowSecret: true})
	if err != nil {
		t.Fatalf("ReadAll(allowSecret) error = %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("allowSecret read returned %d records, want 2", len(all))
	}
}

func TestConcurrentAppendsStayParsable(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	const workers = 8
	const perWorker = 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				rec := NewRecord("s", CategoryNote, fmt.Sprintf("w%d-%d", w, i), testProv(time.Now()))
				if err := store.Append(ctx, rec); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	got, err := store.ReadAll(ctx, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(got) != workers*perWorker {
		t.Fatalf("ReadAll() returned %d records, want %d", len(got), workers*perWorker)
	}
	seen := make(map[string]bool, len(got))
	for _, rec := range got {
		if seen[rec.ID] {
			t.Fatalf("duplicate record id %s", rec.ID)
		}
		seen[rec.ID] = true
	}

	findings, err := store.IntegrityScan()
	if err != nil {
		t.Fatalf("IntegrityScan() error = %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("IntegrityScan() after concurrent appends = %+v", findings)
	}
}

func TestAppendBlockedByForeignLock(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	if err := os.WriteFile(root.CompactionLockFile(), []byte("pid 1234"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	rec := NewRecord("s", CategoryNote, "blocked", testProv(time.Now()))
	err := store.Append(context.Background(), rec)
	if err == nil {
		t.Fatal("Append() succeeded with compaction lock held")
	}
	if kind := errkind.KindOf(err); kind != errkind.KindTransient {
		t.Errorf("KindOf() = %v, want %v", kind, errkind.KindTransient)
	}
}

func TestAppendCancelledContextWritesNothing(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := NewRecord("s", CategoryNote, "never lands", testProv(time.Now()))
	if err := store.Append(ctx, rec); err == nil {
		t.Fatal("Append() with cancelled context succeeded")
	}
	if _, err := os.Stat(root.MemoryFile()); !os.IsNotExist(err) {
		t.Error("memory file written despite cancelled context")
	}
}

func TestAppendRejectsInvalidRecord(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)

	rec := NewRecord("s", CategoryNote, "", testProv(time.Now()))
	err := store.Append(context.Background(), rec)
	if err == nil {
		t.Fatal("Append() accepted a record with empty text")
	}
	if kind := errkind.KindOf(err); kind != errkind.KindSchemaInvalid {
		t.Errorf("KindOf() = %v, want %v", kind, errkind.KindSchemaInvalid)
	}
}

func TestAppendHookObservesRecord(t *testing.T) {
	root := newTestRoot(t)
	var hooked []string
	store := NewStore(root, WithAppendHook(func(rec Record) {
		hooked = append(hooked, rec.ID)
	}))

	rec := NewRecord("s", CategoryNote, "observed", testProv(time.Now()))
	if err := store.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if len(hooked) != 1 || hooked[0] != rec.ID {
		t.Fatalf("append hook saw %v, want [%s]", hooked, rec.ID)
	}
}

func TestCheckCountsNonMarkers(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		rec := NewRecord("s", CategoryNote, fmt.Sprintf("entry %d", i), testProv(time.Now()))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	should, count := store.Check(10)
	if !should || count != 15 {
		t.Fatalf("Check(10) = (%v, %d), want (true, 15)", should, count)
	}
	if should, _ := store.Check(100); should {
		t.Error("Check(100) = true, want false")
	}
}

func TestRecentDailyLogs(t *testing.T) {
	root := newTestRoot(t)
	store := NewStore(root)
	ctx := context.Background()

	days := []time.Time{
		time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC),
	}
	for i, day := range days {
		rec := NewRecord("s", CategoryNote, fmt.Sprintf("day %d", i), testProv(day))
		if err := store.Append(ctx, rec); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	logs := store.RecentDailyLogs(2)
	if len(logs) != 2 {
		t.Fatalf("RecentDailyLogs(2) returned %d entries, want 2", len(logs))
	}
	if !strings.Contains(logs[0], "day 1") || !strings.Contains(logs[1], "day 2") {
		t.Errorf("RecentDailyLogs(2) returned wrong days: %q", logs)
	}
}
