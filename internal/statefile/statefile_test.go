package statefile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

func TestWriteReadJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := WriteJSON(path, doc{Name: "a", Count: 3}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got doc
	found, err := ReadJSON(path, &got)
	if err != nil || !found {
		t.Fatalf("ReadJSON() = (%v, %v), want found", found, err)
	}
	if got.Name != "a" || got.Count != 3 {
		t.Fatalf("ReadJSON() decoded %+v", got)
	}
}

func TestReadJSON_MissingFileIsNotAnError(t *testing.T) {
	var v struct{}
	found, err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &v)
	if err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if found {
		t.Fatal("ReadJSON() found = true for a missing file")
	}
}

func TestWriteJSON_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file survived the rename: %v", err)
	}
}

func TestAppendLineAndReadLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "events.md")
	for _, line := range []string{"one", "two", "three"} {
		if err := AppendLine(path, line); err != nil {
			t.Fatalf("AppendLine(%q) error = %v", line, err)
		}
	}

	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	if len(lines) != 3 || lines[0] != "one" || lines[2] != "three" {
		t.Fatalf("ReadLines() = %v", lines)
	}
}

func TestReadLines_ToleratesTruncatedLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.md")
	if err := os.WriteFile(path, []byte("full\npartial"), 0o644); err != nil {
		t.Fatal(err)
	}
	lines, err := ReadLines(path)
	if err != nil {
		t.Fatalf("ReadLines() error = %v", err)
	}
	if len(lines) != 2 || lines[1] != "partial" {
		t.Fatalf("ReadLines() = %v, want the unterminated tail kept", lines)
	}
}

func TestAcquireLock_SecondHolderDenied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.lock")
	lock, err := AcquireLock(path, time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}

	if _, err := AcquireLock(path, time.Hour); !errors.Is(err, errkind.ErrLockHeld) {
		t.Fatalf("second AcquireLock() error = %v, want ErrLockHeld", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	relock, err := AcquireLock(path, time.Hour)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	_ = relock.Release()
}

func TestAcquireLock_ReclaimsStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "op.lock")
	if err := os.WriteFile(path, []byte("pid=1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(path, time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock() over a stale lock error = %v", err)
	}
	_ = lock.Release()
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}

	if got := ExpandPath("~/x"); got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath(~/x) = %q", got)
	}
	if got := ExpandPath("~"); got != home {
		t.Errorf("ExpandPath(~) = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath(/abs/path) = %q", got)
	}
	if got := ExpandPath("  "); got != "" {
		t.Errorf("ExpandPath(blank) = %q", got)
	}
}
