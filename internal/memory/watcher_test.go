package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherFiresAfterWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MEMORY.md")
	if err := os.WriteFile(path, []byte(Header), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	fired := make(chan struct{}, 1)
	w := NewWatcher(path, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}, WithWatchDebounce(20*time.Millisecond))

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte(Header+"{}\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not fire after write")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MEMORY.md")
	if err := os.WriteFile(path, []byte(Header), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	fired := make(chan struct{}, 4)
	w := NewWatcher(path, func() { fired <- struct{}{} }, WithWatchDebounce(10*time.Millisecond))
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(filepath.Join(dir, "other.md"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case <-fired:
		t.Fatal("watcher fired for an unrelated file")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := NewWatcher(filepath.Join(dir, "MEMORY.md"), func() {})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
