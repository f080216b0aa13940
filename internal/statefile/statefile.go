// Package statefile provides the durable-state primitives shared by the
// persistence spine: atomic JSON snapshots, append-only line logs, and a
// reclaimable lock file. Every snapshot write goes through write-temp plus
// rename so a crash never leaves a half-written state file.
package statefile

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

// maxLineBytes bounds a single log line when scanning. Records larger than
// this are surfaced as scan errors rather than silently splitting.
const maxLineBytes = 1 << 20 // 1MB

// WriteJSON atomically replaces path with the JSON encoding of v.
// Parent directories are created as needed.
func WriteJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteBytes(path, payload)
}

// WriteBytes atomically replaces path with payload via write-temp + rename.
func WriteBytes(path string, payload []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadJSON decodes path into v. Returns found=false (and no error) when the
// file does not exist yet.
func ReadJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

// AppendLine appends a single line (newline added) to an append-only log,
// creating the file and parents as needed. The write is flushed before
// return; callers relying on durability should treat an error as "the line
// may not be on disk".
func AppendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(line + "\n"); err != nil {
		return err
	}
	return f.Sync()
}

// ReadLines returns every line of an append-only log. A missing file yields
// an empty slice. A final line without a trailing newline is still
// returned, which lets callers tolerate a crash mid-append.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return lines, err
	}
	return lines, nil
}

// Lock is a lock file with stale reclaim. It guards slow multi-file
// operations (memory compaction) against concurrent workers, including
// workers in other processes sharing the profile root.
type Lock struct {
	path string
}

// AcquireLock creates the lock file exclusively. A lock older than
// staleAfter is treated as abandoned and reclaimed. Returns
// errkind.ErrLockHeld when another live holder owns the lock.
func AcquireLock(path string, staleAfter time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			stamp := fmt.Sprintf("pid=%d at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
			_, werr := f.WriteString(stamp)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				if werr != nil {
					return nil, werr
				}
				return nil, cerr
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		info, statErr := os.Stat(path)
		if statErr != nil {
			if os.IsNotExist(statErr) {
				continue // holder released between OpenFile and Stat
			}
			return nil, statErr
		}
		if staleAfter > 0 && time.Since(info.ModTime()) > staleAfter {
			// Abandoned lock; reclaim and retry the exclusive create.
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return nil, rmErr
			}
			continue
		}
		return nil, errkind.ErrLockHeld
	}
	return nil, errkind.ErrLockHeld
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// ExpandPath resolves a leading ~ to the user home directory.
func ExpandPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
