package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/session"
	"github.com/haasonsaas/otto/internal/statefile"
)

// FileBackend persists one JSON file per sanitized session id, written
// via rewrite-then-rename. Queued items survive restarts; the id
// counter is recovered from the highest id on disk so ids stay
// monotonic across process generations.
type FileBackend struct {
	mu      sync.Mutex
	dir     string
	counter uint64
	closed  bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewFileBackend opens (or creates) the queue directory and recovers
// the id counter from existing files.
func NewFileBackend(dir string, opts ...Option) (*FileBackend, error) {
	o := applyOptions(opts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	b := &FileBackend{
		dir:    dir,
		now:    o.now,
		logger: o.logger,
	}
	b.counter = b.recoverCounter()
	return b, nil
}

func (b *FileBackend) Enqueue(ctx context.Context, sessionID string, payload json.RawMessage) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Item{}, errkind.ErrClosed
	}

	path := b.sessionPath(sessionID)
	items, err := readItems(path)
	if err != nil {
		return Item{}, fmt.Errorf("read queue file: %w", err)
	}

	b.counter++
	item := Item{
		ID:         fmt.Sprintf("q-%d-%d", b.counter, b.now().UnixMilli()),
		SessionID:  sessionID,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: b.now().UTC(),
	}
	items = append(items, item)
	if err := statefile.WriteJSON(path, items); err != nil {
		return Item{}, fmt.Errorf("write queue file: %w", err)
	}
	return item, nil
}

func (b *FileBackend) Dequeue(ctx context.Context, sessionID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.ErrClosed
	}

	items, err := readItems(b.sessionPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	head := items[0]
	return &head, nil
}

func (b *FileBackend) ListPending(ctx context.Context, sessionID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.ErrClosed
	}

	items, err := readItems(b.sessionPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	return items, nil
}

func (b *FileBackend) Remove(ctx context.Context, sessionID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errkind.ErrClosed
	}

	path := b.sessionPath(sessionID)
	items, err := readItems(path)
	if err != nil {
		return fmt.Errorf("read queue file: %w", err)
	}

	kept := items[:0]
	for _, item := range items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	if len(kept) == len(items) {
		return nil
	}
	if len(kept) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove queue file: %w", err)
		}
		return nil
	}
	if err := statefile.WriteJSON(path, kept); err != nil {
		return fmt.Errorf("write queue file: %w", err)
	}
	return nil
}

func (b *FileBackend) Sessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.ErrClosed
	}

	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("read queue dir: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		items, err := readItems(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			b.logger.Warn("skipping unreadable queue file", "file", entry.Name(), "error", err)
			continue
		}
		if len(items) > 0 {
			sessions = append(sessions, items[0].SessionID)
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errkind.ErrClosed
	}
	b.closed = true
	return nil
}

func (b *FileBackend) sessionPath(sessionID string) string {
	return filepath.Join(b.dir, session.SanitizeID(sessionID)+".json")
}

// recoverCounter scans existing queue files for the highest id counter.
func (b *FileBackend) recoverCounter() uint64 {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return 0
	}

	var max uint64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		items, err := readItems(filepath.Join(b.dir, entry.Name()))
		if err != nil {
			b.logger.Warn("skipping unreadable queue file during recovery",
				"file", entry.Name(), "error", err)
			continue
		}
		for _, item := range items {
			if c, ok := parseCounter(item.ID); ok && c > max {
				max = c
			}
		}
	}
	return max
}

// parseCounter extracts N from an id of the form q-N-<wallclockMs>.
func parseCounter(id string) (uint64, bool) {
	parts := strings.SplitN(id, "-", 3)
	if len(parts) != 3 || parts[0] != "q" {
		return 0, false
	}
	c, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return c, true
}

func readItems(path string) ([]Item, error) {
	var items []Item
	if _, err := statefile.ReadJSON(path, &items); err != nil {
		return nil, err
	}
	return items, nil
}
