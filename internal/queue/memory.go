package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

// MemoryBackend keeps queues in process memory. Contents are lost on
// restart; it exists for tests and for deployments that accept losing
// queued turns on exit.
type MemoryBackend struct {
	mu      sync.Mutex
	items   map[string][]Item
	counter uint64
	closed  bool
	now     func() time.Time
}

// NewMemoryBackend returns an empty in-memory queue.
func NewMemoryBackend(opts ...Option) *MemoryBackend {
	o := applyOptions(opts)
	return &MemoryBackend{
		items: make(map[string][]Item),
		now:   o.now,
	}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, sessionID string, payload json.RawMessage) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Item{}, errkind.ErrClosed
	}

	b.counter++
	item := Item{
		ID:         fmt.Sprintf("q-%d-%d", b.counter, b.now().UnixMilli()),
		SessionID:  sessionID,
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: b.now().UTC(),
	}
	b.items[sessionID] = append(b.items[sessionID], item)
	return item, nil
}

func (b *MemoryBackend) Dequeue(ctx context.Context, sessionID string) (*Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.ErrClosed
	}

	queued := b.items[sessionID]
	if len(queued) == 0 {
		return nil, nil
	}
	head := queued[0]
	return &head, nil
}

func (b *MemoryBackend) ListPending(ctx context.Context, sessionID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.ErrClosed
	}
	return append([]Item(nil), b.items[sessionID]...), nil
}

func (b *MemoryBackend) Remove(ctx context.Context, sessionID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errkind.ErrClosed
	}

	queued := b.items[sessionID]
	for i, item := range queued {
		if item.ID == id {
			b.items[sessionID] = append(queued[:i:i], queued[i+1:]...)
			break
		}
	}
	if len(b.items[sessionID]) == 0 {
		delete(b.items, sessionID)
	}
	return nil
}

func (b *MemoryBackend) Sessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errkind.ErrClosed
	}

	sessions := make([]string, 0, len(b.items))
	for id := range b.items {
		sessions = append(sessions, id)
	}
	sort.Strings(sessions)
	return sessions, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errkind.ErrClosed
	}
	b.closed = true
	b.items = nil
	return nil
}
