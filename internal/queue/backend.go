// Package queue provides the durable per-session FIFO feeding the turn
// runtime. Delivery is at-least-once: Dequeue peeks at the head and the
// item stays queued until the consumer calls Remove, so a crash between
// the two re-delivers. Consumers are responsible for idempotency.
package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Item is one queued unit of work.
type Item struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Backend is the storage contract shared by the in-memory and file
// implementations. Ordering is FIFO within a session; cross-session
// ordering is undefined.
type Backend interface {
	// Enqueue appends payload to the session's queue and returns the
	// stored item. Ids are monotonically increasing per backend.
	Enqueue(ctx context.Context, sessionID string, payload json.RawMessage) (Item, error)

	// Dequeue returns the head of the session's queue without removing
	// it, or nil when the queue is empty.
	Dequeue(ctx context.Context, sessionID string) (*Item, error)

	// ListPending returns the session's queued items in order.
	ListPending(ctx context.Context, sessionID string) ([]Item, error)

	// Remove acknowledges an item by id. Removing an id that is no
	// longer queued is not an error.
	Remove(ctx context.Context, sessionID, id string) error

	// Sessions returns the session ids that currently have pending items.
	Sessions(ctx context.Context) ([]string, error)

	// Close releases resources. Further calls return errkind.ErrClosed.
	Close() error
}

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a backend.
type Option func(*options)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "queue")
	}
	return o
}
