// Package lifecycle is the single-process pub/sub surface for turn
// progress events. Subscribers get a bounded buffer drained at their
// own pace; on overflow the oldest event is dropped and counted, so a
// slow UI can never stall the turn runtime. Nothing here is persisted.
package lifecycle

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

// EventType enumerates the turn progress states.
type EventType string

const (
	EventConnecting EventType = "connecting"
	EventQueued     EventType = "queued"
	EventStarted    EventType = "started"
	EventTool       EventType = "tool"
	EventAssistant  EventType = "assistant"
	EventCompaction EventType = "compaction"
	EventCompleted  EventType = "completed"
	EventFailed     EventType = "failed"
)

// Event is one progress notification. Payload is small structured
// detail (tool name, reason code, token counts); never secrets.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	RunID     string         `json:"runId,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// MarshalPayload renders the payload for transport surfaces.
func (e Event) MarshalPayload() (json.RawMessage, error) {
	if e.Payload == nil {
		return nil, nil
	}
	return json.Marshal(e.Payload)
}

// DefaultBufferSize is the per-subscriber queue capacity.
const DefaultBufferSize = 64

// Stream fans events out to subscribers.
type Stream struct {
	mu      sync.Mutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	bufSize int
	dropped atomic.Uint64
	onDrop  func()
	now     func() time.Time
	logger  *slog.Logger
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithBufferSize sets the per-subscriber queue capacity. Default: 64
func WithBufferSize(n int) StreamOption {
	return func(s *Stream) { s.bufSize = n }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) StreamOption {
	return func(s *Stream) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) StreamOption {
	return func(s *Stream) { s.logger = logger }
}

// WithDropHook registers a callback invoked once per dropped event,
// in addition to the internal counter.
func WithDropHook(fn func()) StreamOption {
	return func(s *Stream) { s.onDrop = fn }
}

// NewStream returns an empty stream.
func NewStream(opts ...StreamOption) *Stream {
	s := &Stream{
		subs:    make(map[uint64]*Subscription),
		bufSize: DefaultBufferSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bufSize <= 0 {
		s.bufSize = DefaultBufferSize
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "lifecycle")
	}
	return s
}

// Subscription is one subscriber's view of the stream. Events() yields
// events in publish order until Close (or Stream.Close) ends it.
type Subscription struct {
	stream *Stream
	id     uint64
	filter string
	ch     chan Event
	once   sync.Once
}

// Events returns the subscriber's channel.
func (sub *Subscription) Events() <-chan Event { return sub.ch }

// Close unregisters the subscriber and closes its channel. Safe to
// call more than once.
func (sub *Subscription) Close() {
	sub.stream.mu.Lock()
	delete(sub.stream.subs, sub.id)
	sub.stream.mu.Unlock()
	sub.once.Do(func() { close(sub.ch) })
}

// Subscribe registers a subscriber. A non-empty sessionID restricts
// delivery to events for that session. The first event on the channel
// is always a synthetic connecting event, queued before Subscribe
// returns, so consumers can distinguish "connected, quiet" from
// "disconnected".
func (s *Stream) Subscribe(sessionID string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errkind.ErrClosed
	}

	s.nextID++
	sub := &Subscription{
		stream: s,
		id:     s.nextID,
		filter: sessionID,
		ch:     make(chan Event, s.bufSize),
	}
	s.subs[sub.id] = sub

	sub.ch <- Event{
		Type:      EventConnecting,
		SessionID: sessionID,
		At:        s.now().UTC(),
	}
	return sub, nil
}

// Push fans the event out to matching subscribers. It never blocks:
// a full subscriber buffer sheds its oldest event first. A zero At is
// stamped with the current time.
func (s *Stream) Push(e Event) {
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for _, sub := range s.subs {
		if sub.filter != "" && e.SessionID != sub.filter {
			continue
		}
		select {
		case sub.ch <- e:
			continue
		default:
		}
		// Buffer full: shed the oldest queued event, then retry once.
		select {
		case <-sub.ch:
			s.recordDropLocked()
		default:
		}
		select {
		case sub.ch <- e:
		default:
			s.recordDropLocked()
		}
	}
}

// Dropped returns the total events shed across all subscribers.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// SubscriberCount returns the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close ends every subscription and rejects future subscribers.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errkind.ErrClosed
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		sub.once.Do(func() { close(sub.ch) })
	}
	return nil
}

func (s *Stream) recordDropLocked() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}
