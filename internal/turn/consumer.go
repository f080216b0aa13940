package turn

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/queue"
	"github.com/haasonsaas/otto/internal/session"
)

// defaultPollInterval is how often the consumer sweeps the queue.
const defaultPollInterval = 250 * time.Millisecond

// QueuedTurn is the payload schema for turn requests on the durable
// queue.
type QueuedTurn struct {
	Session  session.Context `json:"session"`
	Messages []model.Message `json:"messages"`
	RunID    string          `json:"runId,omitempty"`
}

// EnqueueTurn places a turn request on the durable queue.
func EnqueueTurn(ctx context.Context, backend queue.Backend, qt QueuedTurn) (queue.Item, error) {
	payload, err := json.Marshal(qt)
	if err != nil {
		return queue.Item{}, err
	}
	return backend.Enqueue(ctx, qt.Session.SessionID, payload)
}

// Consumer drains the durable queue into the turn runtime. An item is
// removed only after its turn finishes, so a crash mid-turn re-delivers
// the item on restart. Unparseable payloads are removed as poison.
type Consumer struct {
	backend  queue.Backend
	runtime  *Runtime
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerInterval sets the queue sweep interval. Default: 250ms
func WithConsumerInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithConsumerLogger sets the logger. Defaults to slog.Default.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.logger = logger }
}

// NewConsumer wires a consumer over a queue backend and a runtime.
func NewConsumer(backend queue.Backend, runtime *Runtime, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		backend:  backend,
		runtime:  runtime,
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "turn.consumer")
	}
	return c
}

// Start launches the sweep loop. Safe to call once; further calls are
// ignored until Stop.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	go c.loop(ctx, c.stopCh, c.doneCh)
	c.logger.Info("queue consumer started", "interval", c.interval)
}

// Stop halts the loop and waits for the in-flight sweep, bounded by ctx.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	stopCh, doneCh := c.stopCh, c.doneCh
	c.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Drain(ctx)
		}
	}
}

// Drain runs one sweep: for each session with pending items, run the
// head item's turn and acknowledge it. Returns the number of turns run.
func (c *Consumer) Drain(ctx context.Context) int {
	sessions, err := c.backend.Sessions(ctx)
	if err != nil {
		c.logger.Warn("queue session listing failed", "error", err)
		return 0
	}

	processed := 0
	for _, sessionID := range sessions {
		if ctx.Err() != nil {
			return processed
		}
		if c.processHead(ctx, sessionID) {
			processed++
		}
	}
	return processed
}

// processHead runs the session's head item. The item stays queued when
// the turn was cancelled by shutdown so it re-delivers on restart.
func (c *Consumer) processHead(ctx context.Context, sessionID string) bool {
	item, err := c.backend.Dequeue(ctx, sessionID)
	if err != nil {
		c.logger.Warn("queue dequeue failed", "sessionId", sessionID, "error", err)
		return false
	}
	if item == nil {
		return false
	}

	var qt QueuedTurn
	if err := json.Unmarshal(item.Payload, &qt); err != nil {
		c.logger.Warn("poison queue item removed", "sessionId", sessionID, "itemId", item.ID, "error", err)
		c.remove(ctx, sessionID, item.ID)
		return false
	}
	if qt.Session.SessionID == "" {
		qt.Session.SessionID = sessionID
	}

	_, err = c.runtime.RunTurn(ctx, Request{
		Session:  qt.Session,
		Messages: qt.Messages,
		RunID:    qt.RunID,
		Source:   "queue",
	})
	if err != nil && isCancelled(err) {
		return false
	}
	// Failed turns are final too: the failure went out via lifecycle, so
	// retrying the same item would loop on deterministic errors.
	c.remove(ctx, sessionID, item.ID)
	return err == nil
}

func (c *Consumer) remove(ctx context.Context, sessionID, id string) {
	if err := c.backend.Remove(ctx, sessionID, id); err != nil {
		c.logger.Warn("queue ack failed", "sessionId", sessionID, "itemId", id, "error", err)
	}
}
