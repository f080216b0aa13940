// Package heartbeat fires periodic self-prompt turns on a synthetic
// channel. The interval adapts: it tightens while events are waiting and
// relaxes while consecutive beats find nothing to do, always staying
// inside a configured floor and ceiling.
package heartbeat

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/budget"
)

// Outcome classifies one heartbeat run.
type Outcome string

const (
	// OutcomeOK means the agent had nothing to surface.
	OutcomeOK Outcome = "HEARTBEAT_OK"
	// OutcomeSent means the agent produced an outbound message.
	OutcomeSent Outcome = "SENT"
	// OutcomeDeferred means the send was blocked by budget or quiet hours.
	OutcomeDeferred Outcome = "DEFERRED"
	// OutcomeSkipped means the beat fell outside the active-hours window.
	OutcomeSkipped Outcome = "SKIPPED"
)

// TurnFunc runs one heartbeat turn on the given channel. The callee owns
// the budget check for any outbound delivery and reports the outcome.
type TurnFunc func(ctx context.Context, channelID string) (Outcome, error)

// UnreadFunc reports how many events are waiting for the agent. A positive
// count shortens the next interval.
type UnreadFunc func() int

// idleGrowthCap bounds the idle backoff exponent; the ceiling clamp does
// the rest.
const idleGrowthCap = 8

// Config tunes the adaptive schedule.
type Config struct {
	// Every is the base interval. Default: 30m
	Every time.Duration
	// Min is the interval floor. Default: 5m
	Min time.Duration
	// Max is the interval ceiling. Default: 2h
	Max time.Duration
	// Channel is the synthetic channel id for heartbeat turns.
	// Default: "heartbeat"
	Channel string
	// Active restricts beats to a daily window when set. Beats outside
	// the window are skipped, not deferred.
	Active *budget.QuietHours
}

func (c Config) withDefaults() Config {
	if c.Every <= 0 {
		c.Every = 30 * time.Minute
	}
	if c.Min <= 0 {
		c.Min = 5 * time.Minute
	}
	if c.Max <= 0 {
		c.Max = 2 * time.Hour
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Channel == "" {
		c.Channel = "heartbeat"
	}
	return c
}

// Runner owns the heartbeat loop for one profile.
type Runner struct {
	cfg    Config
	turn   TurnFunc
	unread UnreadFunc
	logger *slog.Logger
	now    func() time.Time

	onResult func(Outcome, error)

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	idleRun  int
	lastBeat time.Time
	lastOut  Outcome
	lastErr  error
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithUnread sets the pending-event probe. Default: always zero.
func WithUnread(unread UnreadFunc) Option {
	return func(r *Runner) {
		if unread != nil {
			r.unread = unread
		}
	}
}

// WithOnResult registers a callback invoked after every beat.
func WithOnResult(fn func(Outcome, error)) Option {
	return func(r *Runner) { r.onResult = fn }
}

// NewRunner builds a runner. turn is required.
func NewRunner(cfg Config, turn TurnFunc, opts ...Option) *Runner {
	r := &Runner{
		cfg:    cfg.withDefaults(),
		turn:   turn,
		unread: func() int { return 0 },
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "heartbeat")
	}
	return r
}

// Start launches the loop. Starting a running runner is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		close(r.doneCh)
		r.mu.Unlock()
	}()

	for {
		timer := time.NewTimer(r.NextInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-r.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			r.Beat(ctx)
		}
	}
}

// Stop halts the loop and waits for it to exit.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	doneCh := r.doneCh
	r.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Beat performs one heartbeat cycle immediately.
func (r *Runner) Beat(ctx context.Context) Outcome {
	now := r.now()
	if r.cfg.Active != nil && !r.cfg.Active.Contains(now) {
		r.record(now, OutcomeSkipped, nil)
		return OutcomeSkipped
	}

	outcome, err := r.turn(ctx, r.cfg.Channel)
	if err != nil {
		r.logger.Warn("heartbeat turn failed", "channel", r.cfg.Channel, "error", err)
	}
	r.record(now, outcome, err)
	return outcome
}

func (r *Runner) record(now time.Time, outcome Outcome, err error) {
	r.mu.Lock()
	r.lastBeat = now
	r.lastOut = outcome
	r.lastErr = err
	switch outcome {
	case OutcomeSent:
		r.idleRun = 0
	case OutcomeOK:
		if err == nil {
			r.idleRun++
		}
	}
	r.mu.Unlock()

	if r.onResult != nil {
		r.onResult(outcome, err)
	}
}

// NextInterval returns the delay before the next beat: half the base while
// events are waiting, stretched by 1.5 per consecutive quiet beat, clamped
// to [Min, Max].
func (r *Runner) NextInterval() time.Duration {
	unread := r.unread()

	r.mu.Lock()
	idle := r.idleRun
	r.mu.Unlock()

	interval := r.cfg.Every
	if unread > 0 {
		interval = r.cfg.Every / 2
	} else if idle > 0 {
		if idle > idleGrowthCap {
			idle = idleGrowthCap
		}
		interval = time.Duration(float64(r.cfg.Every) * math.Pow(1.5, float64(idle)))
	}

	if interval < r.cfg.Min {
		interval = r.cfg.Min
	}
	if interval > r.cfg.Max {
		interval = r.cfg.Max
	}
	return interval
}

// Status describes the runner for state reporting.
type Status struct {
	Running      bool      `json:"running"`
	Channel      string    `json:"channel"`
	LastBeat     time.Time `json:"lastBeat"`
	LastOutcome  Outcome   `json:"lastOutcome,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
	IdleStreak   int       `json:"idleStreak"`
	NextInterval string    `json:"nextInterval"`
}

// Status returns a snapshot for state reporting.
func (r *Runner) Status() Status {
	next := r.NextInterval()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Running:      r.running,
		Channel:      r.cfg.Channel,
		LastBeat:     r.lastBeat,
		LastOutcome:  r.lastOut,
		IdleStreak:   r.idleRun,
		NextInterval: next.String(),
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}
