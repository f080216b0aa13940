// Package budget enforces per-channel autonomy send caps. Each channel
// carries two sliding windows (hourly and daily) of send timestamps;
// a send is allowed only when both windows have room and quiet hours
// are not active.
package budget

import (
	"log/slog"
	"sync"
	"time"
)

const (
	hourlyWindow = time.Hour
	dailyWindow  = 24 * time.Hour
)

// Denial reasons carried on Decision and on lifecycle/metric labels.
const (
	ReasonHourlyLimit = "hourly_limit"
	ReasonDailyLimit  = "daily_limit"
	ReasonQuietHours  = "quiet_hours"
)

// Limits configures a Budget.
type Limits struct {
	// HourlyLimit caps sends per channel per rolling hour. Zero or
	// negative disables the hourly cap. Default: 6
	HourlyLimit int `yaml:"hourly_limit" json:"hourlyLimit"`

	// DailyLimit caps sends per channel per rolling day. Zero or
	// negative disables the daily cap. Default: 20
	DailyLimit int `yaml:"daily_limit" json:"dailyLimit"`

	// Quiet suppresses all sends inside the configured window.
	Quiet *QuietHours `yaml:"quiet_hours,omitempty" json:"quietHours,omitempty"`
}

// Decision is the outcome of one TryConsume call.
type Decision struct {
	Allowed bool `json:"allowed"`

	// Reason is set on denial: hourly_limit, daily_limit or quiet_hours.
	Reason string `json:"reason,omitempty"`

	// RetryAfter is how long until the denying window frees a slot
	// (or quiet hours end). Zero when allowed.
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// ChannelState is the persisted window contents for one channel.
// Timestamps are epoch milliseconds, oldest first.
type ChannelState struct {
	Hourly []int64 `json:"hourly"`
	Daily  []int64 `json:"daily"`
}

// Snapshot is the whole budget state keyed by channel id, as embedded
// in autonomy-state.json.
type Snapshot map[string]ChannelState

// Budget tracks send windows per channel. The zero value is not usable;
// construct with New.
type Budget struct {
	mu       sync.Mutex
	limits   Limits
	channels map[string]*ChannelState
	onChange func(Snapshot)
	logger   *slog.Logger
}

// Option configures a Budget.
type Option func(*Budget)

// WithOnChange registers a callback fired after every state mutation
// with a copy of the new state. The autonomy orchestrator uses it to
// flush autonomy-state.json.
func WithOnChange(fn func(Snapshot)) Option {
	return func(b *Budget) { b.onChange = fn }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Budget) { b.logger = logger }
}

// New returns a Budget with the given limits.
func New(limits Limits, opts ...Option) *Budget {
	b := &Budget{
		limits:   limits,
		channels: make(map[string]*ChannelState),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "budget")
	}
	return b
}

// TryConsume records a send for the channel if both windows have room
// and quiet hours are inactive. The state change callback fires after
// any mutation, including evictions on a denied call.
func (b *Budget) TryConsume(channelID string, now time.Time) Decision {
	var snap Snapshot

	b.mu.Lock()
	decision, changed := b.tryConsumeLocked(channelID, now)
	if changed && b.onChange != nil {
		snap = b.snapshotLocked()
	}
	b.mu.Unlock()

	if snap != nil {
		b.onChange(snap)
	}
	if !decision.Allowed {
		b.logger.Debug("budget denied",
			"channel", channelID,
			"reason", decision.Reason,
			"retry_after", decision.RetryAfter,
		)
	}
	return decision
}

func (b *Budget) tryConsumeLocked(channelID string, now time.Time) (Decision, bool) {
	if b.limits.Quiet != nil && b.limits.Quiet.Contains(now) {
		return Decision{
			Reason:     ReasonQuietHours,
			RetryAfter: b.limits.Quiet.UntilEnd(now),
		}, false
	}

	state, ok := b.channels[channelID]
	if !ok {
		state = &ChannelState{}
		b.channels[channelID] = state
	}

	nowMs := now.UnixMilli()
	changed := false
	if evictWindow(&state.Hourly, nowMs, hourlyWindow.Milliseconds()) {
		changed = true
	}
	if evictWindow(&state.Daily, nowMs, dailyWindow.Milliseconds()) {
		changed = true
	}

	if b.limits.HourlyLimit > 0 && len(state.Hourly) >= b.limits.HourlyLimit {
		return Decision{
			Reason:     ReasonHourlyLimit,
			RetryAfter: retryAfter(state.Hourly[0], nowMs, hourlyWindow.Milliseconds()),
		}, changed
	}
	if b.limits.DailyLimit > 0 && len(state.Daily) >= b.limits.DailyLimit {
		return Decision{
			Reason:     ReasonDailyLimit,
			RetryAfter: retryAfter(state.Daily[0], nowMs, dailyWindow.Milliseconds()),
		}, changed
	}

	state.Hourly = append(state.Hourly, nowMs)
	state.Daily = append(state.Daily, nowMs)
	return Decision{Allowed: true}, true
}

// Remaining reports how many sends the channel has left in each window
// without consuming one. Disabled caps report -1.
func (b *Budget) Remaining(channelID string, now time.Time) (hourly, daily int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hourly, daily = -1, -1
	state, ok := b.channels[channelID]
	nowMs := now.UnixMilli()

	if b.limits.HourlyLimit > 0 {
		used := 0
		if ok {
			used = countLive(state.Hourly, nowMs, hourlyWindow.Milliseconds())
		}
		hourly = b.limits.HourlyLimit - used
		if hourly < 0 {
			hourly = 0
		}
	}
	if b.limits.DailyLimit > 0 {
		used := 0
		if ok {
			used = countLive(state.Daily, nowMs, dailyWindow.Milliseconds())
		}
		daily = b.limits.DailyLimit - used
		if daily < 0 {
			daily = 0
		}
	}
	return hourly, daily
}

// Snapshot returns a deep copy of the current state.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// Restore replaces the state, typically from autonomy-state.json at
// startup. It does not fire the change callback.
func (b *Budget) Restore(snap Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.channels = make(map[string]*ChannelState, len(snap))
	for channel, state := range snap {
		restored := ChannelState{
			Hourly: append([]int64(nil), state.Hourly...),
			Daily:  append([]int64(nil), state.Daily...),
		}
		b.channels[channel] = &restored
	}
}

func (b *Budget) snapshotLocked() Snapshot {
	snap := make(Snapshot, len(b.channels))
	for channel, state := range b.channels {
		snap[channel] = ChannelState{
			Hourly: append([]int64(nil), state.Hourly...),
			Daily:  append([]int64(nil), state.Daily...),
		}
	}
	return snap
}

// evictWindow drops timestamps that have aged out of the window and
// reports whether anything was removed. Entries are oldest first.
func evictWindow(window *[]int64, nowMs, windowMs int64) bool {
	cutoff := nowMs - windowMs
	ts := *window
	i := 0
	for i < len(ts) && ts[i] <= cutoff {
		i++
	}
	if i == 0 {
		return false
	}
	*window = append(ts[:0], ts[i:]...)
	return true
}

func countLive(window []int64, nowMs, windowMs int64) int {
	cutoff := nowMs - windowMs
	live := 0
	for _, ts := range window {
		if ts > cutoff {
			live++
		}
	}
	return live
}

func retryAfter(oldestMs, nowMs, windowMs int64) time.Duration {
	wait := oldestMs + windowMs - nowMs
	if wait < 0 {
		wait = 0
	}
	return time.Duration(wait) * time.Millisecond
}
