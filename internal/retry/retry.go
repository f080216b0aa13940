// Package retry provides bounded retry with exponential backoff for
// transient failures in the persistence spine and the model adapter path.
// Delays double per attempt with jitter; errors classified non-retryable
// abort immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

// Config bounds one retry loop.
type Config struct {
	// MaxAttempts caps total attempts, including the first.
	MaxAttempts int
	// InitialDelay is the sleep after the first failure; it doubles per
	// attempt.
	InitialDelay time.Duration
	// MaxDelay clamps the doubled delay.
	MaxDelay time.Duration
}

// DefaultConfig is the retry policy for durable writes and adapter calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Result reports how a retry loop ended.
type Result struct {
	// Attempts is how many times op ran.
	Attempts int
	// Err is the last error, nil on success.
	Err error
	// Duration is the total wall time spent, sleeps included.
	Duration time.Duration
}

// Do runs op until it succeeds, the attempt budget is spent, or ctx is
// done. Errors wrapped with Permanent abort immediately.
func Do(ctx context.Context, cfg Config, op func() error) Result {
	cfg = cfg.withDefaults()
	start := time.Now()
	var res Result

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		res.Attempts = attempt

		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}

		res.Err = op()
		if res.Err == nil || IsPermanent(res.Err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			res.Duration = time.Since(start)
			return res
		case <-time.After(sleepFor(attempt, cfg)):
		}
	}

	res.Duration = time.Since(start)
	return res
}

// Transient runs op with retries, aborting on any error whose classified
// kind is not retryable. This is the entry point for filesystem and
// adapter I/O: schema and policy failures never burn retry budget.
func Transient(ctx context.Context, cfg Config, op func() error) Result {
	return Do(ctx, cfg, func() error {
		err := op()
		if err == nil || errkind.IsRetryable(err) {
			return err
		}
		return Permanent(err)
	})
}

// sleepFor is the delay after the given (1-based) failed attempt:
// InitialDelay doubled per attempt, clamped to MaxDelay, then jittered
// into [0.5, 1.5) of the base so synchronized workers fan out.
func sleepFor(attempt int, cfg Config) time.Duration {
	delay := cfg.InitialDelay << (attempt - 1)
	if delay > cfg.MaxDelay || delay <= 0 {
		delay = cfg.MaxDelay
	}
	jitter := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(float64(delay) * jitter)
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error so Do stops retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
