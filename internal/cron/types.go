// Package cron schedules one-shot and recurring jobs against a persisted
// job table. Schedules come in three kinds: a fixed instant ("at"), a fixed
// interval ("every"), and a 5-field cron expression. Jobs survive restarts
// through cron-state.json and failed runs retry with exponential backoff.
package cron

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

// Type identifies the schedule kind of a job.
type Type string

const (
	// TypeAt runs once at a fixed instant.
	TypeAt Type = "at"
	// TypeEvery runs on a fixed interval.
	TypeEvery Type = "every"
	// TypeCron runs on a 5-field cron expression.
	TypeCron Type = "cron"
)

// Job is a persisted schedule entry. NextRunAt is epoch milliseconds so the
// state file stays comparable across hosts regardless of local zone.
type Job struct {
	ID         string `json:"id"`
	Type       Type   `json:"type"`
	Expression string `json:"expression"`

	// Isolated jobs never overlap themselves: a due isolated job with a
	// run still in flight is skipped, not queued behind it.
	Isolated bool `json:"isolated,omitempty"`

	// MaxRetries bounds consecutive failed runs before the job falls back
	// to its normal cadence. Zero means the service default.
	MaxRetries int `json:"maxRetries,omitempty"`

	// BackoffMs is the base retry delay, doubled per consecutive failure.
	// Zero means the service default.
	BackoffMs int64 `json:"backoffMs,omitempty"`

	// NextRunAt is the next due instant in epoch milliseconds.
	NextRunAt int64 `json:"nextRunAt"`

	// Attempts counts consecutive failures since the last success.
	Attempts int `json:"attempts,omitempty"`

	// LastRunAt and LastError describe the most recently completed run.
	LastRunAt int64  `json:"lastRunAt,omitempty"`
	LastError string `json:"lastError,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks the fields that do not require parsing the expression.
func (j Job) Validate() error {
	if strings.TrimSpace(j.ID) == "" {
		return errkind.Newf(errkind.KindSchemaInvalid, "cron.validate", "job id is empty")
	}
	switch j.Type {
	case TypeAt, TypeEvery, TypeCron:
	default:
		return errkind.Newf(errkind.KindSchemaInvalid, "cron.validate", "unknown job type %q", j.Type)
	}
	if strings.TrimSpace(j.Expression) == "" {
		return errkind.Newf(errkind.KindSchemaInvalid, "cron.validate", "job expression is empty")
	}
	if j.MaxRetries < 0 {
		return errkind.Newf(errkind.KindSchemaInvalid, "cron.validate", "maxRetries must be >= 0")
	}
	if j.BackoffMs < 0 {
		return errkind.Newf(errkind.KindSchemaInvalid, "cron.validate", "backoffMs must be >= 0")
	}
	return nil
}

// Due reports whether the job should run at now.
func (j Job) Due(now time.Time) bool {
	return j.NextRunAt > 0 && j.NextRunAt <= now.UnixMilli()
}

// RunFunc executes a due job. The service calls it from a worker goroutine
// with the context passed to Start or Tick.
type RunFunc func(ctx context.Context, job Job) error
