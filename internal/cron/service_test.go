package cron

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func statePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cron-state.json")
}

func noRun(ctx context.Context, job Job) error { return nil }

func TestNewService_MissingStateFile(t *testing.T) {
	svc, err := NewService(statePath(t), noRun)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if got := len(svc.List()); got != 0 {
		t.Errorf("expected empty job table, got %d jobs", got)
	}
}

func TestService_AddPersistsState(t *testing.T) {
	path := statePath(t)
	svc, err := NewService(path, noRun)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	job, err := svc.Add(Job{ID: "poll", Type: TypeEvery, Expression: "1s", Isolated: true})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if job.NextRunAt == 0 {
		t.Error("Add() did not compute NextRunAt")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), `"expression": "1s"`) {
		t.Errorf("state file missing expression, got:\n%s", data)
	}

	reloaded, err := NewService(path, noRun)
	if err != nil {
		t.Fatalf("NewService() reload error = %v", err)
	}
	jobs := reloaded.List()
	if len(jobs) != 1 || jobs[0].ID != "poll" || !jobs[0].Isolated {
		t.Errorf("reloaded jobs = %+v, want the poll job back", jobs)
	}
}

func TestService_AddRejectsInvalid(t *testing.T) {
	svc, err := NewService(statePath(t), noRun)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Add(Job{ID: "bad", Type: TypeEvery, Expression: "not-a-duration"}); err == nil {
		t.Error("expected error for unparsable expression")
	}
	if _, err := svc.Add(Job{ID: "bad", Type: Type("weekly"), Expression: "monday"}); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := svc.Add(Job{ID: "past", Type: TypeAt, Expression: "2020-01-01T00:00:00Z"}); err == nil {
		t.Error("expected error for elapsed one-shot")
	}
}

func TestService_AddAssignsID(t *testing.T) {
	svc, err := NewService(statePath(t), noRun)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	job, err := svc.Add(Job{Type: TypeEvery, Expression: "1m"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if job.ID == "" {
		t.Error("Add() left ID empty")
	}
}

func TestService_Remove(t *testing.T) {
	svc, err := NewService(statePath(t), noRun)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Add(Job{ID: "gone", Type: TypeEvery, Expression: "1m"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := svc.Remove("gone"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := svc.Remove("gone"); err != nil {
		t.Fatalf("Remove() of unknown id error = %v", err)
	}
	if got := len(svc.List()); got != 0 {
		t.Errorf("expected empty table after Remove, got %d", got)
	}
}

func TestService_TickRunsDueJob(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	var runs atomic.Int64
	svc, err := NewService(statePath(t), func(ctx context.Context, job Job) error {
		runs.Add(1)
		return nil
	}, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if _, err := svc.Add(Job{ID: "due", Type: TypeEvery, Expression: "1m"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if started := svc.Tick(context.Background()); started != 0 {
		t.Fatalf("Tick() before due = %d, want 0", started)
	}

	now := clock.Advance(2 * time.Minute)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("Tick() at due time = %d, want 1", started)
	}
	svc.wg.Wait()

	if got := runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	job, ok := svc.Get("due")
	if !ok {
		t.Fatal("job missing after run")
	}
	if job.NextRunAt <= now.UnixMilli() {
		t.Errorf("NextRunAt = %d, want after %d", job.NextRunAt, now.UnixMilli())
	}
	if job.LastRunAt != now.UnixMilli() {
		t.Errorf("LastRunAt = %d, want %d", job.LastRunAt, now.UnixMilli())
	}
}

func TestService_IsolatedNeverOverlaps(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	block := make(chan struct{})
	var running atomic.Int64
	var maxRunning atomic.Int64
	svc, err := NewService(statePath(t), func(ctx context.Context, job Job) error {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		<-block
		running.Add(-1)
		return nil
	}, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if _, err := svc.Add(Job{ID: "iso", Type: TypeEvery, Expression: "1s", Isolated: true}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	clock.Advance(2 * time.Second)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("first Tick() = %d, want 1", started)
	}
	// Due again while the first run is still in flight.
	clock.Advance(2 * time.Second)
	if started := svc.Tick(context.Background()); started != 0 {
		t.Fatalf("overlapping Tick() = %d, want 0", started)
	}
	close(block)
	svc.wg.Wait()

	if got := maxRunning.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}

func TestService_MaxConcurrentRunsCap(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	block := make(chan struct{})
	svc, err := NewService(statePath(t), func(ctx context.Context, job Job) error {
		<-block
		return nil
	}, WithNow(clock.Now), WithMaxConcurrentRuns(1))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	for _, id := range []string{"a", "b"} {
		if _, err := svc.Add(Job{ID: id, Type: TypeEvery, Expression: "1s"}); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	clock.Advance(2 * time.Second)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("Tick() with cap 1 = %d, want 1", started)
	}
	close(block)
	svc.wg.Wait()
}

func TestService_RetryBackoff(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, err := NewService(statePath(t), func(ctx context.Context, job Job) error {
		return errors.New("boom")
	}, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}

	if _, err := svc.Add(Job{ID: "flaky", Type: TypeEvery, Expression: "1h", BackoffMs: 1000, MaxRetries: 2}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	now := clock.Advance(time.Hour + time.Second)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("Tick() = %d, want 1", started)
	}
	svc.wg.Wait()

	job, _ := svc.Get("flaky")
	if job.Attempts != 1 {
		t.Fatalf("Attempts after first failure = %d, want 1", job.Attempts)
	}
	if want := now.Add(time.Second).UnixMilli(); job.NextRunAt != want {
		t.Errorf("NextRunAt after first failure = %d, want %d", job.NextRunAt, want)
	}
	if job.LastError == "" {
		t.Error("LastError empty after failure")
	}

	now = clock.Advance(2 * time.Second)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("retry Tick() = %d, want 1", started)
	}
	svc.wg.Wait()

	job, _ = svc.Get("flaky")
	if job.Attempts != 2 {
		t.Fatalf("Attempts after second failure = %d, want 2", job.Attempts)
	}
	if want := now.Add(2 * time.Second).UnixMilli(); job.NextRunAt != want {
		t.Errorf("NextRunAt after second failure = %d, want %d (doubled backoff)", job.NextRunAt, want)
	}

	// A third failure exhausts the retry budget and the job falls back to
	// its normal cadence.
	clock.Advance(3 * time.Second)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("final retry Tick() = %d, want 1", started)
	}
	svc.wg.Wait()

	job, ok := svc.Get("flaky")
	if !ok {
		t.Fatal("recurring job removed after retry exhaustion")
	}
	if job.Attempts != 0 {
		t.Errorf("Attempts after giving up = %d, want 0", job.Attempts)
	}
}

func TestService_OneShotRemovedAfterRun(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	at := clock.Now().Add(time.Minute)
	path := statePath(t)
	svc, err := NewService(path, noRun, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Add(Job{ID: "once", Type: TypeAt, Expression: at.Format(time.RFC3339)}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	clock.Advance(time.Minute + time.Second)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("Tick() = %d, want 1", started)
	}
	svc.wg.Wait()

	if _, ok := svc.Get("once"); ok {
		t.Error("one-shot job still present after success")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(data), `"once"`) {
		t.Errorf("state file still contains one-shot job:\n%s", data)
	}
}

func TestService_DeferredKeepsRetryBudget(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	until := clock.Now().Add(45 * time.Minute)
	svc, err := NewService(statePath(t), func(ctx context.Context, job Job) error {
		return &Deferred{Until: until, Reason: "budget exhausted"}
	}, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Add(Job{ID: "polite", Type: TypeEvery, Expression: "1m"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if started := svc.Tick(context.Background()); started != 1 {
		t.Fatalf("Tick() = %d, want 1", started)
	}
	svc.wg.Wait()

	job, _ := svc.Get("polite")
	if job.Attempts != 0 {
		t.Errorf("Attempts after deferral = %d, want 0", job.Attempts)
	}
	if job.NextRunAt != until.UnixMilli() {
		t.Errorf("NextRunAt = %d, want deferred until %d", job.NextRunAt, until.UnixMilli())
	}
}

func TestService_StartRunsJobsOnRealClock(t *testing.T) {
	var runs atomic.Int64
	svc, err := NewService(statePath(t), func(ctx context.Context, job Job) error {
		runs.Add(1)
		return nil
	}, WithTickInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if _, err := svc.Add(Job{ID: "fast", Type: TypeEvery, Expression: "30ms", Isolated: true}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("job never ran")
		case <-time.After(10 * time.Millisecond):
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		backoffMs int64
		attempt   int
		want      time.Duration
	}{
		{1000, 1, time.Second},
		{1000, 2, 2 * time.Second},
		{1000, 4, 8 * time.Second},
		{0, 1, 30 * time.Second},
		{60_000, 63, maxRetryDelay},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.backoffMs, tt.attempt); got != tt.want {
			t.Errorf("retryDelay(%d, %d) = %v, want %v", tt.backoffMs, tt.attempt, got, tt.want)
		}
	}
}
