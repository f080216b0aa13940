package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/otto/internal/statefile"
)

const (
	defaultTickInterval  = time.Second
	defaultMaxConcurrent = 4
	defaultMaxRetries    = 3
	defaultBackoffMs     = int64(30_000)
	maxRetryDelay        = time.Hour
)

// Deferred signals that a run could not proceed yet (budget exhausted,
// quiet hours) and should fire again at Until without consuming a retry.
type Deferred struct {
	Until  time.Time
	Reason string
}

func (d *Deferred) Error() string {
	if d.Reason == "" {
		return "run deferred"
	}
	return "run deferred: " + d.Reason
}

// Service owns the persisted job table and the tick loop that fires due
// jobs. Every mutation is flushed to the state file before it takes effect.
type Service struct {
	path         string
	onRun        RunFunc
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	retryMax  int
	backoffMs int64

	mu        sync.Mutex
	jobs      map[string]*Job
	schedules map[string]Schedule
	inflight  map[string]int
	started   bool
	cancel    context.CancelFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval sets the tick cadence. Default: 1s
func WithTickInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// WithMaxConcurrentRuns caps jobs running in parallel. Default: 4
func WithMaxConcurrentRuns(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithRetryDefaults sets the retry budget applied to jobs that do not
// carry their own. Defaults: 3 retries, 30s base backoff.
func WithRetryDefaults(maxRetries int, backoffMs int64) Option {
	return func(s *Service) {
		if maxRetries >= 0 {
			s.retryMax = maxRetries
		}
		if backoffMs > 0 {
			s.backoffMs = backoffMs
		}
	}
}

// NewService loads cron-state.json from path (missing file is an empty
// table) and prepares the tick loop. onRun executes due jobs.
func NewService(path string, onRun RunFunc, opts ...Option) (*Service, error) {
	if onRun == nil {
		return nil, fmt.Errorf("cron: onRun is required")
	}
	s := &Service{
		path:         path,
		onRun:        onRun,
		now:          time.Now,
		tickInterval: defaultTickInterval,
		retryMax:     defaultMaxRetries,
		backoffMs:    defaultBackoffMs,
		jobs:         make(map[string]*Job),
		schedules:    make(map[string]Schedule),
		inflight:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "cron")
	}
	if s.sem == nil {
		s.sem = make(chan struct{}, defaultMaxConcurrent)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

type persistedState struct {
	Jobs []Job `json:"jobs"`
}

func (s *Service) load() error {
	var state persistedState
	found, err := statefile.ReadJSON(s.path, &state)
	if err != nil {
		return fmt.Errorf("cron: load state: %w", err)
	}
	if !found {
		return nil
	}
	now := s.now()
	for i := range state.Jobs {
		job := state.Jobs[i]
		schedule, err := ParseSchedule(job.Type, job.Expression)
		if err != nil {
			s.logger.Warn("cron job skipped", "id", job.ID, "error", err)
			continue
		}
		if job.NextRunAt == 0 {
			next, ok, err := schedule.Next(now)
			if err != nil || !ok {
				s.logger.Warn("cron job elapsed", "id", job.ID)
				continue
			}
			job.NextRunAt = next.UnixMilli()
		}
		s.jobs[job.ID] = &job
		s.schedules[job.ID] = schedule
	}
	return nil
}

// Add validates, schedules, and persists a job. An empty ID is assigned one.
// The in-memory table is only updated after the state file write succeeds.
func (s *Service) Add(job Job) (Job, error) {
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if err := job.Validate(); err != nil {
		return Job{}, err
	}
	schedule, err := ParseSchedule(job.Type, job.Expression)
	if err != nil {
		return Job{}, err
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}
	if job.NextRunAt == 0 {
		next, ok, err := schedule.Next(now)
		if err != nil {
			return Job{}, err
		}
		if !ok {
			return Job{}, fmt.Errorf("cron: schedule for %q has already elapsed", job.ID)
		}
		job.NextRunAt = next.UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prevJob, hadJob := s.jobs[job.ID]
	prevSchedule := s.schedules[job.ID]
	s.jobs[job.ID] = &job
	s.schedules[job.ID] = schedule
	if err := s.persistLocked(); err != nil {
		if hadJob {
			s.jobs[job.ID] = prevJob
			s.schedules[job.ID] = prevSchedule
		} else {
			delete(s.jobs, job.ID)
			delete(s.schedules, job.ID)
		}
		return Job{}, err
	}
	return job, nil
}

// Remove deletes a job. Removing an unknown id is a no-op.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	schedule := s.schedules[id]
	delete(s.jobs, id)
	delete(s.schedules, id)
	if err := s.persistLocked(); err != nil {
		s.jobs[id] = job
		s.schedules[id] = schedule
		return err
	}
	return nil
}

// List returns a snapshot of all jobs ordered by next due time.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NextRunAt != out[j].NextRunAt {
			return out[i].NextRunAt < out[j].NextRunAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns a job by id.
func (s *Service) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Start begins the tick loop. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.runDue(loopCtx)
			}
		}
	}()
	return nil
}

// Stop halts the loop, waits for in-flight runs, and flushes state.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Tick fires every due job immediately. It returns the number of runs
// started, which excludes jobs skipped for isolation or the concurrency cap.
func (s *Service) Tick(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Service) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.Due(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt != due[j].NextRunAt {
			return due[i].NextRunAt < due[j].NextRunAt
		}
		return due[i].ID < due[j].ID
	})

	started := 0
	for _, job := range due {
		if job.Isolated && s.inflight[job.ID] > 0 {
			continue
		}
		select {
		case s.sem <- struct{}{}:
		default:
			// At the concurrency cap. The job stays due and fires on a
			// later tick.
			continue
		}
		s.inflight[job.ID]++
		job.LastRunAt = now.UnixMilli()
		s.advanceLocked(job, now)
		snapshot := *job
		s.wg.Add(1)
		go s.runJob(ctx, snapshot)
		started++
	}
	if started > 0 {
		if err := s.persistLocked(); err != nil {
			s.logger.Warn("cron state flush failed", "error", err)
		}
	}
	s.mu.Unlock()
	return started
}

// advanceLocked moves NextRunAt past now so an in-flight job does not
// refire on every tick. One-shots park at zero until completion decides
// their fate.
func (s *Service) advanceLocked(job *Job, now time.Time) {
	schedule, ok := s.schedules[job.ID]
	if !ok {
		job.NextRunAt = 0
		return
	}
	next, ok, err := schedule.Next(now)
	if err != nil || !ok {
		job.NextRunAt = 0
		return
	}
	job.NextRunAt = next.UnixMilli()
}

func (s *Service) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()
	err := s.onRun(ctx, job)
	s.completeRun(job.ID, err)
	<-s.sem
}

func (s *Service) completeRun(id string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.inflight[id]; n <= 1 {
		delete(s.inflight, id)
	} else {
		s.inflight[id] = n - 1
	}

	job, ok := s.jobs[id]
	if !ok {
		// Removed while running.
		return
	}
	now := s.now()

	var deferred *Deferred
	switch {
	case runErr == nil:
		job.Attempts = 0
		job.LastError = ""
		if job.Type == TypeAt {
			delete(s.jobs, id)
			delete(s.schedules, id)
		}
	case errors.As(runErr, &deferred):
		until := deferred.Until
		if !until.After(now) {
			until = now.Add(time.Minute)
		}
		job.NextRunAt = until.UnixMilli()
		job.LastError = runErr.Error()
		s.logger.Info("cron job deferred", "id", id, "until", until, "reason", deferred.Reason)
	default:
		job.Attempts++
		job.LastError = runErr.Error()
		maxRetries := job.MaxRetries
		if maxRetries <= 0 {
			maxRetries = s.retryMax
		}
		backoffMs := job.BackoffMs
		if backoffMs <= 0 {
			backoffMs = s.backoffMs
		}
		if job.Attempts <= maxRetries {
			delay := retryDelay(backoffMs, job.Attempts)
			job.NextRunAt = now.Add(delay).UnixMilli()
			s.logger.Warn("cron job failed, retrying",
				"id", id, "attempt", job.Attempts, "delay", delay, "error", runErr)
		} else {
			s.logger.Warn("cron job failed, giving up",
				"id", id, "attempts", job.Attempts, "error", runErr)
			job.Attempts = 0
			if job.Type == TypeAt {
				delete(s.jobs, id)
				delete(s.schedules, id)
			}
			// Recurring jobs resume their normal cadence, already set
			// when the run started.
		}
	}

	if err := s.persistLocked(); err != nil {
		s.logger.Warn("cron state flush failed", "error", err)
	}
}

// retryDelay doubles the base backoff per consecutive failure, capped at
// an hour.
func retryDelay(backoffMs int64, attempt int) time.Duration {
	if backoffMs <= 0 {
		backoffMs = defaultBackoffMs
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}
	delay := time.Duration(backoffMs) * time.Millisecond << shift
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}
	return delay
}

func (s *Service) persistLocked() error {
	state := persistedState{Jobs: make([]Job, 0, len(s.jobs))}
	for _, job := range s.jobs {
		state.Jobs = append(state.Jobs, *job)
	}
	sort.Slice(state.Jobs, func(i, j int) bool { return state.Jobs[i].ID < state.Jobs[j].ID })
	return statefile.WriteJSON(s.path, state)
}
