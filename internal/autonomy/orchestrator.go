// Package autonomy composes the four schedulers — cron, heartbeat,
// integrity scan, and proactive-intent dispatch — under a single budget
// and a single lifecycle. The orchestrator owns autonomy-state.json
// (budget windows + intents) and defers budget-denied firings instead
// of dropping them.
package autonomy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/budget"
	"github.com/haasonsaas/otto/internal/cron"
	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/heartbeat"
	"github.com/haasonsaas/otto/internal/lifecycle"
	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/observability"
	"github.com/haasonsaas/otto/internal/profile"
	"github.com/haasonsaas/otto/internal/reliability"
	"github.com/haasonsaas/otto/internal/retry"
	"github.com/haasonsaas/otto/internal/session"
	"github.com/haasonsaas/otto/internal/statefile"
	"github.com/haasonsaas/otto/internal/turn"
	"github.com/haasonsaas/otto/internal/validation"
	"github.com/haasonsaas/otto/internal/workflow"
)

const (
	defaultIntegrityInterval = time.Hour
	defaultIntentTick        = 30 * time.Second
	defaultIntentTTL         = 24 * time.Hour

	// cronChannel is the synthetic channel cron-fired turns are budgeted
	// against.
	cronChannel = "cron"
)

// Config tunes the orchestrator-owned schedulers.
type Config struct {
	// Budget limits autonomous sends per channel.
	Budget budget.Limits

	// Heartbeat configures the self-prompt runner. Ignored unless
	// HeartbeatEnabled.
	Heartbeat        heartbeat.Config
	HeartbeatEnabled bool

	// CronTickInterval is how often due jobs are checked. Default: 1s
	CronTickInterval time.Duration
	// CronMaxConcurrent caps parallel cron runs. Default: 4
	CronMaxConcurrent int
	// CronMaxRetries and CronBackoffMs seed job retry defaults.
	CronMaxRetries int
	CronBackoffMs  int64

	// IntegrityScanInterval is how often memory integrity is audited.
	// Default: 1h
	IntegrityScanInterval time.Duration
	// IntentTick is how often pending intents are checked. Default: 30s
	IntentTick time.Duration
	// IntentTTL expires pending intents that never became sendable.
	// Default: 24h
	IntentTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.IntegrityScanInterval <= 0 {
		c.IntegrityScanInterval = defaultIntegrityInterval
	}
	if c.IntentTick <= 0 {
		c.IntentTick = defaultIntentTick
	}
	if c.IntentTTL <= 0 {
		c.IntentTTL = defaultIntentTTL
	}
	return c
}

// Deps are the orchestrator's collaborators. Runtime and Store are
// required; the rest may be nil and the matching state sections stay
// empty.
type Deps struct {
	Runtime   *turn.Runtime
	Store     *memory.Store
	Stream    *lifecycle.Stream
	Workflows *workflow.Engine
	Checks    *validation.Harness

	// OnCronRun executes a due cron job after the budget gate passes.
	// Nil runs a self-prompt turn describing the job.
	OnCronRun cron.RunFunc
}

// IntegrityState is the latest scan outcome, surfaced via GetState.
type IntegrityState struct {
	LastScan  time.Time        `json:"lastScan,omitempty"`
	Findings  []memory.Finding `json:"findings,omitempty"`
	LastError string           `json:"lastError,omitempty"`
}

// State is the orchestrator snapshot returned by GetState.
type State struct {
	Running       bool               `json:"running"`
	StartedAt     time.Time          `json:"startedAt,omitempty"`
	DroppedEvents uint64             `json:"droppedEvents"`
	Budget        budget.Snapshot    `json:"budget"`
	Intents       []Intent           `json:"intents"`
	CronJobs      []cron.Job         `json:"cronJobs"`
	Heartbeat     *heartbeat.Status  `json:"heartbeat,omitempty"`
	Integrity     IntegrityState     `json:"integrity"`
	Validation    *validation.State  `json:"validation,omitempty"`
}

// persistedState is the autonomy-state.json schema.
type persistedState struct {
	Budget  budget.Snapshot `json:"budget"`
	Intents []Intent        `json:"intents"`
}

// Orchestrator composes the schedulers. Construct with New, then Start.
type Orchestrator struct {
	cfg      Config
	deps     Deps
	path     string
	logger   *slog.Logger
	now      func() time.Time
	metrics  *observability.Metrics
	retryCfg retry.Config

	budget *budget.Budget
	cron   *cron.Service
	beat   *heartbeat.Runner

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	intents   []Intent
	integrity IntegrityState
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New restores autonomy-state.json from the profile root and wires the
// cron service and heartbeat runner. Nothing runs until Start.
func New(root profile.Root, cfg Config, deps Deps, opts ...Option) (*Orchestrator, error) {
	if deps.Runtime == nil {
		return nil, fmt.Errorf("autonomy: turn runtime is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("autonomy: memory store is required")
	}
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		path:     root.AutonomyStateFile(),
		now:      time.Now,
		retryCfg: retry.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "autonomy")
	}

	var state persistedState
	if _, err := statefile.ReadJSON(o.path, &state); err != nil {
		return nil, fmt.Errorf("autonomy: load state: %w", err)
	}
	o.intents = state.Intents

	o.budget = budget.New(o.cfg.Budget,
		budget.WithLogger(o.logger),
		budget.WithOnChange(o.onBudgetChange),
	)
	if state.Budget != nil {
		o.budget.Restore(state.Budget)
	}

	cronOpts := []cron.Option{
		cron.WithLogger(o.logger.With("component", "cron")),
		cron.WithNow(o.now),
	}
	if o.cfg.CronTickInterval > 0 {
		cronOpts = append(cronOpts, cron.WithTickInterval(o.cfg.CronTickInterval))
	}
	if o.cfg.CronMaxConcurrent > 0 {
		cronOpts = append(cronOpts, cron.WithMaxConcurrentRuns(o.cfg.CronMaxConcurrent))
	}
	if o.cfg.CronMaxRetries > 0 || o.cfg.CronBackoffMs > 0 {
		cronOpts = append(cronOpts, cron.WithRetryDefaults(o.cfg.CronMaxRetries, o.cfg.CronBackoffMs))
	}
	svc, err := cron.NewService(root.CronStateFile(), o.runCronJob, cronOpts...)
	if err != nil {
		return nil, err
	}
	o.cron = svc

	if o.cfg.HeartbeatEnabled {
		o.beat = heartbeat.NewRunner(o.cfg.Heartbeat, o.heartbeatTurn,
			heartbeat.WithLogger(o.logger.With("component", "heartbeat")),
			heartbeat.WithNow(o.now),
			heartbeat.WithOnResult(o.onHeartbeatResult),
		)
	}
	return o, nil
}

// Budget exposes the shared budget so callers outside the orchestrator
// (channel delivery, tests) consume from the same windows.
func (o *Orchestrator) Budget() *budget.Budget { return o.budget }

// Cron exposes the composed cron service for job management.
func (o *Orchestrator) Cron() *cron.Service { return o.cron }

// Start launches every scheduler. Calling Start on a running
// orchestrator is a no-op.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.startedAt = o.now()
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	if err := o.cron.Start(loopCtx); err != nil {
		return err
	}
	if o.beat != nil {
		o.beat.Start(loopCtx)
	}

	o.wg.Add(2)
	go o.integrityLoop(loopCtx)
	go o.intentLoop(loopCtx)

	o.logger.Info("autonomy started",
		"heartbeat", o.beat != nil,
		"integrity_interval", o.cfg.IntegrityScanInterval,
		"intent_tick", o.cfg.IntentTick,
	)
	return nil
}

// Stop halts every scheduler and flushes cron and autonomy state.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	cancel := o.cancel
	o.cancel = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if o.beat != nil {
		o.beat.Stop()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := o.cron.Stop(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.persistLocked()
}

// GetState snapshots the orchestrator for status surfaces.
func (o *Orchestrator) GetState() State {
	o.mu.Lock()
	st := State{
		Running:   o.started,
		StartedAt: o.startedAt,
		Budget:    o.budget.Snapshot(),
		Intents:   append([]Intent(nil), o.intents...),
		Integrity: o.integrity,
	}
	o.mu.Unlock()

	st.CronJobs = o.cron.List()
	if o.deps.Stream != nil {
		st.DroppedEvents = o.deps.Stream.Dropped()
	}
	if o.beat != nil {
		hb := o.beat.Status()
		st.Heartbeat = &hb
	}
	if o.deps.Checks != nil {
		if vs, err := o.deps.Checks.Load(); err == nil && len(vs.Results) > 0 {
			st.Validation = &vs
		}
	}
	return st
}

// RunWorkflow executes a durable workflow through the composed engine.
func (o *Orchestrator) RunWorkflow(ctx context.Context, def workflow.Definition, opts workflow.RunOptions) (*workflow.State, error) {
	if o.deps.Workflows == nil {
		return nil, fmt.Errorf("autonomy: no workflow engine configured")
	}
	return o.deps.Workflows.Run(ctx, def, opts)
}

// QueueProactiveIntent persists a pending intent for later delivery.
// The in-memory table is only updated after the state write succeeds.
func (o *Orchestrator) QueueProactiveIntent(channelID, text string, notBefore time.Time) (Intent, error) {
	intent, err := NewIntent(channelID, text, notBefore, o.now())
	if err != nil {
		return Intent{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.intents = append(o.intents, intent)
	if err := o.persistLocked(); err != nil {
		o.intents = o.intents[:len(o.intents)-1]
		return Intent{}, err
	}
	o.logger.Info("intent queued", "id", intent.ID, "channel", channelID)
	return intent, nil
}

// TickIntents expires stale intents and delivers due ones, budget
// permitting. It returns the number delivered. Denied intents stay
// pending for the next tick.
func (o *Orchestrator) TickIntents(ctx context.Context) int {
	now := o.now()

	o.mu.Lock()
	var due []Intent
	changed := false
	for i := range o.intents {
		intent := &o.intents[i]
		if intent.ExpiredBy(now, o.cfg.IntentTTL) {
			intent.Status = IntentExpired
			changed = true
			o.logger.Info("intent expired", "id", intent.ID, "channel", intent.ChannelID)
			continue
		}
		if intent.Due(now) {
			due = append(due, *intent)
		}
	}
	if changed {
		if err := o.persistLocked(); err != nil {
			o.logger.Warn("autonomy state flush failed", "error", err)
		}
	}
	o.mu.Unlock()

	sent := 0
	for _, intent := range due {
		decision := o.budget.TryConsume(intent.ChannelID, o.now())
		if !decision.Allowed {
			o.recordDenial(decision.Reason)
			o.logger.Debug("intent deferred",
				"id", intent.ID, "reason", decision.Reason, "retry_after", decision.RetryAfter)
			continue
		}
		if o.dispatchIntent(ctx, intent) {
			sent++
		}
	}
	return sent
}

func (o *Orchestrator) dispatchIntent(ctx context.Context, intent Intent) bool {
	// Transient adapter failures retry in place; anything classified
	// non-retryable leaves the intent pending for the next tick.
	var res turn.Result
	rr := retry.Transient(ctx, o.retryCfg, func() error {
		var err error
		res, err = o.deps.Runtime.RunTurn(ctx, turn.Request{
			Session: session.Context{
				SessionID:   "intent:" + intent.ChannelID,
				ChannelID:   intent.ChannelID,
				ChannelKind: session.KindDM,
			},
			Messages: []model.Message{{Role: model.RoleUser, Content: intent.Text}},
			Source:   "intent",
		})
		return err
	})
	err := rr.Err

	o.mu.Lock()
	defer o.mu.Unlock()
	for i := range o.intents {
		if o.intents[i].ID != intent.ID {
			continue
		}
		if err != nil {
			o.intents[i].LastError = err.Error()
			o.logger.Warn("intent delivery failed", "id", intent.ID, "error", err)
		} else {
			o.intents[i].Status = IntentSent
			o.intents[i].SentAt = o.now().UTC()
			o.intents[i].RunID = res.RunID
			o.intents[i].LastError = ""
			envelope := reliability.NewActionEnvelope(res.RunID, "intent:"+intent.ChannelID, "proactive-intent",
				reliability.ScoreConfidence(reliability.ConfidenceInput{ToolCallCount: res.ToolCalls}), o.now())
			o.logger.Info("intent sent",
				"id", intent.ID,
				"channel", intent.ChannelID,
				"action_id", envelope.ActionID,
				"confidence", envelope.ConfidenceScore,
			)
		}
		break
	}
	if perr := o.persistLocked(); perr != nil {
		o.logger.Warn("autonomy state flush failed", "error", perr)
	}
	return err == nil
}

// ScanIntegrity audits memory immediately and records the findings in
// the orchestrator state. Findings are warnings, never fatal.
func (o *Orchestrator) ScanIntegrity() IntegrityState {
	findings, err := o.deps.Store.IntegrityScan()

	o.mu.Lock()
	o.integrity = IntegrityState{
		LastScan: o.now(),
		Findings: findings,
	}
	if err != nil {
		o.integrity.LastError = err.Error()
	}
	st := o.integrity
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.SetIntegrityFindings(len(findings))
	}
	if len(findings) > 0 {
		o.logger.Warn("memory integrity findings", "count", len(findings))
	}
	return st
}

func (o *Orchestrator) integrityLoop(ctx context.Context) {
	defer o.wg.Done()
	o.ScanIntegrity()
	ticker := time.NewTicker(o.cfg.IntegrityScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.ScanIntegrity()
		}
	}
}

func (o *Orchestrator) intentLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.IntentTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.TickIntents(ctx)
		}
	}
}

// runCronJob gates a due job on the budget, then hands it to the
// configured run function. Denials defer the job instead of consuming
// a retry.
func (o *Orchestrator) runCronJob(ctx context.Context, job cron.Job) error {
	decision := o.budget.TryConsume(cronChannel, o.now())
	if !decision.Allowed {
		o.recordDenial(decision.Reason)
		return &cron.Deferred{
			Until:  o.now().Add(decision.RetryAfter),
			Reason: decision.Reason,
		}
	}

	var err error
	if o.deps.OnCronRun != nil {
		err = o.deps.OnCronRun(ctx, job)
	} else {
		_, err = o.deps.Runtime.RunTurn(ctx, turn.Request{
			Session: session.Context{
				SessionID:   "cron:" + job.ID,
				ChannelID:   cronChannel,
				ChannelKind: session.KindDM,
			},
			Messages: []model.Message{{
				Role:    model.RoleUser,
				Content: fmt.Sprintf("Scheduled job %s (%s %s) fired. Act on it and report anything noteworthy.", job.ID, job.Type, job.Expression),
			}},
			Source: "cron",
		})
	}
	if o.metrics != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		o.metrics.RecordCronRun(status)
	}
	return err
}

// heartbeatTurn runs one self-prompt turn. An empty assistant reply (or
// the literal HEARTBEAT_OK token) counts as a quiet beat.
func (o *Orchestrator) heartbeatTurn(ctx context.Context, channelID string) (heartbeat.Outcome, error) {
	decision := o.budget.TryConsume(channelID, o.now())
	if !decision.Allowed {
		o.recordDenial(decision.Reason)
		return heartbeat.OutcomeDeferred, nil
	}

	res, err := o.deps.Runtime.RunTurn(ctx, turn.Request{
		Session: session.Context{
			SessionID:   "heartbeat",
			ChannelID:   channelID,
			ChannelKind: session.KindDM,
		},
		Messages: []model.Message{{
			Role:    model.RoleUser,
			Content: "Heartbeat check-in. Reply HEARTBEAT_OK if nothing needs attention.",
		}},
		Source: "heartbeat",
	})
	if err != nil {
		return heartbeat.OutcomeOK, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" || strings.Contains(text, string(heartbeat.OutcomeOK)) {
		return heartbeat.OutcomeOK, nil
	}
	return heartbeat.OutcomeSent, nil
}

func (o *Orchestrator) onHeartbeatResult(outcome heartbeat.Outcome, err error) {
	if o.metrics != nil {
		o.metrics.RecordHeartbeat(string(outcome))
	}
	if err != nil && o.metrics != nil {
		o.metrics.RecordError("heartbeat", string(errkind.KindOf(err)))
	}
}

func (o *Orchestrator) onBudgetChange(snap budget.Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := statefile.WriteJSON(o.path, persistedState{
		Budget:  snap,
		Intents: append([]Intent(nil), o.intents...),
	}); err != nil {
		o.logger.Warn("autonomy state flush failed", "error", err)
	}
}

func (o *Orchestrator) recordDenial(reason string) {
	if o.metrics != nil {
		o.metrics.RecordBudgetDenial(reason)
	}
}

func (o *Orchestrator) persistLocked() error {
	return statefile.WriteJSON(o.path, persistedState{
		Budget:  o.budget.Snapshot(),
		Intents: append([]Intent(nil), o.intents...),
	})
}
