// Package workflow executes multi-step definitions with durable
// checkpoints. Every step transition is persisted atomically under the
// profile root, so a crashed run re-entered with the same idempotency
// key resumes where it stopped instead of redoing finished work.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/observability"
	"github.com/haasonsaas/otto/internal/privacy"
	"github.com/haasonsaas/otto/internal/session"
	"github.com/haasonsaas/otto/internal/statefile"
)

// StepStatus tracks one step through its lifecycle.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepApproved StepStatus = "approved"
	StepRunning  StepStatus = "running"
	StepDone     StepStatus = "done"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// Status is the workflow-level outcome.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Decision reason codes attached to workflow errors.
const (
	ReasonApprovalDenied  errkind.ReasonCode = "WORKFLOW_APPROVAL_DENIED"
	ReasonApprovalMissing errkind.ReasonCode = "WORKFLOW_APPROVAL_MISSING"
	ReasonStepFailed      errkind.ReasonCode = "WORKFLOW_STEP_FAILED"
)

// Step is one unit of work inside a definition.
type Step struct {
	ID   string
	Name string

	// RequiresApproval gates the step on the run's approval callback.
	RequiresApproval bool

	Run func(ctx context.Context) error
}

// Definition describes an ordered sequence of steps. Definitions are
// code; only their execution state is persisted.
type Definition struct {
	ID    string
	Name  string
	Steps []Step
}

// Validate checks a definition before execution.
func (d Definition) Validate() error {
	if d.ID == "" {
		return errkind.Newf(errkind.KindSchemaInvalid, "workflow.run", "definition id is empty")
	}
	if len(d.Steps) == 0 {
		return errkind.Newf(errkind.KindSchemaInvalid, "workflow.run", "definition %q has no steps", d.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return errkind.Newf(errkind.KindSchemaInvalid, "workflow.run", "definition %q has a step with an empty id", d.ID)
		}
		if seen[step.ID] {
			return errkind.Newf(errkind.KindSchemaInvalid, "workflow.run", "definition %q repeats step id %q", d.ID, step.ID)
		}
		seen[step.ID] = true
		if step.Run == nil {
			return errkind.Newf(errkind.KindSchemaInvalid, "workflow.run", "step %q has no run function", step.ID)
		}
	}
	return nil
}

// StepState is the persisted status of one step.
type StepState struct {
	ID        string     `json:"id"`
	Status    StepStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// State is the persisted execution record of one workflow run, keyed by
// definition id and idempotency key.
type State struct {
	DefinitionID   string      `json:"definitionId"`
	IdempotencyKey string      `json:"idempotencyKey"`
	Status         Status      `json:"status"`
	Steps          []StepState `json:"steps"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// ApprovalFunc decides whether a gated step may run. Returning false
// skips the step and fails the workflow.
type ApprovalFunc func(ctx context.Context, stepID string) (bool, error)

// RunOptions parametrize one Run call.
type RunOptions struct {
	// IdempotencyKey scopes the durable state. Re-running with the same
	// key resumes or no-ops; a new key starts fresh.
	IdempotencyKey string

	// Approval gates steps with RequiresApproval. Nil denies them.
	Approval ApprovalFunc
}

// Engine runs workflow definitions against a state directory. Safe for
// concurrent use; runs sharing a (definition, key) pair are serialized.
type Engine struct {
	dir     string
	logger  *slog.Logger
	now     func() time.Time
	metrics *observability.Metrics
	scrub   privacy.Scrubber
	locker  *session.Locker
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics enables step transition metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithScrubber sets the scrubber applied to persisted step errors.
func WithScrubber(s privacy.Scrubber) Option {
	return func(e *Engine) { e.scrub = s }
}

// NewEngine builds an engine persisting under dir.
func NewEngine(dir string, opts ...Option) *Engine {
	e := &Engine{
		dir:    dir,
		now:    time.Now,
		locker: session.NewLocker(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default().With("component", "workflow")
	}
	if e.scrub == nil {
		e.scrub = privacy.NewRegexScrubber(nil)
	}
	return e
}

// Run executes def under opts.IdempotencyKey. A state already marked
// done returns immediately; otherwise steps run in order, done steps
// from earlier attempts are skipped, and state is persisted after every
// transition. The returned State reflects the final persisted status.
func (e *Engine) Run(ctx context.Context, def Definition, opts RunOptions) (*State, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if opts.IdempotencyKey == "" {
		return nil, errkind.Newf(errkind.KindSchemaInvalid, "workflow.run", "idempotency key is empty")
	}

	unlock := e.locker.Lock(stateKey(def.ID, opts.IdempotencyKey))
	defer unlock()

	st, err := e.loadOrInit(def, opts.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if st.Status == StatusDone {
		e.logger.Debug("workflow already done", "definitionId", def.ID, "key", opts.IdempotencyKey)
		return st, nil
	}

	if err := e.transitionWorkflow(st, StatusRunning); err != nil {
		return st, err
	}

	for i := range def.Steps {
		step := def.Steps[i]
		ss := &st.Steps[i]
		if ss.Status == StepDone {
			continue
		}
		// Leave the state resumable on cancellation: no transition is
		// written, so a restart re-enters at this step.
		if err := ctx.Err(); err != nil {
			return st, fmt.Errorf("workflow %s: %w", def.ID, errkind.ErrCancelled)
		}

		if step.RequiresApproval && ss.Status != StepApproved {
			if err := e.approve(ctx, opts.Approval, step.ID); err != nil {
				return e.failStep(st, ss, step, err, true)
			}
			if err := e.transitionStep(st, ss, StepApproved); err != nil {
				return st, err
			}
		}

		started := e.now().UTC()
		ss.StartedAt = &started
		if err := e.transitionStep(st, ss, StepRunning); err != nil {
			return st, err
		}

		if err := step.Run(ctx); err != nil {
			return e.failStep(st, ss, step, err, false)
		}

		ended := e.now().UTC()
		ss.EndedAt = &ended
		ss.Error = ""
		if err := e.transitionStep(st, ss, StepDone); err != nil {
			return st, err
		}
		e.recordStep("completed")
		e.logger.Info("workflow step done", "definitionId", def.ID, "stepId", step.ID)
	}

	if err := e.transitionWorkflow(st, StatusDone); err != nil {
		return st, err
	}
	e.logger.Info("workflow done", "definitionId", def.ID, "key", opts.IdempotencyKey)
	return st, nil
}

// approve runs the approval gate for one step. A nil error means the
// step may run.
func (e *Engine) approve(ctx context.Context, fn ApprovalFunc, stepID string) error {
	if fn == nil {
		return errkind.Newf(errkind.KindPolicyDenied, "workflow.approve",
			"step %q requires approval but no approval callback was provided", stepID).
			WithReason(ReasonApprovalMissing)
	}
	ok, err := fn(ctx, stepID)
	if err != nil {
		return fmt.Errorf("approval for step %s: %w", stepID, err)
	}
	if !ok {
		return errkind.Newf(errkind.KindPolicyDenied, "workflow.approve",
			"step %q approval denied", stepID).WithReason(ReasonApprovalDenied)
	}
	return nil
}

// failStep records a step failure or denial and fails the workflow.
// Denied steps are marked skipped per the approval contract; failed
// steps keep their scrubbed error text.
func (e *Engine) failStep(st *State, ss *StepState, step Step, cause error, denied bool) (*State, error) {
	status := StepFailed
	metric := "failed"
	if denied {
		status = StepSkipped
		metric = "skipped"
	}

	ended := e.now().UTC()
	ss.EndedAt = &ended
	if cause != nil {
		ss.Error = e.scrub.Scrub(cause.Error())
	}
	if err := e.transitionStep(st, ss, status); err != nil {
		return st, err
	}
	if err := e.transitionWorkflow(st, StatusFailed); err != nil {
		return st, err
	}
	e.recordStep(metric)
	e.logger.Warn("workflow step did not complete",
		"definitionId", st.DefinitionID,
		"stepId", step.ID,
		"status", status,
		"error", ss.Error)

	if cause == nil {
		cause = errkind.Newf(errkind.KindFatal, "workflow.run", "step %q failed without error", step.ID)
	}
	var classified *errkind.Error
	if errors.As(cause, &classified) {
		return st, cause
	}
	return st, errkind.New(errkind.Classify(cause), "workflow.run", cause).WithReason(ReasonStepFailed)
}

func (e *Engine) transitionStep(st *State, ss *StepState, to StepStatus) error {
	ss.Status = to
	return e.persist(st)
}

func (e *Engine) transitionWorkflow(st *State, to Status) error {
	st.Status = to
	return e.persist(st)
}

func (e *Engine) persist(st *State) error {
	st.UpdatedAt = e.now().UTC()
	path := e.statePath(st.DefinitionID, st.IdempotencyKey)
	if err := statefile.WriteJSON(path, st); err != nil {
		return fmt.Errorf("persist workflow state: %w", err)
	}
	return nil
}

// loadOrInit loads the persisted state for (def, key) or creates a fresh
// pending state. A loaded state is reconciled against the definition:
// statuses survive by step id, steps the definition dropped disappear,
// and new steps start pending.
func (e *Engine) loadOrInit(def Definition, key string) (*State, error) {
	path := e.statePath(def.ID, key)
	var st State
	found, err := statefile.ReadJSON(path, &st)
	if err != nil {
		return nil, fmt.Errorf("load workflow state: %w", err)
	}
	if !found {
		now := e.now().UTC()
		st = State{
			DefinitionID:   def.ID,
			IdempotencyKey: key,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	}

	prior := make(map[string]StepState, len(st.Steps))
	for _, ss := range st.Steps {
		prior[ss.ID] = ss
	}
	steps := make([]StepState, 0, len(def.Steps))
	for _, step := range def.Steps {
		if ss, ok := prior[step.ID]; ok {
			// An interrupted run can persist running; treat it as not
			// started so the resume re-executes the step.
			if ss.Status == StepRunning {
				ss.Status = StepPending
			}
			steps = append(steps, ss)
			continue
		}
		steps = append(steps, StepState{ID: step.ID, Status: StepPending})
	}
	st.Steps = steps
	return &st, nil
}

// Load returns the persisted state for (definitionID, key), if any.
func (e *Engine) Load(definitionID, key string) (*State, bool, error) {
	var st State
	found, err := statefile.ReadJSON(e.statePath(definitionID, key), &st)
	if err != nil || !found {
		return nil, found, err
	}
	return &st, true, nil
}

// List returns every persisted workflow state, newest update first.
func (e *Engine) List() ([]State, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []State
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		var st State
		found, err := statefile.ReadJSON(filepath.Join(e.dir, name), &st)
		if err != nil {
			e.logger.Warn("unreadable workflow state skipped", "file", name, "error", err)
			continue
		}
		if found {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (e *Engine) recordStep(status string) {
	if e.metrics != nil {
		e.metrics.RecordWorkflowStep(status)
	}
}

func (e *Engine) statePath(definitionID, key string) string {
	return filepath.Join(e.dir, session.SanitizeID(stateKey(definitionID, key))+".json")
}

func stateKey(definitionID, key string) string {
	return definitionID + "--" + key
}
