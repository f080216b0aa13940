// Package turn executes one exchange end to end: assemble the prompt
// from memory and context plugins, stream the model, dispatch tool
// calls, and finalize with a durable summary plus lifecycle events.
//
// Turns are serialized per session and capped globally. Cancellation is
// cooperative and a cancelled turn leaves no memory record.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/otto/internal/errkind"
	"github.com/haasonsaas/otto/internal/lifecycle"
	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/observability"
	"github.com/haasonsaas/otto/internal/privacy"
	"github.com/haasonsaas/otto/internal/reliability"
	"github.com/haasonsaas/otto/internal/session"
	"github.com/haasonsaas/otto/internal/statefile"
	"github.com/haasonsaas/otto/internal/tools"
)

const (
	defaultMaxUserMessages      = 8
	defaultPluginTimeout        = 2500 * time.Millisecond
	defaultMaxIterations        = 10
	defaultMaxTokens            = 4096
	defaultMaxWorkers           = 4
	defaultMemoryContextRecords = 50
	defaultResetThreshold       = 12

	defaultModelLabel = "default"
)

// ReasonIterationLimit marks turns that hit the tool iteration cap.
const ReasonIterationLimit errkind.ReasonCode = "TURN_ITERATION_LIMIT"

// resetNote is injected when the reasoning reset threshold fires.
const resetNote = "Reasoning reset: discard prior working notes and continue from the latest user request."

// Request describes one turn to run.
type Request struct {
	Session  session.Context
	Messages []model.Message

	// RunID identifies the run. Empty means mint one.
	RunID string

	// Source labels what initiated the turn: user, queue, cron,
	// heartbeat, or intent. Defaults to user.
	Source string
}

// Result is the outcome of a completed turn.
type Result struct {
	RunID        string
	Text         string
	ToolCalls    int
	InputTokens  int
	OutputTokens int
	Diagnostics  int
	Decisions    []tools.DecisionLog
}

// Runtime runs turns. All collaborators are injected; optional ones
// (index, metrics, stream) may be nil.
type Runtime struct {
	adapter model.Adapter
	router  *tools.Router
	store   *memory.Store
	stream  *lifecycle.Stream

	index   *memory.Index
	scrub   privacy.Scrubber
	metrics *observability.Metrics
	tracer  *observability.Tracer
	locker  *session.Locker
	resets  *reliability.ReasoningResetController

	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	systemPrompt         string
	maxUserMessages      int
	pluginTimeout        time.Duration
	maxIterations        int
	maxTokens            int
	memoryContextRecords int
	resetThreshold       int
	snapshotDir          string

	collectors   []Collector
	analyzers    []Analyzer
	synthesizers []Synthesizer
	conflictFn   DirectiveConflictFunc

	workers chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// WithScrubber sets the privacy scrubber applied to failure text.
// Defaults to the regex scrubber with the standard patterns.
func WithScrubber(s privacy.Scrubber) Option {
	return func(r *Runtime) { r.scrub = s }
}

// WithIndex enables lazy embedding updates for turn summaries.
func WithIndex(ix *memory.Index) Option {
	return func(r *Runtime) { r.index = ix }
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runtime) { r.metrics = m }
}

// WithTracer enables span emission for turns and tool dispatch.
func WithTracer(t *observability.Tracer) Option {
	return func(r *Runtime) { r.tracer = t }
}

// WithSystemPrompt sets the leading system guidance message.
func WithSystemPrompt(prompt string) Option {
	return func(r *Runtime) { r.systemPrompt = prompt }
}

// WithMaxUserMessages sets the context freshness retention cap.
// Default: 8
func WithMaxUserMessages(n int) Option {
	return func(r *Runtime) { r.maxUserMessages = n }
}

// WithPluginTimeout bounds each collector, analyzer, and synthesizer
// call. Default: 2.5s
func WithPluginTimeout(d time.Duration) Option {
	return func(r *Runtime) { r.pluginTimeout = d }
}

// WithMaxIterations caps tool iterations per turn. Default: 10
func WithMaxIterations(n int) Option {
	return func(r *Runtime) { r.maxIterations = n }
}

// WithMaxTokens is passed through to the adapter. Default: 4096
func WithMaxTokens(n int) Option {
	return func(r *Runtime) { r.maxTokens = n }
}

// WithMaxWorkers caps concurrently executing turns across sessions.
// Default: 4
func WithMaxWorkers(n int) Option {
	return func(r *Runtime) {
		if n > 0 {
			r.workers = make(chan struct{}, n)
		}
	}
}

// WithMemoryContextRecords sets how many recent records enter the
// prompt. Default: 50
func WithMemoryContextRecords(n int) Option {
	return func(r *Runtime) { r.memoryContextRecords = n }
}

// WithSnapshotDir enables turn debug snapshots under dir.
func WithSnapshotDir(dir string) Option {
	return func(r *Runtime) { r.snapshotDir = dir }
}

// WithCollectors registers context collectors.
func WithCollectors(cs ...Collector) Option {
	return func(r *Runtime) { r.collectors = append(r.collectors, cs...) }
}

// WithAnalyzers registers artifact analyzers.
func WithAnalyzers(as ...Analyzer) Option {
	return func(r *Runtime) { r.analyzers = append(r.analyzers, as...) }
}

// WithSynthesizers registers insight synthesizers.
func WithSynthesizers(ss ...Synthesizer) Option {
	return func(r *Runtime) { r.synthesizers = append(r.synthesizers, ss...) }
}

// WithDirectiveConflictFunc swaps the conflicting-directive heuristic.
func WithDirectiveConflictFunc(fn DirectiveConflictFunc) Option {
	return func(r *Runtime) {
		if fn != nil {
			r.conflictFn = fn
		}
	}
}

// WithReasoningResetThreshold sets the tool iterations per session
// before a reasoning reset note is injected. Default: 12
func WithReasoningResetThreshold(n int) Option {
	return func(r *Runtime) { r.resetThreshold = n }
}

// NewRuntime wires a turn runtime over its collaborators.
func NewRuntime(adapter model.Adapter, router *tools.Router, store *memory.Store, stream *lifecycle.Stream, opts ...Option) *Runtime {
	r := &Runtime{
		adapter:              adapter,
		router:               router,
		store:                store,
		stream:               stream,
		locker:               session.NewLocker(),
		now:                  time.Now,
		newID:                uuid.NewString,
		maxUserMessages:      defaultMaxUserMessages,
		pluginTimeout:        defaultPluginTimeout,
		maxIterations:        defaultMaxIterations,
		maxTokens:            defaultMaxTokens,
		memoryContextRecords: defaultMemoryContextRecords,
		resetThreshold:       defaultResetThreshold,
		conflictFn:           defaultDirectiveConflicts,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "turn")
	}
	if r.scrub == nil {
		r.scrub = privacy.NewRegexScrubber(nil)
	}
	if r.workers == nil {
		r.workers = make(chan struct{}, defaultMaxWorkers)
	}
	r.resets = reliability.NewReasoningResetController(r.resetThreshold)
	return r
}

// RunTurn executes one turn to completion. It blocks while another turn
// for the same session is in flight and while the global worker cap is
// reached.
func (r *Runtime) RunTurn(ctx context.Context, req Request) (Result, error) {
	if req.RunID == "" {
		req.RunID = r.newID()
	}
	if req.Source == "" {
		req.Source = "user"
	}
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceTurn(ctx, req.Session.SessionID, req.Source)
		defer span.End()
	}

	r.emit(lifecycle.EventQueued, req, nil)

	unlock := r.locker.Lock(req.Session.SessionID)
	defer unlock()

	select {
	case r.workers <- struct{}{}:
	case <-ctx.Done():
		return r.finishCancelled(req, r.now())
	}
	defer func() { <-r.workers }()

	start := r.now()
	r.emit(lifecycle.EventStarted, req, nil)

	prompt, diagnostics := r.assemblePrompt(ctx, req)

	handle, err := r.adapter.CreateSession(ctx, req.Session.SessionID)
	if err != nil {
		return r.finishFailed(req, start, fmt.Errorf("create model session: %w", err))
	}

	res, convo, err := r.streamLoop(ctx, handle, req, prompt)
	res.Diagnostics = diagnostics
	if err != nil {
		if isCancelled(err) {
			return r.finishCancelled(req, start)
		}
		return r.finishFailed(req, start, err)
	}
	return r.finishCompleted(ctx, req, start, res, convo)
}

// streamLoop drives the model conversation: stream events, run requested
// tools, feed results back, and repeat until the model stops calling
// tools or the iteration cap fires.
func (r *Runtime) streamLoop(ctx context.Context, handle model.SessionHandle, req Request, prompt []model.Message) (Result, []model.Message, error) {
	res := Result{RunID: req.RunID}
	convo := prompt
	execCtx := tools.NewExecContext(req.Session.SessionID, req.RunID)
	specs := r.toolSpecs()

	for iteration := 0; ; iteration++ {
		if iteration >= r.maxIterations {
			res.Decisions = execCtx.Decisions()
			return res, convo, errkind.Newf(errkind.KindPolicyDenied, "turn.stream",
				"tool iteration limit %d reached", r.maxIterations).WithReason(ReasonIterationLimit)
		}

		events, err := r.adapter.SendTurn(ctx, handle, model.TurnRequest{
			TurnID:    req.RunID,
			Messages:  convo,
			Tools:     specs,
			MaxTokens: r.maxTokens,
		})
		if err != nil {
			res.Decisions = execCtx.Decisions()
			return res, convo, fmt.Errorf("send turn: %w", err)
		}

		var text strings.Builder
		var calls []model.ToolCall
		var streamErr error
		for ev := range events {
			switch ev.Type {
			case model.EventAssistantDelta:
				text.WriteString(ev.Delta)
				r.emit(lifecycle.EventAssistant, req, map[string]any{"delta": ev.Delta})
			case model.EventToolCall:
				if ev.Call != nil {
					calls = append(calls, *ev.Call)
				}
			case model.EventUsage:
				res.InputTokens += ev.InputTokens
				res.OutputTokens += ev.OutputTokens
			case model.EventError:
				streamErr = ev.Err
				if streamErr == nil {
					streamErr = errors.New("model stream error")
				}
			case model.EventDone:
			}
		}
		if err := ctx.Err(); err != nil {
			r.adapter.Cancel(req.RunID)
			res.Decisions = execCtx.Decisions()
			return res, convo, err
		}
		if streamErr != nil {
			res.Decisions = execCtx.Decisions()
			return res, convo, fmt.Errorf("model stream: %w", streamErr)
		}

		if text.Len() > 0 || len(calls) == 0 {
			convo = append(convo, model.Message{Role: model.RoleAssistant, Content: text.String()})
		}
		if len(calls) == 0 {
			res.Text = text.String()
			res.Decisions = execCtx.Decisions()
			return res, convo, nil
		}

		for _, call := range calls {
			res.ToolCalls++
			r.emit(lifecycle.EventTool, req, map[string]any{
				"tool":    call.Name,
				"callId":  call.ID,
				"summary": tools.CallSummary(call.Name, call.Args),
			})
			msg, err := r.dispatchTool(ctx, call, execCtx)
			if err != nil {
				res.Decisions = execCtx.Decisions()
				return res, convo, err
			}
			convo = append(convo, msg)

			if r.resets.NoteIteration(req.Session.SessionID) {
				convo = append(convo, model.Message{Role: model.RoleSystem, Content: resetNote})
				r.logger.Info("reasoning reset issued", "sessionId", req.Session.SessionID, "runId", req.RunID)
			}
		}
	}
}

// dispatchTool routes one call. Denials and timeouts come back as failed
// tool results so the model can adjust; only fatal errors and
// cancellation end the turn.
func (r *Runtime) dispatchTool(ctx context.Context, call model.ToolCall, execCtx *tools.ExecContext) (model.Message, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.TraceToolExecution(ctx, call.Name)
		defer span.End()
	}
	out, err := r.router.Execute(ctx, tools.Call{ID: call.ID, Name: call.Name, Args: call.Args}, execCtx)
	if err != nil {
		if isCancelled(err) || errkind.KindOf(err) == errkind.KindFatal {
			return model.Message{}, err
		}
		out = tools.Result{Content: r.scrub.Scrub(err.Error()), IsError: true}
	}
	return model.Message{
		Role:       model.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    out.Content,
		IsError:    out.IsError,
	}, nil
}

func (r *Runtime) finishCompleted(ctx context.Context, req Request, start time.Time, res Result, convo []model.Message) (Result, error) {
	elapsed := r.now().Sub(start)

	rec := r.summaryRecord(req, res)
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Warn("turn summary append failed", "runId", req.RunID, "error", err)
		r.recordError("memory_append")
	} else if r.index != nil {
		if err := r.index.Upsert(rec); err != nil {
			r.logger.Warn("embedding upsert failed", "recordId", rec.ID, "error", err)
		}
	}

	r.writeSnapshot(req, convo, res)

	r.emit(lifecycle.EventCompleted, req, map[string]any{
		"toolCalls":    res.ToolCalls,
		"inputTokens":  res.InputTokens,
		"outputTokens": res.OutputTokens,
	})
	if r.metrics != nil {
		r.metrics.RecordTurn(req.Source, "completed", elapsed.Seconds())
		r.metrics.RecordTokens(defaultModelLabel, res.InputTokens, res.OutputTokens)
	}
	r.logger.Info("turn completed",
		"sessionId", req.Session.SessionID,
		"runId", req.RunID,
		"toolCalls", res.ToolCalls,
		"elapsed", elapsed)
	return res, nil
}

func (r *Runtime) finishFailed(req Request, start time.Time, err error) (Result, error) {
	elapsed := r.now().Sub(start)
	reason := failureReason(err)
	r.emit(lifecycle.EventFailed, req, map[string]any{
		"reasonCode": reason,
		"error":      r.scrub.Scrub(err.Error()),
	})
	if r.metrics != nil {
		r.metrics.RecordTurn(req.Source, "failed", elapsed.Seconds())
	}
	r.recordError(reason)
	r.logger.Error("turn failed",
		"sessionId", req.Session.SessionID,
		"runId", req.RunID,
		"reason", reason,
		"error", r.scrub.Scrub(err.Error()))
	return Result{RunID: req.RunID}, err
}

// finishCancelled emits the failed event with reason cancelled and
// writes nothing to memory.
func (r *Runtime) finishCancelled(req Request, start time.Time) (Result, error) {
	elapsed := r.now().Sub(start)
	r.emit(lifecycle.EventFailed, req, map[string]any{"reasonCode": "cancelled"})
	if r.metrics != nil {
		r.metrics.RecordTurn(req.Source, "failed", elapsed.Seconds())
	}
	r.logger.Info("turn cancelled", "sessionId", req.Session.SessionID, "runId", req.RunID)
	return Result{RunID: req.RunID}, fmt.Errorf("turn %s: %w", req.RunID, errkind.ErrCancelled)
}

// summaryRecord condenses the exchange into one durable memory record.
func (r *Runtime) summaryRecord(req Request, res Result) memory.Record {
	var userLine string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == model.RoleUser {
			userLine = truncate(req.Messages[i].Content, 160)
			break
		}
	}

	var b strings.Builder
	if userLine != "" {
		b.WriteString("user: ")
		b.WriteString(userLine)
		b.WriteString(" | ")
	}
	b.WriteString("assistant: ")
	b.WriteString(truncate(res.Text, 240))
	if res.ToolCalls > 0 {
		fmt.Fprintf(&b, " | tools: %d", res.ToolCalls)
	}

	return memory.NewRecord(req.Session.SessionID, memory.CategoryTurnSummary, b.String(), memory.Provenance{
		SourceChannel: req.Session.ChannelID,
		Confidence:    0.7,
		Timestamp:     r.now().UTC(),
		Sensitivity:   memory.SensitivityPrivateUser,
	})
}

// turnSnapshot is the debug artifact written per completed turn when
// snapshots are enabled.
type turnSnapshot struct {
	RunID     string              `json:"runId"`
	SessionID string              `json:"sessionId"`
	At        time.Time           `json:"at"`
	Messages  []model.Message     `json:"messages"`
	Decisions []tools.DecisionLog `json:"decisions,omitempty"`
	Text      string              `json:"text"`
}

func (r *Runtime) writeSnapshot(req Request, convo []model.Message, res Result) {
	if r.snapshotDir == "" {
		return
	}
	snap := turnSnapshot{
		RunID:     req.RunID,
		SessionID: req.Session.SessionID,
		At:        r.now().UTC(),
		Messages:  convo,
		Decisions: res.Decisions,
		Text:      res.Text,
	}
	path := filepath.Join(r.snapshotDir, req.RunID+".json")
	if err := statefile.WriteJSON(path, snap); err != nil {
		r.logger.Warn("turn snapshot write failed", "path", path, "error", err)
	}
}

func (r *Runtime) toolSpecs() []model.ToolSpec {
	defs := r.router.List()
	specs := make([]model.ToolSpec, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, model.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.Schema,
		})
	}
	return specs
}

func (r *Runtime) emit(t lifecycle.EventType, req Request, payload map[string]any) {
	if r.stream == nil {
		return
	}
	r.stream.Push(lifecycle.Event{
		Type:      t,
		SessionID: req.Session.SessionID,
		RunID:     req.RunID,
		At:        r.now().UTC(),
		Payload:   payload,
	})
}

func (r *Runtime) recordError(reason string) {
	if r.metrics != nil {
		r.metrics.RecordError("turn", reason)
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, errkind.ErrCancelled)
}

// failureReason maps an error to the reasonCode carried by the failed
// lifecycle event: the explicit decision code when one is attached,
// otherwise the error kind.
func failureReason(err error) string {
	var classified *errkind.Error
	if errors.As(err, &classified) && classified.Reason != "" {
		return string(classified.Reason)
	}
	if isCancelled(err) {
		return string(errkind.ReasonCancelled)
	}
	return string(errkind.KindOf(err))
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
