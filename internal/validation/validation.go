// Package validation probes a model backend with known-answer checks
// and persists the outcome, so operators can tell a healthy backend
// from a misconfigured one before autonomy starts firing turns at it.
//
// Two checks run per model: a reasoning check that asks the backend to
// repeat a one-time token, and a tool-call check that advertises a
// probe tool and expects the backend to invoke it with that token.
package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/otto/internal/model"
	"github.com/haasonsaas/otto/internal/privacy"
	"github.com/haasonsaas/otto/internal/statefile"
)

const defaultProbeTimeout = 30 * time.Second

// probeToolName is the tool advertised during the tool-call check.
const probeToolName = "validation_probe"

var probeToolSchema = json.RawMessage(`{"type":"object","properties":{"token":{"type":"string"}},"required":["token"]}`)

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Checks groups the per-probe outcomes. A nil entry means the probe did
// not run.
type Checks struct {
	ToolCall  *CheckResult `json:"toolCall,omitempty"`
	Reasoning *CheckResult `json:"reasoning,omitempty"`
}

// Result is the persisted validation verdict for one model.
type Result struct {
	ModelID string    `json:"modelId"`
	Passed  bool      `json:"passed"`
	LastRun time.Time `json:"lastRun"`
	Checks  Checks    `json:"checks"`
	Error   string    `json:"error,omitempty"`
}

// State is the content of validation-state.json.
type State struct {
	Results   map[string]Result `json:"results"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Harness runs validation probes against a model adapter.
type Harness struct {
	adapter model.Adapter
	path    string
	logger  *slog.Logger
	now     func() time.Time
	timeout time.Duration
	scrub   privacy.Scrubber
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

// WithProbeTimeout bounds each probe. Default: 30s
func WithProbeTimeout(d time.Duration) Option {
	return func(h *Harness) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithScrubber sets the scrubber applied to persisted error text.
func WithScrubber(s privacy.Scrubber) Option {
	return func(h *Harness) { h.scrub = s }
}

// NewHarness builds a harness that persists results to path.
func NewHarness(adapter model.Adapter, path string, opts ...Option) *Harness {
	h := &Harness{
		adapter: adapter,
		path:    path,
		now:     time.Now,
		timeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default().With("component", "validation")
	}
	if h.scrub == nil {
		h.scrub = privacy.NewRegexScrubber(nil)
	}
	return h
}

// Run executes both probes against the adapter and persists the result
// under modelID. Probe failures land in the returned Result; the error
// return covers persistence only.
func (h *Harness) Run(ctx context.Context, modelID string) (Result, error) {
	res := Result{ModelID: modelID, LastRun: h.now().UTC()}
	token := ulid.Make().String()

	handle, err := h.adapter.CreateSession(ctx, "validation:"+modelID)
	if err != nil {
		res.Error = h.scrub.Scrub(err.Error())
		return h.store(res)
	}

	reasoning := h.checkReasoning(ctx, handle, token)
	res.Checks.Reasoning = &reasoning

	toolCall := h.checkToolCall(ctx, handle, token)
	res.Checks.ToolCall = &toolCall

	res.Passed = reasoning.Passed && toolCall.Passed
	return h.store(res)
}

// checkReasoning asks the backend to repeat a one-time token verbatim.
func (h *Harness) checkReasoning(ctx context.Context, handle model.SessionHandle, token string) CheckResult {
	probe := fmt.Sprintf("Reply with the exact token %s and nothing else.", token)
	events, err := h.probe(ctx, handle, "validation-reasoning-"+token, probe, nil)
	if err != nil {
		return CheckResult{Detail: h.scrub.Scrub(err.Error())}
	}

	var text strings.Builder
	for _, ev := range events {
		if ev.Type == model.EventAssistantDelta {
			text.WriteString(ev.Delta)
		}
	}
	if !strings.Contains(text.String(), token) {
		return CheckResult{Detail: "response did not include the probe token"}
	}
	return CheckResult{Passed: true}
}

// checkToolCall advertises the probe tool and expects one invocation
// carrying the token.
func (h *Harness) checkToolCall(ctx context.Context, handle model.SessionHandle, token string) CheckResult {
	probe := fmt.Sprintf("call:%s {\"token\":%q}", probeToolName, token)
	specs := []model.ToolSpec{{
		Name:        probeToolName,
		Description: "Validation probe. Call it once with the provided token.",
		Schema:      probeToolSchema,
	}}
	events, err := h.probe(ctx, handle, "validation-toolcall-"+token, probe, specs)
	if err != nil {
		return CheckResult{Detail: h.scrub.Scrub(err.Error())}
	}

	for _, ev := range events {
		if ev.Type != model.EventToolCall || ev.Call == nil {
			continue
		}
		if ev.Call.Name != probeToolName {
			return CheckResult{Detail: fmt.Sprintf("backend called %q instead of the probe tool", ev.Call.Name)}
		}
		if !strings.Contains(string(ev.Call.Args), token) {
			return CheckResult{Detail: "probe tool called without the token"}
		}
		return CheckResult{Passed: true}
	}
	return CheckResult{Detail: "backend did not call the probe tool"}
}

// probe sends one bounded turn and drains its stream.
func (h *Harness) probe(ctx context.Context, handle model.SessionHandle, turnID, text string, specs []model.ToolSpec) ([]model.Event, error) {
	probeCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	events, err := h.adapter.SendTurn(probeCtx, handle, model.TurnRequest{
		TurnID:    turnID,
		Messages:  []model.Message{{Role: model.RoleUser, Content: text}},
		Tools:     specs,
		MaxTokens: 256,
	})
	if err != nil {
		return nil, err
	}
	return model.Collect(probeCtx, events)
}

// store merges res into validation-state.json.
func (h *Harness) store(res Result) (Result, error) {
	st, err := h.Load()
	if err != nil {
		h.logger.Warn("validation state unreadable, starting fresh", "path", h.path, "error", err)
		st = State{}
	}
	if st.Results == nil {
		st.Results = make(map[string]Result)
	}
	st.Results[res.ModelID] = res
	st.UpdatedAt = h.now().UTC()
	if err := statefile.WriteJSON(h.path, st); err != nil {
		return res, fmt.Errorf("persist validation state: %w", err)
	}

	h.logger.Info("model validation finished",
		"modelId", res.ModelID,
		"passed", res.Passed,
		"error", res.Error)
	return res, nil
}

// Load reads the persisted validation state. A missing file yields an
// empty state.
func (h *Harness) Load() (State, error) {
	var st State
	if _, err := statefile.ReadJSON(h.path, &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Latest returns the stored result for modelID, if any.
func (h *Harness) Latest(modelID string) (Result, bool) {
	st, err := h.Load()
	if err != nil {
		return Result{}, false
	}
	res, ok := st.Results[modelID]
	return res, ok
}
