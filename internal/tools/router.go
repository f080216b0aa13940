package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

const defaultExecTimeout = 30 * time.Second

// Observer receives the outcome of every routed call, for metrics.
type Observer func(tool string, reason errkind.ReasonCode, elapsed time.Duration)

// Router holds the tool registry and runs the execution pipeline.
type Router struct {
	mu    sync.RWMutex
	tools map[string]Definition

	policy         *Policy
	gate           ApprovalGate
	defaultTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
	observer       Observer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger. Defaults to slog.Default.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPolicy sets the call policy. Default: allow everything.
func WithPolicy(policy *Policy) RouterOption {
	return func(r *Router) {
		if policy != nil {
			r.policy = policy
		}
	}
}

// WithApprovalGate sets the approval gate. Default: deny, so high-risk
// tools fail closed until a gate is wired.
func WithApprovalGate(gate ApprovalGate) RouterOption {
	return func(r *Router) {
		if gate != nil {
			r.gate = gate
		}
	}
}

// WithDefaultTimeout bounds tools that declare none. Default: 30s
func WithDefaultTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithRouterNow overrides the clock for tests.
func WithRouterNow(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithObserver registers a per-call outcome callback.
func WithObserver(observer Observer) RouterOption {
	return func(r *Router) { r.observer = observer }
}

// NewRouter builds an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		tools:          make(map[string]Definition),
		gate:           AlwaysDenyApprovalGate{},
		defaultTimeout: defaultExecTimeout,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default().With("component", "tools")
	}
	return r
}

// Register adds a tool. Registering an existing name replaces it.
func (r *Router) Register(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if def.RiskLevel == "" {
		def.RiskLevel = RiskLow
	}
	r.mu.Lock()
	r.tools[def.Name] = def
	r.mu.Unlock()
	return nil
}

// Unregister removes a tool. Unknown names are a no-op.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns a registered definition.
func (r *Router) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns registered definitions sorted by name.
func (r *Router) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute routes one call through the pipeline. Denials and timeouts come
// back as classified errors carrying a TOOL_* reason code; a tool's own
// non-fatal failure comes back as a Result with IsError set so the model
// sees it as a tool error rather than a turn failure.
func (r *Router) Execute(ctx context.Context, call Call, execCtx *ExecContext) (Result, error) {
	start := r.now()

	def, ok := r.Get(call.Name)
	if !ok {
		return Result{}, r.deny(execCtx, call, errkind.KindSchemaInvalid, ReasonUnknown,
			fmt.Sprintf("tool %q is not registered", call.Name), start)
	}

	if err := ValidateArgs(def.Schema, call.Args); err != nil {
		return Result{}, r.deny(execCtx, call, errkind.KindSchemaInvalid, ReasonSchemaInvalid, err.Error(), start)
	}

	if reason, detail, allowed := r.policy.Check(call.Name, call.Args); !allowed {
		return Result{}, r.deny(execCtx, call, errkind.KindPolicyDenied, reason, detail, start)
	}

	if def.RiskLevel == RiskHigh || def.RequiresApproval {
		approved, detail, err := r.gate.Check(ctx, ApprovalRequest{
			Tool:      call.Name,
			SessionID: execCtx.sessionID(),
			RunID:     execCtx.runID(),
			Risk:      def.RiskLevel,
			Args:      call.Args,
		})
		if err != nil {
			return Result{}, r.deny(execCtx, call, errkind.KindPolicyDenied, ReasonApprovalRequired,
				fmt.Sprintf("approval check failed: %v", err), start)
		}
		if !approved {
			return Result{}, r.deny(execCtx, call, errkind.KindPolicyDenied, ReasonApprovalRequired, detail, start)
		}
	}

	result, err := r.executeWithTimeout(ctx, def, call, execCtx)
	elapsed := r.now().Sub(start)

	switch {
	case err == nil && !result.IsError:
		r.log(execCtx, call, DecisionExecuted, ReasonExecuted, "", elapsed)
		return result, nil
	case err == nil:
		r.log(execCtx, call, DecisionFailed, ReasonFailed, result.Content, elapsed)
		return result, nil
	case errkind.KindOf(err) == errkind.KindTimeout:
		r.log(execCtx, call, DecisionDenied, ReasonTimeout, err.Error(), elapsed)
		return Result{}, err
	case errors.Is(err, context.Canceled) || errors.Is(err, errkind.ErrCancelled):
		r.log(execCtx, call, DecisionFailed, ReasonCancelled, err.Error(), elapsed)
		return Result{}, err
	case errkind.IsFatal(err):
		r.log(execCtx, call, DecisionFailed, ReasonFailed, err.Error(), elapsed)
		return Result{}, err
	default:
		// Non-fatal tool failure: surface to the model as a tool error.
		r.log(execCtx, call, DecisionFailed, ReasonFailed, err.Error(), elapsed)
		return Result{Content: err.Error(), IsError: true}, nil
	}
}

type execOutcome struct {
	result Result
	err    error
}

// executeWithTimeout runs the tool under its timeout. The result channel
// is buffered and the send non-blocking so an abandoned execution cannot
// leak its goroutine.
func (r *Router) executeWithTimeout(ctx context.Context, def Definition, call Call, execCtx *ExecContext) (Result, error) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	execCtxT, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan execOutcome, 1)
	go func() {
		result, err := def.Execute(execCtxT, call.Args, execCtx)
		select {
		case resultCh <- execOutcome{result: result, err: err}:
		default:
		}
	}()

	select {
	case outcome := <-resultCh:
		return outcome.result, outcome.err
	case <-execCtxT.Done():
		if errors.Is(execCtxT.Err(), context.DeadlineExceeded) {
			return Result{}, errkind.Newf(errkind.KindTimeout, "tools.execute",
				"tool %q exceeded %s", call.Name, timeout).WithReason(ReasonTimeout)
		}
		return Result{}, errkind.New(errkind.KindPolicyDenied, "tools.execute", errkind.ErrCancelled).
			WithReason(ReasonCancelled)
	}
}

func (r *Router) deny(execCtx *ExecContext, call Call, kind errkind.Kind, reason errkind.ReasonCode, detail string, start time.Time) error {
	elapsed := r.now().Sub(start)
	r.log(execCtx, call, DecisionDenied, reason, detail, elapsed)
	return errkind.Newf(kind, "tools.execute", "%s", detail).WithReason(reason)
}

func (r *Router) log(execCtx *ExecContext, call Call, decision string, reason errkind.ReasonCode, detail string, elapsed time.Duration) {
	execCtx.append(DecisionLog{
		Tool:     call.Name,
		CallID:   call.ID,
		Decision: decision,
		Reason:   reason,
		Detail:   detail,
		At:       r.now(),
	})
	r.logger.Debug("tool call routed",
		"tool", call.Name, "decision", decision, "reason", string(reason), "elapsed", elapsed)
	if r.observer != nil {
		r.observer(call.Name, reason, elapsed)
	}
}

func (c *ExecContext) sessionID() string {
	if c == nil {
		return ""
	}
	return c.SessionID
}

func (c *ExecContext) runID() string {
	if c == nil {
		return ""
	}
	return c.RunID
}
