package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

func echoTool(name string) Definition {
	return Definition{
		Name:        name,
		Description: "echoes its input",
		Execute: func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error) {
			return Result{Content: string(args)}, nil
		},
	}
}

func TestRouter_RegisterValidates(t *testing.T) {
	r := NewRouter()
	tests := []struct {
		name string
		def  Definition
	}{
		{"empty name", Definition{Execute: echoTool("x").Execute}},
		{"bad characters", echoTool("sh -c")},
		{"nil execute", Definition{Name: "noop"}},
		{"bad schema", Definition{Name: "bad", Schema: json.RawMessage(`{"type":`), Execute: echoTool("x").Execute}},
		{"bad risk level", Definition{Name: "risky", RiskLevel: RiskLevel("medium"), Execute: echoTool("x").Execute}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.def); err == nil {
				t.Errorf("Register(%q) accepted invalid definition", tt.def.Name)
			}
		})
	}

	if err := r.Register(echoTool("memory.search")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, ok := r.Get("memory.search"); !ok {
		t.Error("registered tool not found")
	}
}

func TestRouter_ExecuteUnknownTool(t *testing.T) {
	r := NewRouter()
	execCtx := NewExecContext("s1", "r1")
	_, err := r.Execute(context.Background(), Call{Name: "ghost"}, execCtx)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if got := errkind.ReasonOf(err); got != ReasonUnknown {
		t.Errorf("reason = %q, want %q", got, ReasonUnknown)
	}
	decisions := execCtx.Decisions()
	if len(decisions) != 1 || decisions[0].Decision != DecisionDenied || decisions[0].Reason != ReasonUnknown {
		t.Errorf("decisions = %+v, want one denied TOOL_UNKNOWN entry", decisions)
	}
	if decisions[0].AuditID == "" {
		t.Error("decision log missing audit id")
	}
}

func TestRouter_SchemaValidation(t *testing.T) {
	r := NewRouter()
	def := echoTool("files.read")
	def.Schema = json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"],
		"additionalProperties": false
	}`)
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	_, err := r.Execute(context.Background(), Call{Name: "files.read", Args: json.RawMessage(`{"path": 42}`)}, execCtx)
	if err == nil {
		t.Fatal("expected schema error")
	}
	if got := errkind.ReasonOf(err); got != ReasonSchemaInvalid {
		t.Errorf("reason = %q, want %q", got, ReasonSchemaInvalid)
	}
	if got := errkind.KindOf(err); got != errkind.KindSchemaInvalid {
		t.Errorf("kind = %q, want %q", got, errkind.KindSchemaInvalid)
	}

	res, err := r.Execute(context.Background(), Call{Name: "files.read", Args: json.RawMessage(`{"path": "a.txt"}`)}, execCtx)
	if err != nil {
		t.Fatalf("Execute() with valid args error = %v", err)
	}
	if res.IsError {
		t.Errorf("Result.IsError = true, want false")
	}
}

func TestRouter_PolicyAllowlist(t *testing.T) {
	policy, err := NewPolicy([]string{"memory.*"}, nil)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	r := NewRouter(WithPolicy(policy))
	if err := r.Register(echoTool("exec")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(echoTool("memory.search")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	_, err = r.Execute(context.Background(), Call{Name: "exec"}, execCtx)
	if got := errkind.ReasonOf(err); got != ReasonPolicyBlocked {
		t.Errorf("reason = %q, want %q", got, ReasonPolicyBlocked)
	}
	if _, err := r.Execute(context.Background(), Call{Name: "memory.search"}, execCtx); err != nil {
		t.Errorf("allowlisted tool error = %v", err)
	}
}

func TestRouter_DestructiveDenied(t *testing.T) {
	policy, err := NewPolicy(nil, []string{`rm\s+-rf`, `DROP\s+TABLE`})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	r := NewRouter(WithPolicy(policy))
	if err := r.Register(echoTool("exec")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	_, err = r.Execute(context.Background(),
		Call{Name: "exec", Args: json.RawMessage(`{"command":"rm -rf /"}`)}, execCtx)
	if got := errkind.ReasonOf(err); got != ReasonDestructiveDenied {
		t.Errorf("reason = %q, want %q", got, ReasonDestructiveDenied)
	}
	if got := errkind.KindOf(err); got != errkind.KindPolicyDenied {
		t.Errorf("kind = %q, want %q", got, errkind.KindPolicyDenied)
	}
}

func TestRouter_HighRiskDeniedWithoutGate(t *testing.T) {
	var executed atomic.Bool
	r := NewRouter() // default gate denies
	def := Definition{
		Name:      "wipe",
		RiskLevel: RiskHigh,
		Execute: func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error) {
			executed.Store(true)
			return Result{Content: "done"}, nil
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	_, err := r.Execute(context.Background(), Call{Name: "wipe"}, execCtx)
	if err == nil {
		t.Fatal("expected approval denial")
	}
	if got := errkind.ReasonOf(err); got != ReasonApprovalRequired {
		t.Errorf("reason = %q, want %q", got, ReasonApprovalRequired)
	}
	if executed.Load() {
		t.Error("tool executed despite denied approval")
	}
}

func TestRouter_ApprovalGateAllows(t *testing.T) {
	var seen ApprovalRequest
	gate := ApprovalGateFunc(func(ctx context.Context, req ApprovalRequest) (bool, string, error) {
		seen = req
		return true, "operator approved", nil
	})
	r := NewRouter(WithApprovalGate(gate))
	def := echoTool("deploy")
	def.RiskLevel = RiskHigh
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("sess-9", "run-3")
	if _, err := r.Execute(context.Background(), Call{Name: "deploy"}, execCtx); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if seen.Tool != "deploy" || seen.SessionID != "sess-9" || seen.RunID != "run-3" {
		t.Errorf("approval request = %+v, want tool/session/run populated", seen)
	}
}

func TestRouter_Timeout(t *testing.T) {
	r := NewRouter()
	def := Definition{
		Name:    "slow",
		Timeout: 30 * time.Millisecond,
		Execute: func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error) {
			select {
			case <-time.After(5 * time.Second):
				return Result{Content: "late"}, nil
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	_, err := r.Execute(context.Background(), Call{Name: "slow"}, execCtx)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if got := errkind.KindOf(err); got != errkind.KindTimeout {
		t.Errorf("kind = %q, want %q", got, errkind.KindTimeout)
	}
	if got := errkind.ReasonOf(err); got != ReasonTimeout {
		t.Errorf("reason = %q, want %q", got, ReasonTimeout)
	}
}

func TestRouter_ToolErrorSurfacedAsResult(t *testing.T) {
	r := NewRouter()
	def := Definition{
		Name: "flaky",
		Execute: func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error) {
			return Result{}, errors.New("disk full")
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	res, err := r.Execute(context.Background(), Call{Name: "flaky"}, execCtx)
	if err != nil {
		t.Fatalf("Execute() error = %v, want tool error folded into result", err)
	}
	if !res.IsError || res.Content != "disk full" {
		t.Errorf("Result = %+v, want IsError with message", res)
	}
}

func TestRouter_FatalErrorPropagates(t *testing.T) {
	r := NewRouter()
	def := Definition{
		Name: "broken",
		Execute: func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error) {
			return Result{}, errkind.Newf(errkind.KindFatal, "broken.run", "invariant violated")
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	_, err := r.Execute(context.Background(), Call{Name: "broken"}, NewExecContext("s1", "r1"))
	if err == nil {
		t.Fatal("expected fatal error to propagate")
	}
	if !errkind.IsFatal(err) {
		t.Errorf("IsFatal(err) = false for %v", err)
	}
}

func TestRouter_ObserverSeesOutcomes(t *testing.T) {
	var calls atomic.Int64
	var lastReason atomic.Value
	r := NewRouter(WithObserver(func(tool string, reason errkind.ReasonCode, elapsed time.Duration) {
		calls.Add(1)
		lastReason.Store(reason)
	}))
	if err := r.Register(echoTool("ping")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if _, err := r.Execute(context.Background(), Call{Name: "ping"}, NewExecContext("s1", "r1")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("observer calls = %d, want 1", calls.Load())
	}
	if got := lastReason.Load().(errkind.ReasonCode); got != ReasonExecuted {
		t.Errorf("observer reason = %q, want %q", got, ReasonExecuted)
	}
}

func TestRouter_DecisionLogAccumulates(t *testing.T) {
	r := NewRouter()
	if err := r.Register(echoTool("ping")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	execCtx := NewExecContext("s1", "r1")
	ctx := context.Background()
	if _, err := r.Execute(ctx, Call{ID: "c1", Name: "ping"}, execCtx); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	_, _ = r.Execute(ctx, Call{ID: "c2", Name: "ghost"}, execCtx)

	decisions := execCtx.Decisions()
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d entries, want 2", len(decisions))
	}
	if decisions[0].CallID != "c1" || decisions[0].Decision != DecisionExecuted {
		t.Errorf("first decision = %+v", decisions[0])
	}
	if decisions[1].CallID != "c2" || decisions[1].Reason != ReasonUnknown {
		t.Errorf("second decision = %+v", decisions[1])
	}
}

func TestRouter_UnregisterAndList(t *testing.T) {
	r := NewRouter()
	for _, name := range []string{"b", "a", "c"} {
		if err := r.Register(echoTool(name)); err != nil {
			t.Fatalf("Register(%s) error = %v", name, err)
		}
	}
	r.Unregister("b")
	list := r.List()
	if len(list) != 2 || list[0].Name != "a" || list[1].Name != "c" {
		t.Errorf("List() = %v, want [a c]", list)
	}
}
