// Package tools routes model-requested tool calls through a fixed
// pipeline: name resolution, argument schema validation, policy checks,
// approval gating, and timeout-bounded execution. Every decision the
// pipeline takes is appended to the call's execution context so a turn
// leaves a complete audit trail.
package tools

import (
	"context"
	"encoding/json"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/otto/internal/errkind"
)

// RiskLevel classifies how dangerous a tool is when misused.
type RiskLevel string

const (
	// RiskLow tools run without approval.
	RiskLow RiskLevel = "low"
	// RiskHigh tools go through the approval gate before every call.
	RiskHigh RiskLevel = "high"
)

// Decision reason codes recorded in decision logs and carried on errors.
const (
	ReasonExecuted          errkind.ReasonCode = "TOOL_EXECUTED"
	ReasonFailed            errkind.ReasonCode = "TOOL_FAILED"
	ReasonUnknown           errkind.ReasonCode = "TOOL_UNKNOWN"
	ReasonSchemaInvalid     errkind.ReasonCode = "TOOL_SCHEMA_INVALID"
	ReasonPolicyBlocked     errkind.ReasonCode = "TOOL_POLICY_BLOCKED"
	ReasonDestructiveDenied errkind.ReasonCode = "TOOL_DESTRUCTIVE_DENIED"
	ReasonApprovalRequired  errkind.ReasonCode = "TOOL_APPROVAL_REQUIRED"
	ReasonTimeout           errkind.ReasonCode = "TOOL_TIMEOUT"
	ReasonCancelled         errkind.ReasonCode = "TOOL_CANCELLED"
)

// Decision outcomes for the audit log.
const (
	DecisionExecuted = "executed"
	DecisionDenied   = "denied"
	DecisionFailed   = "failed"
)

const maxToolNameLength = 256

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// ExecuteFunc is a tool implementation. args have already passed schema
// validation when the router invokes it.
type ExecuteFunc func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string
	Description string

	// Schema is a JSON Schema for the call arguments. Empty skips
	// validation.
	Schema json.RawMessage

	// RiskLevel defaults to RiskLow.
	RiskLevel RiskLevel

	// RequiresApproval forces the approval gate even for low-risk tools.
	RequiresApproval bool

	// Timeout bounds one execution. Zero uses the router default.
	Timeout time.Duration

	Execute ExecuteFunc
}

// Validate checks a definition before registration.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errkind.Newf(errkind.KindSchemaInvalid, "tools.register", "tool name is empty")
	}
	if len(d.Name) > maxToolNameLength {
		return errkind.Newf(errkind.KindSchemaInvalid, "tools.register", "tool name exceeds %d bytes", maxToolNameLength)
	}
	if !toolNamePattern.MatchString(d.Name) {
		return errkind.Newf(errkind.KindSchemaInvalid, "tools.register", "tool name %q has invalid characters", d.Name)
	}
	if d.Execute == nil {
		return errkind.Newf(errkind.KindSchemaInvalid, "tools.register", "tool %q has no execute function", d.Name)
	}
	switch d.RiskLevel {
	case "", RiskLow, RiskHigh:
	default:
		return errkind.Newf(errkind.KindSchemaInvalid, "tools.register", "tool %q has unknown risk level %q", d.Name, d.RiskLevel)
	}
	if len(d.Schema) > 0 {
		if _, err := compileSchema(d.Schema); err != nil {
			return errkind.New(errkind.KindSchemaInvalid, "tools.register", err)
		}
	}
	return nil
}

// Call is one model-requested tool invocation.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Result is what a tool hands back to the model.
type Result struct {
	Content string
	IsError bool
}

// DecisionLog is one audit entry for a tool call.
type DecisionLog struct {
	AuditID  string             `json:"auditId"`
	Tool     string             `json:"tool"`
	CallID   string             `json:"callId,omitempty"`
	Decision string             `json:"decision"`
	Reason   errkind.ReasonCode `json:"reasonCode"`
	Detail   string             `json:"detail,omitempty"`
	At       time.Time          `json:"at"`
}

// ExecContext carries per-turn identity into tool executions and collects
// the decision log. Safe for concurrent use.
type ExecContext struct {
	SessionID string
	RunID     string

	mu        sync.Mutex
	decisions []DecisionLog
}

// NewExecContext builds an execution context for one run.
func NewExecContext(sessionID, runID string) *ExecContext {
	return &ExecContext{SessionID: sessionID, RunID: runID}
}

func (c *ExecContext) append(log DecisionLog) {
	if c == nil {
		return
	}
	if log.AuditID == "" {
		log.AuditID = uuid.NewString()
	}
	c.mu.Lock()
	c.decisions = append(c.decisions, log)
	c.mu.Unlock()
}

// Decisions returns a copy of the audit trail in call order.
func (c *ExecContext) Decisions() []DecisionLog {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DecisionLog, len(c.decisions))
	copy(out, c.decisions)
	return out
}
