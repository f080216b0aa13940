package tools

import (
	"context"
	"encoding/json"
)

// ApprovalRequest describes a call awaiting a human or policy decision.
type ApprovalRequest struct {
	Tool      string
	SessionID string
	RunID     string
	Risk      RiskLevel
	Args      json.RawMessage
}

// ApprovalGate decides whether a high-risk call may proceed. detail is
// recorded in the decision log either way.
type ApprovalGate interface {
	Check(ctx context.Context, req ApprovalRequest) (approved bool, detail string, err error)
}

// ApprovalGateFunc adapts a function to an ApprovalGate.
type ApprovalGateFunc func(ctx context.Context, req ApprovalRequest) (bool, string, error)

// Check invokes the function.
func (f ApprovalGateFunc) Check(ctx context.Context, req ApprovalRequest) (bool, string, error) {
	return f(ctx, req)
}

// AllowAllApprovalGate approves every request. Intended for trusted local
// setups and tests.
type AllowAllApprovalGate struct{}

// Check always approves.
func (AllowAllApprovalGate) Check(ctx context.Context, req ApprovalRequest) (bool, string, error) {
	return true, "auto-approved", nil
}

// AlwaysDenyApprovalGate denies every request. The default when no gate
// is configured, so high-risk tools fail closed.
type AlwaysDenyApprovalGate struct{}

// Check always denies.
func (AlwaysDenyApprovalGate) Check(ctx context.Context, req ApprovalRequest) (bool, string, error) {
	return false, "no approver available", nil
}
