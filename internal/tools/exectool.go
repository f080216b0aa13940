package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExecParams are the arguments of the builtin exec tool.
type ExecParams struct {
	Command   string   `json:"command" jsonschema:"description=Binary name to run (no shell, must be allowlisted)"`
	Args      []string `json:"args,omitempty" jsonschema:"description=Arguments passed verbatim to the binary"`
	Cwd       string   `json:"cwd,omitempty" jsonschema:"description=Working directory"`
	TimeoutMs int      `json:"timeoutMs,omitempty" jsonschema:"description=Per-call timeout in milliseconds"`
}

// NewExecTool builds the builtin process-runner tool. It is high risk and
// approval-gated; the sandbox enforces the binary allowlist and output cap.
func NewExecTool(sandbox ExecSandbox) Definition {
	return Definition{
		Name:             "exec",
		Description:      "Run an allowlisted executable as a direct child process, without a shell.",
		Schema:           MustSchemaFor(ExecParams{}),
		RiskLevel:        RiskHigh,
		RequiresApproval: true,
		Execute: func(ctx context.Context, args json.RawMessage, execCtx *ExecContext) (Result, error) {
			var params ExecParams
			if err := json.Unmarshal(args, &params); err != nil {
				return Result{}, fmt.Errorf("decode exec params: %w", err)
			}
			req := ExecRequest{
				Command: params.Command,
				Args:    params.Args,
				Cwd:     params.Cwd,
			}
			if params.TimeoutMs > 0 {
				req.Timeout = time.Duration(params.TimeoutMs) * time.Millisecond
			}
			res, err := sandbox.Run(ctx, req)
			if err != nil {
				return Result{}, err
			}
			return Result{Content: formatExecResult(res), IsError: res.Code != 0}, nil
		},
	}
}

func formatExecResult(res ExecResult) string {
	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: ")
		b.WriteString(res.Stderr)
	}
	if res.Code != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "exit code: %d", res.Code)
	}
	if res.Truncated {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("(output truncated)")
	}
	if b.Len() == 0 {
		return "ok"
	}
	return b.String()
}
