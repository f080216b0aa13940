package tools

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/errkind"
)

// Command-value safety patterns. Commands run without a shell, so these
// reject values that only make sense as shell injection attempts.
var (
	shellMetachars  = regexp.MustCompile("[;&|`$<>]")
	controlChars    = regexp.MustCompile(`[\r\n]`)
	quoteChars      = regexp.MustCompile(`["']`)
	bareNamePattern = regexp.MustCompile(`^[A-Za-z0-9._+-]+$`)
)

// Sandbox validation errors.
var (
	ErrEmptyCommand  = errors.New("exec command is empty")
	ErrUnsafeCommand = errors.New("exec command contains unsafe characters")
	ErrCommandIsPath = errors.New("exec command must be a bare name, not a path")
	ErrBinNotAllowed = errors.New("exec command not in allowed binaries")
)

// ExecRequest describes one sandboxed process invocation.
type ExecRequest struct {
	Command string
	Args    []string
	Cwd     string

	// Timeout bounds the process. Zero uses the sandbox default.
	Timeout time.Duration

	// MaxBufferBytes caps captured stdout and stderr each. Zero uses the
	// sandbox default.
	MaxBufferBytes int
}

// ExecResult is the captured process outcome.
type ExecResult struct {
	Stdout    string
	Stderr    string
	Code      int
	Truncated bool
}

// ExecSandbox runs external commands on behalf of tools.
type ExecSandbox interface {
	Run(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// ProcessSandbox runs commands as direct child processes: no shell, the
// binary must be an allowlisted bare name, and output is capped.
type ProcessSandbox struct {
	allowed        map[string]struct{}
	defaultTimeout time.Duration
	maxBufferBytes int
	logger         *slog.Logger
}

// SandboxOption configures a ProcessSandbox.
type SandboxOption func(*ProcessSandbox)

// WithSandboxTimeout sets the default process timeout. Default: 30s
func WithSandboxTimeout(d time.Duration) SandboxOption {
	return func(s *ProcessSandbox) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithSandboxMaxBuffer caps captured output per stream. Default: 1MB
func WithSandboxMaxBuffer(n int) SandboxOption {
	return func(s *ProcessSandbox) {
		if n > 0 {
			s.maxBufferBytes = n
		}
	}
}

// WithSandboxLogger sets the logger. Defaults to slog.Default.
func WithSandboxLogger(logger *slog.Logger) SandboxOption {
	return func(s *ProcessSandbox) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewProcessSandbox builds a sandbox that admits only the given binary
// names. An empty allowlist admits nothing.
func NewProcessSandbox(allowedBins []string, opts ...SandboxOption) *ProcessSandbox {
	s := &ProcessSandbox{
		allowed:        make(map[string]struct{}, len(allowedBins)),
		defaultTimeout: defaultExecTimeout,
		maxBufferBytes: 1 << 20,
	}
	for _, bin := range allowedBins {
		bin = strings.TrimSpace(bin)
		if bin != "" {
			s.allowed[bin] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "tools.sandbox")
	}
	return s
}

// Run executes one allowlisted command. Exit codes are reported in the
// result, not as errors; errors mean the command never ran to completion.
func (s *ProcessSandbox) Run(ctx context.Context, req ExecRequest) (ExecResult, error) {
	command, err := sanitizeCommand(req.Command)
	if err != nil {
		return ExecResult{}, errkind.New(errkind.KindPolicyDenied, "sandbox.run", err).
			WithReason(ReasonPolicyBlocked)
	}
	if _, ok := s.allowed[command]; !ok {
		return ExecResult{}, errkind.Newf(errkind.KindPolicyDenied, "sandbox.run",
			"%s: %q", ErrBinNotAllowed, command).WithReason(ReasonPolicyBlocked)
	}
	for _, arg := range req.Args {
		if strings.Contains(arg, "\x00") || controlChars.MatchString(arg) {
			return ExecResult{}, errkind.Newf(errkind.KindPolicyDenied, "sandbox.run",
				"argument contains control characters").WithReason(ReasonPolicyBlocked)
		}
	}

	path, err := exec.LookPath(command)
	if err != nil {
		return ExecResult{}, errkind.Newf(errkind.KindTransient, "sandbox.run",
			"resolve %q: %v", command, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	maxBuffer := req.MaxBufferBytes
	if maxBuffer <= 0 {
		maxBuffer = s.maxBufferBytes
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := newCappedBuffer(maxBuffer)
	stderr := newCappedBuffer(maxBuffer)

	cmd := exec.CommandContext(runCtx, path, req.Args...)
	cmd.Dir = req.Cwd
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return result, errkind.Newf(errkind.KindTimeout, "sandbox.run",
				"command %q exceeded %s", command, timeout).WithReason(ReasonTimeout)
		}
		if runCtx.Err() != nil {
			return result, errkind.New(errkind.KindPolicyDenied, "sandbox.run", errkind.ErrCancelled).
				WithReason(ReasonCancelled)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.Code = exitErr.ExitCode()
			s.logger.Debug("sandbox command exited nonzero",
				"command", command, "code", result.Code, "elapsed", elapsed)
			return result, nil
		}
		return result, errkind.New(errkind.KindTransient, "sandbox.run", runErr)
	}

	s.logger.Debug("sandbox command finished", "command", command, "elapsed", elapsed)
	return result, nil
}

// sanitizeCommand validates that a command is a safe bare binary name.
func sanitizeCommand(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", ErrEmptyCommand
	}
	if strings.Contains(trimmed, "\x00") ||
		controlChars.MatchString(trimmed) ||
		shellMetachars.MatchString(trimmed) ||
		quoteChars.MatchString(trimmed) {
		return "", ErrUnsafeCommand
	}
	if isLikelyPath(trimmed) {
		return "", ErrCommandIsPath
	}
	if strings.HasPrefix(trimmed, "-") || !bareNamePattern.MatchString(trimmed) {
		return "", ErrUnsafeCommand
	}
	return trimmed, nil
}

// isLikelyPath reports whether the value looks like a file path rather
// than a bare binary name.
func isLikelyPath(value string) bool {
	if value == "" {
		return false
	}
	if strings.HasPrefix(value, ".") || strings.HasPrefix(value, "~") {
		return true
	}
	return strings.ContainsAny(value, `/\`)
}

// cappedBuffer keeps the first limit bytes written and drops the rest.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.limit - len(b.buf)
	if remain <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		b.buf = append(b.buf, p[:remain]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
