// Package errkind classifies runtime errors into the stable failure
// categories shared by the schedulers, the turn runtime, and the
// persistence spine. Callers branch on Kind rather than on error strings.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for runtime operations
var (
	// ErrCancelled indicates the turn or run was cancelled cooperatively
	ErrCancelled = errors.New("run cancelled")

	// ErrLockHeld indicates a file lock is held by another worker
	ErrLockHeld = errors.New("lock held")

	// ErrClosed indicates the component has been closed
	ErrClosed = errors.New("component closed")

	// ErrBudgetExhausted indicates the autonomy budget denied a send
	ErrBudgetExhausted = errors.New("autonomy budget exhausted")

	// ErrQuietHours indicates sends are suppressed by quiet hours
	ErrQuietHours = errors.New("quiet hours active")
)

// Kind categorizes an error for recovery decisions. The set is stable:
// callers may persist and compare kinds across releases.
type Kind string

const (
	// KindSchemaInvalid indicates malformed tool arguments or config
	KindSchemaInvalid Kind = "schema_invalid"

	// KindPolicyDenied indicates a policy engine, approval gate, budget,
	// or rate limit refused the operation
	KindPolicyDenied Kind = "policy_denied"

	// KindTimeout indicates a model, tool, or plugin deadline elapsed
	KindTimeout Kind = "timeout"

	// KindTransient indicates an I/O or connection failure that a bounded
	// retry may resolve
	KindTransient Kind = "transient"

	// KindIntegrityWarning indicates a memory integrity finding; never fatal
	KindIntegrityWarning Kind = "integrity_warning"

	// KindFatal indicates an internal invariant violation
	KindFatal Kind = "fatal"

	// KindUnknown indicates an unclassified error
	KindUnknown Kind = "unknown"
)

// IsRetryable returns true if this kind suggests retrying may succeed.
// Only transient and timeout failures are retried.
func (k Kind) IsRetryable() bool {
	switch k {
	case KindTransient, KindTimeout:
		return true
	default:
		return false
	}
}

// ReasonCode is a stable machine-readable code attached to policy decisions
// and lifecycle failure events. Components define their own constants of
// this type next to the code that emits them.
type ReasonCode string

const (
	// ReasonCancelled is attached to failed lifecycle events for
	// cooperatively cancelled turns.
	ReasonCancelled ReasonCode = "cancelled"

	// ReasonTimeout is attached when a wall-clock limit elapsed.
	ReasonTimeout ReasonCode = "timeout"

	// ReasonInternal is attached to unclassified internal failures.
	ReasonInternal ReasonCode = "internal"
)

// Error is a classified runtime error with context about the operation
// that produced it.
type Error struct {
	// Kind categorizes the error for recovery logic
	Kind Kind

	// Op names the operation that failed (e.g. "memory.append")
	Op string

	// Reason is the stable decision code, when one applies
	Reason ReasonCode

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))

	if e.Op != "" {
		parts = append(parts, e.Op+":")
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error for an operation.
func New(kind Kind, op string, cause error) *Error {
	err := &Error{
		Kind:  kind,
		Op:    op,
		Cause: cause,
	}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// Newf creates a classified error with a formatted message and no cause.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithReason attaches a decision reason code.
func (e *Error) WithReason(code ReasonCode) *Error {
	e.Reason = code
	return e
}

// KindOf extracts the kind from an error chain. Unwrapped errors are
// classified by content as a fallback.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return Classify(err)
}

// ReasonOf extracts the decision reason code from an error chain, falling
// back to a kind-derived code.
func ReasonOf(err error) ReasonCode {
	var classified *Error
	if errors.As(err, &classified) && classified.Reason != "" {
		return classified.Reason
	}
	switch KindOf(err) {
	case KindTimeout:
		return ReasonTimeout
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
			return ReasonCancelled
		}
		return ReasonInternal
	}
}

// IsRetryable reports whether an error chain is worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err).IsRetryable()
}

// Classify determines the kind from the error content when no *Error is
// present in the chain.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return KindPolicyDenied
	}
	if errors.Is(err, ErrBudgetExhausted) || errors.Is(err, ErrQuietHours) {
		return KindPolicyDenied
	}

	errStr := strings.ToLower(err.Error())

	// Timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") {
		return KindTimeout
	}

	// Transient I/O patterns
	if strings.Contains(errStr, "connection") ||
		strings.Contains(errStr, "reset by peer") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "temporarily unavailable") ||
		strings.Contains(errStr, "too many open files") ||
		strings.Contains(errStr, "interrupted system call") {
		return KindTransient
	}

	// Policy patterns
	if strings.Contains(errStr, "permission") ||
		strings.Contains(errStr, "denied") ||
		strings.Contains(errStr, "forbidden") ||
		strings.Contains(errStr, "not allowed") {
		return KindPolicyDenied
	}

	// Schema patterns
	if strings.Contains(errStr, "invalid") ||
		strings.Contains(errStr, "validation") ||
		strings.Contains(errStr, "unmarshal") ||
		strings.Contains(errStr, "missing required") {
		return KindSchemaInvalid
	}

	return KindUnknown
}

// IsFatal reports whether the error chain contains an invariant violation
// that should halt new work.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
