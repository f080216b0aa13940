package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/haasonsaas/otto/internal/privacy"
)

// Logger provides structured logging with run correlation and sensitive
// data redaction.
//
// Built on Go's slog package:
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - JSON output for production, text for development
//   - Automatic run/session correlation from context
//   - Redaction of secrets before anything hits the sink
//
// Usage:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	logger.Info(ctx, "turn completed", "session_id", "dm-42", "duration_ms", 1200)
type Logger struct {
	logger   *slog.Logger
	config   LogConfig
	scrubber privacy.Scrubber
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stdout)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are extra regexes applied on top of the defaults
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RunIDKey is the context key for turn run ids.
	RunIDKey ContextKey = "run_id"

	// SessionIDKey is the context key for session ids.
	SessionIDKey ContextKey = "session_id"

	// UserIDKey is the context key for user ids.
	UserIDKey ContextKey = "user_id"

	// ChannelKey is the context key for the channel id.
	ChannelKey ContextKey = "channel"
)

// NewLogger creates a structured logger.
//
// If config.Output is nil, logs go to os.Stdout. An empty or invalid
// level defaults to "info"; an empty format defaults to "json".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	return &Logger{
		logger:   slog.New(handler),
		config:   config,
		scrubber: privacy.NewRegexScrubber(config.RedactPatterns),
	}
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
// Error values in args are stringified and redacted like any text.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.scrubber.Scrub(msg)

	redacted := make([]any, len(args))
	for i, arg := range args {
		redacted[i] = l.redactValue(arg)
	}

	attrs := make([]any, 0, len(redacted)+8)
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		attrs = append(attrs, "session_id", sessionID)
	}
	if userID, ok := ctx.Value(UserIDKey).(string); ok && userID != "" {
		attrs = append(attrs, "user_id", userID)
	}
	if channel, ok := ctx.Value(ChannelKey).(string); ok && channel != "" {
		attrs = append(attrs, "channel", channel)
	}
	attrs = append(attrs, redacted...)

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.scrubber.Scrub(val)
	case error:
		return l.scrubber.Scrub(val.Error())
	case []byte:
		return l.scrubber.Scrub(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		return l.redactMap(m)
	default:
		// Fall back to JSON so secrets inside structs still get caught.
		if b, err := json.Marshal(v); err == nil {
			return l.scrubber.Scrub(string(b))
		}
		return v
	}
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	result := make(map[string]any, len(m))
	for k, v := range m {
		if privacy.SensitiveKey(k) {
			result[k] = privacy.Redacted
			continue
		}
		result[k] = l.redactValue(v)
	}
	return result
}

// WithFields returns a new logger with the given fields added to all
// log records.
//
// Example:
//
//	turnLogger := logger.WithFields("component", "turn")
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		logger:   l.logger.With(args...),
		config:   l.config,
		scrubber: l.scrubber,
	}
}

// AddRunID adds a turn run id to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// AddSessionID adds a session id to the context.
func AddSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// AddUserID adds a user id to the context.
func AddUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// AddChannel adds a channel id to the context.
func AddChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// GetRunID retrieves the run id from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// GetSessionID retrieves the session id from the context.
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
