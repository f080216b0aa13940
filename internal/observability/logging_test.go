package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(LogConfig{})
	if logger == nil {
		t.Fatal("NewLogger() returned nil")
	}
	if logger.config.Level != "info" || logger.config.Format != "json" {
		t.Errorf("defaults = %s/%s, want info/json", logger.config.Level, logger.config.Format)
	}
}

func TestLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "turn completed", "session_id", "dm-42", "iterations", 3)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["msg"] != "turn completed" {
		t.Errorf("msg = %v, want turn completed", entry["msg"])
	}
	if entry["session_id"] != "dm-42" {
		t.Errorf("session_id = %v, want dm-42", entry["session_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})

	ctx := context.Background()
	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	if buf.Len() != 0 {
		t.Fatalf("expected debug/info suppressed at warn level, got %q", buf.String())
	}

	logger.Warn(ctx, "warn message")
	if buf.Len() == 0 {
		t.Fatal("expected warn message to be written")
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	key := "sk-ant-" + strings.Repeat("x", 95)
	logger.Error(context.Background(), "adapter auth failed",
		"error", errors.New("invalid key "+key),
	)

	output := buf.String()
	if strings.Contains(output, key) {
		t.Fatalf("log leaked api key: %s", output)
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Fatalf("expected redaction marker in %s", output)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info(context.Background(), "tool config", "config", map[string]any{
		"endpoint": "https://example.com",
		"api_key":  "super-secret-value",
	})

	output := buf.String()
	if strings.Contains(output, "super-secret-value") {
		t.Fatalf("log leaked map secret: %s", output)
	}
	if !strings.Contains(output, "example.com") {
		t.Fatalf("expected non-sensitive value kept: %s", output)
	}
}

func TestLoggerExtraRedactPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{
		Level:          "info",
		Format:         "json",
		Output:         &buf,
		RedactPatterns: []string{`cred-[0-9]+`},
	})

	logger.Info(context.Background(), "loaded credential cred-9912")
	if strings.Contains(buf.String(), "cred-9912") {
		t.Fatalf("extra pattern not applied: %s", buf.String())
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddRunID(context.Background(), "run-1")
	ctx = AddSessionID(ctx, "dm-42")
	logger.Info(ctx, "streaming")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON output: %v", err)
	}
	if entry["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", entry["run_id"])
	}
	if entry["session_id"] != "dm-42" {
		t.Errorf("session_id = %v, want dm-42", entry["session_id"])
	}
	if GetRunID(ctx) != "run-1" || GetSessionID(ctx) != "dm-42" {
		t.Errorf("context getters returned %q/%q", GetRunID(ctx), GetSessionID(ctx))
	}
}

func TestWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	component := logger.WithFields("component", "cron")
	component.Info(context.Background(), "tick")

	if !strings.Contains(buf.String(), `"component":"cron"`) {
		t.Fatalf("expected component field, got %s", buf.String())
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"bogus", "INFO"},
		{"", "INFO"},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in).String(); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
