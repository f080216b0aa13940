package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("Logging.Level = %q, want debug", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Fatalf("Logging.Format = %q, want json", cfg.Logging.Format)
	}
	if cfg.Memory.MaxRecords != 500 {
		t.Fatalf("Memory.MaxRecords = %d, want 500", cfg.Memory.MaxRecords)
	}
	if cfg.Memory.EmbeddingDimensions != 128 {
		t.Fatalf("Memory.EmbeddingDimensions = %d, want 128", cfg.Memory.EmbeddingDimensions)
	}
	if cfg.Turn.MaxUserMessages != 8 {
		t.Fatalf("Turn.MaxUserMessages = %d, want 8", cfg.Turn.MaxUserMessages)
	}
	if cfg.Turn.PluginTimeout != 2500*time.Millisecond {
		t.Fatalf("Turn.PluginTimeout = %v, want 2.5s", cfg.Turn.PluginTimeout)
	}
	if cfg.Budget.HourlyLimit != 6 || cfg.Budget.DailyLimit != 20 {
		t.Fatalf("Budget limits = %d/%d, want 6/20", cfg.Budget.HourlyLimit, cfg.Budget.DailyLimit)
	}
	if cfg.Queue.Backend != "file" {
		t.Fatalf("Queue.Backend = %q, want file", cfg.Queue.Backend)
	}
	if cfg.Heartbeat.Every != 30*time.Minute {
		t.Fatalf("Heartbeat.Every = %v, want 30m", cfg.Heartbeat.Every)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("OTTO_TEST_ROOT", "/srv/otto-profile")
	path := writeConfig(t, "config.yaml", `
profile_root: ${OTTO_TEST_ROOT}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ProfileRoot != "/srv/otto-profile" {
		t.Fatalf("ProfileRoot = %q, want /srv/otto-profile", cfg.ProfileRoot)
	}
}

func TestLoadWithIncludesMerges(t *testing.T) {
	dir := t.TempDir()
	writeFileIn(t, dir, "base.yaml", `
logging:
  level: warn
budget:
  hourly_limit: 3
`)
	main := writeFileIn(t, dir, "config.yaml", `
$include: base.yaml
budget:
  daily_limit: 12
`)

	cfg, err := LoadWithIncludes(main)
	if err != nil {
		t.Fatalf("LoadWithIncludes() error = %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Fatalf("Logging.Level = %q, want warn (from include)", cfg.Logging.Level)
	}
	if cfg.Budget.HourlyLimit != 3 {
		t.Fatalf("Budget.HourlyLimit = %d, want 3 (from include)", cfg.Budget.HourlyLimit)
	}
	if cfg.Budget.DailyLimit != 12 {
		t.Fatalf("Budget.DailyLimit = %d, want 12 (from main)", cfg.Budget.DailyLimit)
	}
}

func TestLoadWithIncludesJSON5(t *testing.T) {
	dir := t.TempDir()
	writeFileIn(t, dir, "extra.json5", `{
  // json5 comments are allowed
  heartbeat: { channel: "ops" },
}`)
	main := writeFileIn(t, dir, "config.yaml", `
$include: extra.json5
`)

	cfg, err := LoadWithIncludes(main)
	if err != nil {
		t.Fatalf("LoadWithIncludes() error = %v", err)
	}
	if cfg.Heartbeat.Channel != "ops" {
		t.Fatalf("Heartbeat.Channel = %q, want ops", cfg.Heartbeat.Channel)
	}
}

func TestLoadWithIncludesDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeFileIn(t, dir, "a.yaml", `
$include: b.yaml
`)
	b := writeFileIn(t, dir, "b.yaml", `
$include: a.yaml
`)

	_, err := LoadWithIncludes(b)
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadWithIncludesRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
loggin:
  level: debug
`)

	if _, err := LoadWithIncludes(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, key := range []string{"profile_root", "heartbeat", "quiet_hours", "max_user_messages"} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("schema missing %q", key)
		}
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFileIn(t, t.TempDir(), name, contents)
}

func writeFileIn(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
