package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "status", "state", "memory", "cron", "validate", "config"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

// writeTestConfig points the profile root at a temp dir and returns the
// config path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "otto.yaml")
	cfg := "profile_root: " + filepath.Join(dir, "profile") + "\n"
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestCronAddListRemove(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "cron", "add", "--config", cfgPath,
		"--type", "every", "--expression", "5m", "digest")
	if err != nil {
		t.Fatalf("cron add: %v", err)
	}
	if !strings.Contains(out, "digest") {
		t.Fatalf("cron add output %q does not mention the job id", out)
	}

	out, err = runCLI(t, "cron", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("cron list: %v", err)
	}
	if !strings.Contains(out, "digest") || !strings.Contains(out, "every") {
		t.Fatalf("cron list output %q missing the added job", out)
	}

	if _, err := runCLI(t, "cron", "remove", "--config", cfgPath, "digest"); err != nil {
		t.Fatalf("cron remove: %v", err)
	}
	out, err = runCLI(t, "cron", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("cron list after remove: %v", err)
	}
	if !strings.Contains(out, "No jobs.") {
		t.Fatalf("cron list output %q, want empty table", out)
	}
}

func TestCronAddRejectsBadExpression(t *testing.T) {
	cfgPath := writeTestConfig(t)

	if _, err := runCLI(t, "cron", "add", "--config", cfgPath,
		"--type", "every", "--expression", "not-a-duration", "bad"); err == nil {
		t.Fatal("cron add with a bad expression succeeded, want error")
	}
}

func TestStatusReportsFreshProfile(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "status", "--config", cfgPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"memoryRecords": 0`) {
		t.Fatalf("status output %q, want zero memory records", out)
	}
	if !strings.Contains(out, "autonomy-state.json") {
		t.Fatalf("status output %q should list autonomy-state.json as missing", out)
	}
}

func TestStateRejectsUnknownFile(t *testing.T) {
	cfgPath := writeTestConfig(t)

	if _, err := runCLI(t, "state", "--config", cfgPath, "nonsense"); err == nil {
		t.Fatal("state with unknown name succeeded, want error")
	}
}

func TestValidatePassesWithLocalAdapter(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := runCLI(t, "validate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("validate: %v\noutput: %s", err, out)
	}
	if !strings.Contains(out, "PASS") {
		t.Fatalf("validate output %q, want PASS", out)
	}
}

func TestConfigSchemaPrintsJSON(t *testing.T) {
	out, err := runCLI(t, "config", "schema")
	if err != nil {
		t.Fatalf("config schema: %v", err)
	}
	if !strings.Contains(out, "profile_root") {
		t.Fatalf("schema output %q missing profile_root property", out)
	}
}
