package tools

import (
	"encoding/json"
	"testing"
)

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{[]string{"*"}, "anything", true},
		{[]string{"exec"}, "exec", true},
		{[]string{"exec"}, "Exec", true},
		{[]string{"memory.*"}, "memory.search", true},
		{[]string{"memory.*"}, "files.read", false},
		{[]string{"", "exec"}, "exec", true},
		{nil, "exec", false},
	}
	for _, tt := range tests {
		if got := matchesPattern(tt.patterns, tt.name); got != tt.want {
			t.Errorf("matchesPattern(%v, %q) = %v, want %v", tt.patterns, tt.name, got, tt.want)
		}
	}
}

func TestNewPolicy_BadPattern(t *testing.T) {
	if _, err := NewPolicy(nil, []string{`rm\s+(`}); err == nil {
		t.Error("expected compile error for bad destructive pattern")
	}
}

func TestPolicy_Check(t *testing.T) {
	policy, err := NewPolicy([]string{"memory.*", "exec"}, []string{`rm\s+-rf`})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}

	if _, _, ok := policy.Check("memory.search", nil); !ok {
		t.Error("allowlisted tool blocked")
	}
	reason, _, ok := policy.Check("files.write", nil)
	if ok || reason != ReasonPolicyBlocked {
		t.Errorf("Check(files.write) = %q, %v; want blocked", reason, ok)
	}
	reason, _, ok = policy.Check("exec", json.RawMessage(`{"command": "rm -rf /tmp/x"}`))
	if ok || reason != ReasonDestructiveDenied {
		t.Errorf("Check(destructive) = %q, %v; want destructive denial", reason, ok)
	}
}

func TestPolicy_NilAllowsEverything(t *testing.T) {
	var policy *Policy
	if _, _, ok := policy.Check("anything", nil); !ok {
		t.Error("nil policy should allow")
	}
}
