package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/haasonsaas/otto/internal/errkind"
)

// Policy gates tool calls before execution. An empty allowlist admits
// every registered tool; destructive patterns are regexes matched against
// the raw argument payload.
type Policy struct {
	allowlist   []string
	destructive []*regexp.Regexp
}

// NewPolicy compiles a policy. Patterns that do not compile are returned
// as errors rather than silently skipped.
func NewPolicy(allowlist, destructivePatterns []string) (*Policy, error) {
	p := &Policy{}
	for _, entry := range allowlist {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			p.allowlist = append(p.allowlist, entry)
		}
	}
	for _, pattern := range destructivePatterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("destructive pattern %q: %w", pattern, err)
		}
		p.destructive = append(p.destructive, re)
	}
	return p, nil
}

// Check returns ok=false with a reason code and detail when the call is
// blocked.
func (p *Policy) Check(name string, args json.RawMessage) (errkind.ReasonCode, string, bool) {
	if p == nil {
		return "", "", true
	}
	if len(p.allowlist) > 0 && !matchesPattern(p.allowlist, name) {
		return ReasonPolicyBlocked, fmt.Sprintf("tool %q not in allowlist", name), false
	}
	if len(p.destructive) > 0 && len(args) > 0 {
		payload := string(args)
		for _, re := range p.destructive {
			if re.MatchString(payload) {
				return ReasonDestructiveDenied, fmt.Sprintf("arguments match destructive pattern %q", re.String()), false
			}
		}
	}
	return "", "", true
}

// matchesPattern reports whether name matches any allowlist entry. An
// entry is an exact name, "*" for everything, or "prefix*".
func matchesPattern(patterns []string, name string) bool {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, pattern := range patterns {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == "" {
			continue
		}
		if p == "*" || p == normalized {
			return true
		}
		if len(p) > 1 && p[len(p)-1] == '*' && strings.HasPrefix(normalized, p[:len(p)-1]) {
			return true
		}
	}
	return false
}
