// Package privacy scrubs secret-bearing text before it reaches logs,
// failure reasons, or durable state.
package privacy

import (
	"regexp"
	"strings"
)

// Redacted replaces matched secrets in scrubbed output.
const Redacted = "[REDACTED]"

// Scrubber removes sensitive spans from text.
type Scrubber interface {
	Scrub(text string) string
}

// DefaultPatterns contains regex patterns for common sensitive data.
var DefaultPatterns = []string{
	// API keys and tokens
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI API keys (48 chars after sk-)
	`sk-[a-zA-Z0-9]{48,}`,

	// JWT tokens
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,

	// Generic hex secrets (32+ chars)
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"private_key":   true,
	"privatekey":    true,
	"auth":          true,
	"authorization": true,
}

// SensitiveKey reports whether a map key names a value that should be
// redacted wholesale rather than pattern-scrubbed.
func SensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(strings.ReplaceAll(key, "-", "_"))]
}

// RegexScrubber applies a pattern list to text. Safe for concurrent use.
type RegexScrubber struct {
	patterns []*regexp.Regexp
}

// NewRegexScrubber compiles DefaultPatterns plus any extra patterns.
// Invalid extra patterns are skipped.
func NewRegexScrubber(extra []string) *RegexScrubber {
	all := make([]string, 0, len(DefaultPatterns)+len(extra))
	all = append(all, DefaultPatterns...)
	all = append(all, extra...)

	patterns := make([]*regexp.Regexp, 0, len(all))
	for _, pattern := range all {
		if re, err := regexp.Compile(pattern); err == nil {
			patterns = append(patterns, re)
		}
	}
	return &RegexScrubber{patterns: patterns}
}

// Scrub replaces every pattern match with the Redacted marker.
func (s *RegexScrubber) Scrub(text string) string {
	for _, re := range s.patterns {
		text = re.ReplaceAllString(text, Redacted)
	}
	return text
}

// NopScrubber passes text through unchanged. Useful in tests.
type NopScrubber struct{}

func (NopScrubber) Scrub(text string) string { return text }
