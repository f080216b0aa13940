package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// display.go renders tool calls as one-line human summaries for
// lifecycle events and log lines. The builtin exec tool gets a curated
// entry; everything else falls back to a title-cased name plus whatever
// well-known argument keys the call carries.

// DisplaySpec names a tool for humans and lists the argument keys worth
// surfacing in its summary line, in order.
type DisplaySpec struct {
	Title      string
	Label      string
	DetailKeys []string
}

var displaySpecs = map[string]DisplaySpec{
	"exec": {
		Title:      "Exec",
		Label:      "Running",
		DetailKeys: []string{"command", "args", "cwd"},
	},
}

// genericDetailKeys are tried, in order, for tools without a curated
// spec. Embedder-registered tools tend to use one of these for their
// primary argument.
var genericDetailKeys = []string{"query", "path", "file_path", "url", "pattern", "id", "name"}

const (
	maxDetailEntries  = 3
	maxDetailValueLen = 80
)

// DisplayFor resolves the display spec for a tool name, synthesizing a
// title-cased fallback for unknown tools.
func DisplayFor(name string) DisplaySpec {
	normalized := normalizeToolName(name)
	if spec, ok := displaySpecs[normalized]; ok {
		return spec
	}
	return DisplaySpec{Title: displayTitle(normalized), DetailKeys: genericDetailKeys}
}

// CallSummary formats one tool call for humans, e.g.
// "Running: jq · -r .status". Malformed arguments degrade to the bare
// label; they never fail the summary.
func CallSummary(name string, args json.RawMessage) string {
	spec := DisplayFor(name)

	summary := spec.Label
	if summary == "" {
		summary = "Using " + spec.Title
	}

	if detail := callDetail(args, spec.DetailKeys); detail != "" {
		summary += ": " + detail
	}
	return summary
}

func callDetail(args json.RawMessage, keys []string) string {
	if len(args) == 0 || len(keys) == 0 {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return ""
	}

	var parts []string
	for _, key := range keys {
		if len(parts) >= maxDetailEntries {
			break
		}
		value, ok := decoded[key]
		if !ok {
			continue
		}
		s := coerceDisplayValue(value)
		if s == "" {
			continue
		}
		parts = append(parts, clipDetail(shortenHomePath(s)))
	}
	return strings.Join(parts, " · ")
}

// normalizeToolName lowercases and strips namespacing so "srv__web_tool"
// and "srv.web" both resolve as "web".
func normalizeToolName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if i := strings.LastIndex(normalized, "__"); i >= 0 {
		normalized = normalized[i+2:]
	}
	if i := strings.LastIndex(normalized, "."); i >= 0 {
		normalized = normalized[i+1:]
	}
	return strings.TrimSuffix(normalized, "_tool")
}

func displayTitle(normalized string) string {
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return r == '_' || r == '-'
	})
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	if len(words) == 0 {
		return "Tool"
	}
	return strings.Join(words, " ")
}

func coerceDisplayValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case []any:
		var items []string
		for _, item := range v {
			if s := coerceDisplayValue(item); s != "" {
				items = append(items, s)
			}
		}
		return strings.Join(items, " ")
	default:
		// Nested objects carry too much to summarize on one line.
		return ""
	}
}

func clipDetail(s string) string {
	if len(s) <= maxDetailValueLen {
		return s
	}
	return s[:maxDetailValueLen-3] + "..."
}

// shortenHomePath replaces a home-directory prefix with ~ so summaries
// stay readable in narrow log columns.
func shortenHomePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return path
	}
	cleanPath := filepath.Clean(path)
	cleanHome := filepath.Clean(home)
	if cleanPath == cleanHome {
		return "~"
	}
	if strings.HasPrefix(cleanPath, cleanHome+string(filepath.Separator)) {
		return "~" + cleanPath[len(cleanHome):]
	}
	return path
}
