package turn

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/model"
)

// contextSectionMaxChars caps each memory context section. Sections keep
// their tail because newer entries sit at the end of every memory file.
const contextSectionMaxChars = 4000

// DirectiveConflictFunc inspects retained user messages and returns the
// subjects given contradictory instructions. The default heuristic is
// deliberately simple; install a smarter one with
// WithDirectiveConflictFunc.
type DirectiveConflictFunc func(messages []model.Message) []string

// assemblePrompt builds the full message list for the adapter: system
// guidance, memory context, synthesized plugin context, policy notes,
// then the retained conversation.
func (r *Runtime) assemblePrompt(ctx context.Context, req Request) ([]model.Message, int) {
	var prompt []model.Message
	if r.systemPrompt != "" {
		prompt = append(prompt, model.Message{Role: model.RoleSystem, Content: r.systemPrompt})
	}
	if mem := r.memoryContext(ctx); mem != "" {
		prompt = append(prompt, model.Message{Role: model.RoleSystem, Content: mem})
	}

	extra, diagnostics := r.runPlugins(ctx, req)
	prompt = append(prompt, extra...)

	retained, note := applyFreshness(req.Messages, r.maxUserMessages)
	if note != "" {
		prompt = append(prompt, model.Message{Role: model.RoleSystem, Content: note})
	}
	if conflicts := r.conflictFn(retained); len(conflicts) > 0 {
		prompt = append(prompt, model.Message{
			Role:    model.RoleSystem,
			Content: "Conflicting directives found: " + strings.Join(conflicts, "; "),
		})
	}

	return append(prompt, retained...), diagnostics
}

// memoryContext renders long-term memory, the last two daily logs, and
// recent records into one system message. Empty when nothing is stored.
func (r *Runtime) memoryContext(ctx context.Context) string {
	var sections []string

	if long := strings.TrimSpace(r.store.LongMemory()); long != "" {
		sections = append(sections, "Long-term memory:\n"+tailChars(long, contextSectionMaxChars))
	}
	for i, day := range r.store.RecentDailyLogs(2) {
		day = strings.TrimSpace(dropSecretLines(day))
		if day == "" {
			continue
		}
		sections = append(sections, fmt.Sprintf("Daily log %d:\n%s", i+1, tailChars(day, contextSectionMaxChars)))
	}

	records, err := r.store.ReadAll(ctx, memory.ReadOptions{Limit: r.memoryContextRecords})
	if err == nil && len(records) > 0 {
		var b strings.Builder
		b.WriteString("Recent memory records:")
		for _, rec := range records {
			if rec.IsMarker() {
				continue
			}
			fmt.Fprintf(&b, "\n- [%s] %s", rec.Category, rec.Text)
		}
		sections = append(sections, b.String())
	}

	if len(sections) == 0 {
		return ""
	}
	return "Memory context.\n\n" + strings.Join(sections, "\n\n")
}

// runPlugins executes the collector, analyzer, and synthesizer pipeline.
// Each call is bounded by the plugin timeout; failures are logged, count
// as diagnostics, and never abort the turn.
func (r *Runtime) runPlugins(ctx context.Context, req Request) ([]model.Message, int) {
	diagnostics := 0

	var artifacts []Artifact
	for _, c := range r.collectors {
		got, err := collectWithTimeout(ctx, c, req, r.pluginTimeout)
		if err != nil {
			diagnostics++
			r.logger.Warn("collector failed", "plugin", c.Name(), "error", err)
			continue
		}
		artifacts = append(artifacts, got...)
	}

	var insights []Insight
	for _, a := range r.analyzers {
		pluginCtx, cancel := context.WithTimeout(ctx, r.pluginTimeout)
		got, err := a.Analyze(pluginCtx, artifacts)
		cancel()
		if err != nil {
			diagnostics++
			r.logger.Warn("analyzer failed", "plugin", a.Name(), "error", err)
			continue
		}
		insights = append(insights, got...)
	}

	var messages []model.Message
	for _, s := range r.synthesizers {
		pluginCtx, cancel := context.WithTimeout(ctx, r.pluginTimeout)
		got, err := s.Synthesize(pluginCtx, insights)
		cancel()
		if err != nil {
			diagnostics++
			r.logger.Warn("synthesizer failed", "plugin", s.Name(), "error", err)
			continue
		}
		for _, m := range got {
			m.Role = model.RoleSystem
			messages = append(messages, m)
		}
	}

	return messages, diagnostics
}

// collectWithTimeout runs one collector under its deadline. The timeout
// applies per plugin so one slow collector cannot starve the rest.
func collectWithTimeout(ctx context.Context, c Collector, req Request, timeout time.Duration) ([]Artifact, error) {
	pluginCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		artifacts []Artifact
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		got, err := c.Collect(pluginCtx, req.Session)
		done <- outcome{artifacts: got, err: err}
	}()

	select {
	case out := <-done:
		return out.artifacts, out.err
	case <-pluginCtx.Done():
		return nil, pluginCtx.Err()
	}
}

// applyFreshness trims the conversation to the newest max user messages.
// The retained slice starts at the oldest kept user message, so paired
// assistant and tool messages survive with their user message. A non-empty
// note reports the policy application.
func applyFreshness(messages []model.Message, max int) ([]model.Message, string) {
	total := model.UserMessageCount(messages)
	if max <= 0 || total <= max {
		return messages, ""
	}

	drop := total - max
	seen := 0
	start := 0
	for i, m := range messages {
		if m.Role != model.RoleUser {
			continue
		}
		seen++
		if seen == drop+1 {
			start = i
			break
		}
	}

	note := fmt.Sprintf("Context freshness policy retained %d of %d messages", max, total)
	return messages[start:], note
}

// defaultDirectiveConflicts pairs "always X"/"use X" style instructions
// with "never X"/"don't X" counterparts across user messages and reports
// subjects that occur with both polarities.
func defaultDirectiveConflicts(messages []model.Message) []string {
	type polarity struct{ positive, negative bool }
	subjects := make(map[string]*polarity)

	note := func(subject string, positive bool) {
		subject = normalizeSubject(subject)
		if subject == "" {
			return
		}
		p := subjects[subject]
		if p == nil {
			p = &polarity{}
			subjects[subject] = p
		}
		if positive {
			p.positive = true
		} else {
			p.negative = true
		}
	}

	for _, m := range messages {
		if m.Role != model.RoleUser {
			continue
		}
		for _, line := range strings.Split(strings.ToLower(m.Content), "\n") {
			s := strings.TrimSpace(line)
			switch {
			case strings.HasPrefix(s, "always "):
				note(strings.TrimPrefix(s, "always "), true)
			case strings.HasPrefix(s, "never "):
				note(strings.TrimPrefix(s, "never "), false)
			case strings.HasPrefix(s, "don't "):
				note(strings.TrimPrefix(s, "don't "), false)
			case strings.HasPrefix(s, "do not "):
				note(strings.TrimPrefix(s, "do not "), false)
			}
		}
	}

	var conflicts []string
	for subject, p := range subjects {
		if p.positive && p.negative {
			conflicts = append(conflicts, fmt.Sprintf("%q", subject))
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

func normalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".!?,;:")
	return strings.Join(strings.Fields(s), " ")
}

// dropSecretLines removes secret-sensitivity record lines from raw daily
// log content. Daily logs mirror every append, so the prompt-side read
// has to filter what the model must never see.
func dropSecretLines(content string) string {
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "{") {
			if rec, err := memory.ParseLine(line); err == nil && rec.Provenance.Sensitivity == memory.SensitivitySecret {
				continue
			}
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// tailChars keeps the last n characters of s, cutting at a line boundary
// when one is close.
func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[len(s)-n:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return cut
}
