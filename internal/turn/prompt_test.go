package turn

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/otto/internal/memory"
	"github.com/haasonsaas/otto/internal/model"
)

func conversation(userCount int) []model.Message {
	var out []model.Message
	for i := 0; i < userCount; i++ {
		out = append(out,
			model.Message{Role: model.RoleUser, Content: fmt.Sprintf("question %d", i)},
			model.Message{Role: model.RoleAssistant, Content: fmt.Sprintf("answer %d", i)},
		)
	}
	return out
}

func TestApplyFreshness_UnderCapUnchanged(t *testing.T) {
	messages := conversation(5)
	retained, note := applyFreshness(messages, 8)
	if note != "" {
		t.Fatalf("note = %q, want empty", note)
	}
	if len(retained) != len(messages) {
		t.Fatalf("retained %d messages, want %d", len(retained), len(messages))
	}
}

func TestApplyFreshness_TrimsToNewestUserMessages(t *testing.T) {
	messages := conversation(12)
	retained, note := applyFreshness(messages, 8)

	if want := "Context freshness policy retained 8 of 12 messages"; note != want {
		t.Fatalf("note = %q, want %q", note, want)
	}
	if got := model.UserMessageCount(retained); got != 8 {
		t.Fatalf("retained user messages = %d, want 8", got)
	}
	if retained[0].Role != model.RoleUser {
		t.Fatalf("retained slice starts with %s, want user", retained[0].Role)
	}
	if retained[0].Content != "question 4" {
		t.Fatalf("oldest retained = %q, want %q", retained[0].Content, "question 4")
	}
	last := retained[len(retained)-1]
	if last.Content != "answer 11" {
		t.Fatalf("newest retained = %q, want %q", last.Content, "answer 11")
	}
}

func TestDefaultDirectiveConflicts(t *testing.T) {
	tests := []struct {
		name     string
		messages []string
		want     []string
	}{
		{
			"always vs never",
			[]string{"Always use tabs.", "ok", "never use tabs"},
			[]string{`"use tabs"`},
		},
		{
			"always vs don't",
			[]string{"always reply in french", "Don't reply in French!"},
			[]string{`"reply in french"`},
		},
		{
			"always vs do not",
			[]string{"Always include sources", "do not include sources"},
			[]string{`"include sources"`},
		},
		{
			"no conflict",
			[]string{"always use tabs", "never use spaces"},
			nil,
		},
		{
			"single polarity repeated",
			[]string{"never use tabs", "never use tabs"},
			nil,
		},
		{
			"multiline message",
			[]string{"some context\nalways be brief\nmore text", "never be brief"},
			[]string{`"be brief"`},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var messages []model.Message
			for _, text := range tt.messages {
				messages = append(messages, model.Message{Role: model.RoleUser, Content: text})
			}
			got := defaultDirectiveConflicts(messages)
			if len(got) != len(tt.want) {
				t.Fatalf("conflicts = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("conflicts = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDefaultDirectiveConflicts_IgnoresAssistantMessages(t *testing.T) {
	messages := []model.Message{
		{Role: model.RoleUser, Content: "always use tabs"},
		{Role: model.RoleAssistant, Content: "never use tabs"},
	}
	if got := defaultDirectiveConflicts(messages); len(got) != 0 {
		t.Fatalf("conflicts = %v, want none", got)
	}
}

func TestDropSecretLines(t *testing.T) {
	secret := memory.NewRecord("s", memory.CategoryNote, "the password is hunter2", memory.Provenance{
		Confidence:  1,
		Timestamp:   time.Now(),
		Sensitivity: memory.SensitivitySecret,
	})
	plain := memory.NewRecord("s", memory.CategoryNote, "likes coffee", memory.Provenance{
		Confidence:  1,
		Timestamp:   time.Now(),
		Sensitivity: memory.SensitivityPrivateUser,
	})
	secretLine, err := memory.ToLine(secret)
	if err != nil {
		t.Fatalf("ToLine() error = %v", err)
	}
	plainLine, err := memory.ToLine(plain)
	if err != nil {
		t.Fatalf("ToLine() error = %v", err)
	}

	content := strings.TrimSuffix(secretLine+plainLine, "\n")
	got := dropSecretLines(content)
	if strings.Contains(got, "hunter2") {
		t.Fatalf("secret text survived: %q", got)
	}
	if !strings.Contains(got, "likes coffee") {
		t.Fatalf("plain record dropped: %q", got)
	}
}

func TestTailChars(t *testing.T) {
	if got := tailChars("short", 100); got != "short" {
		t.Fatalf("tailChars(short) = %q", got)
	}
	long := "first line\n" + strings.Repeat("x", 50) + "\nlast line"
	got := tailChars(long, 20)
	if len(got) > 20 {
		t.Fatalf("tailChars kept %d chars, want <= 20", len(got))
	}
	if !strings.HasSuffix(got, "last line") {
		t.Fatalf("tailChars dropped the tail: %q", got)
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct{ in, want string }{
		{"use  tabs.", "use tabs"},
		{"  reply in french!  ", "reply in french"},
		{"...", ""},
	}
	for _, tt := range tests {
		if got := normalizeSubject(tt.in); got != tt.want {
			t.Errorf("normalizeSubject(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
