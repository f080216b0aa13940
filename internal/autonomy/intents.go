package autonomy

import (
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/haasonsaas/otto/internal/errkind"
)

// IntentStatus tracks a proactive intent through its lifecycle.
type IntentStatus string

const (
	// IntentPending intents wait for their not-before instant and a
	// budget slot.
	IntentPending IntentStatus = "pending"
	// IntentSent intents were delivered through a turn.
	IntentSent IntentStatus = "sent"
	// IntentExpired intents aged past the TTL without becoming sendable.
	IntentExpired IntentStatus = "expired"
)

// Intent is a deferred, orchestrator-initiated message delivered on the
// agent's behalf once budget and quiet hours permit. Persisted in
// autonomy-state.json.
type Intent struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	Text        string       `json:"text"`
	NotBeforeMs int64        `json:"notBeforeMs"`
	Status      IntentStatus `json:"status"`
	CreatedAt   time.Time    `json:"createdAt"`

	// SentAt and RunID are set when the intent is delivered.
	SentAt time.Time `json:"sentAt,omitempty"`
	RunID  string    `json:"runId,omitempty"`

	// LastError records the most recent failed delivery attempt. A
	// failed attempt leaves the intent pending for the next tick.
	LastError string `json:"lastError,omitempty"`
}

// NewIntent builds a pending intent. notBefore zero means "deliver on
// the next tick".
func NewIntent(channelID, text string, notBefore time.Time, createdAt time.Time) (Intent, error) {
	if strings.TrimSpace(channelID) == "" {
		return Intent{}, errkind.Newf(errkind.KindSchemaInvalid, "autonomy.intent", "channel id is empty")
	}
	if strings.TrimSpace(text) == "" {
		return Intent{}, errkind.Newf(errkind.KindSchemaInvalid, "autonomy.intent", "intent text is empty")
	}
	intent := Intent{
		ID:        ulid.Make().String(),
		ChannelID: channelID,
		Text:      text,
		Status:    IntentPending,
		CreatedAt: createdAt.UTC(),
	}
	if !notBefore.IsZero() {
		intent.NotBeforeMs = notBefore.UnixMilli()
	}
	return intent, nil
}

// Due reports whether the intent may be delivered at now.
func (i Intent) Due(now time.Time) bool {
	return i.Status == IntentPending && now.UnixMilli() >= i.NotBeforeMs
}

// ExpiredBy reports whether the intent has outlived ttl at now.
func (i Intent) ExpiredBy(now time.Time, ttl time.Duration) bool {
	if i.Status != IntentPending || ttl <= 0 {
		return false
	}
	return now.Sub(i.CreatedAt) > ttl
}
