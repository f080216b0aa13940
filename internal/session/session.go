// Package session defines session identity, per-session locking, and a
// small file-backed registry of known sessions.
package session

import (
	"strings"
	"time"
)

// Kind classifies the channel a session lives on.
type Kind string

const (
	KindDM     Kind = "dm"
	KindGroup  Kind = "group"
	KindWeb    Kind = "web"
	KindMobile Kind = "mobile"
)

// Context identifies one conversation. Created on first turn and
// persisted forever; the queue and memory store key by SessionID.
type Context struct {
	SessionID   string    `json:"session_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelKind Kind      `json:"channel_kind"`
	UserID      string    `json:"user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// SanitizeID maps a session id to a string safe for file names:
// every character outside [A-Za-z0-9_-] becomes "_". An empty id maps
// to "_empty" and an id made only of dots maps to "__" so path
// components like ".." can never escape the profile directory.
func SanitizeID(id string) string {
	if id == "" {
		return "_empty"
	}
	if strings.Trim(id, ".") == "" {
		return "__"
	}
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
