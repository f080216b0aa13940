// Package model defines the contract between the turn runtime and model
// backends. Backends stream turn output as typed events over a channel;
// the runtime consumes deltas, dispatches tool calls, and finalizes on
// done or error.
//
// Implementations must be safe for concurrent use: multiple goroutines
// may call SendTurn simultaneously for different sessions.
package model

import (
	"context"
	"encoding/json"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of the prompt passed to a backend.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"toolCallId,omitempty"`

	// ToolName names the tool for tool-role messages.
	ToolName string `json:"toolName,omitempty"`

	// IsError marks a tool-role message as a failed execution.
	IsError bool `json:"isError,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolSpec advertises an available tool to the backend.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// EventType discriminates streamed turn events.
type EventType string

const (
	// EventAssistantDelta carries a fragment of assistant text.
	EventAssistantDelta EventType = "assistant_delta"
	// EventToolCall carries a complete tool invocation request.
	EventToolCall EventType = "tool_call"
	// EventUsage carries token accounting, usually once per turn.
	EventUsage EventType = "usage"
	// EventError terminates the stream with a failure.
	EventError EventType = "error"
	// EventDone terminates the stream successfully.
	EventDone EventType = "done"
)

// Event is one element of a turn stream. After an error or done event the
// channel is closed.
type Event struct {
	Type EventType

	// Delta is set for assistant_delta events.
	Delta string

	// Call is set for tool_call events.
	Call *ToolCall

	// InputTokens and OutputTokens are set for usage events.
	InputTokens  int
	OutputTokens int

	// Err is set for error events.
	Err error
}

// TurnRequest is one SendTurn invocation.
type TurnRequest struct {
	// TurnID identifies the turn for Cancel.
	TurnID string

	// Messages is the assembled prompt in chronological order.
	Messages []Message

	// Tools the model may call this turn.
	Tools []ToolSpec

	// MaxTokens bounds the response length. Zero uses the backend default.
	MaxTokens int
}

// SessionHandle is an opaque backend conversation reference.
type SessionHandle string

// Adapter is the backend contract.
type Adapter interface {
	// CreateSession establishes a backend conversation for a session id.
	// Calling it again for the same id returns the same handle.
	CreateSession(ctx context.Context, sessionID string) (SessionHandle, error)

	// SendTurn streams one turn. The returned channel is closed after a
	// done or error event, or when ctx is cancelled.
	SendTurn(ctx context.Context, handle SessionHandle, req TurnRequest) (<-chan Event, error)

	// Cancel aborts an in-flight turn by id. Unknown ids are a no-op.
	Cancel(turnID string)

	// Close releases backend resources.
	Close() error
}

// UserMessageCount counts user-role entries, which drives the context
// freshness policy.
func UserMessageCount(messages []Message) int {
	n := 0
	for _, m := range messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}
