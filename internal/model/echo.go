package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// deltaChunkSize is the echo streaming granularity in bytes.
const deltaChunkSize = 64

// EchoAdapter is a deterministic local backend. It echoes the last user
// message as assistant text, and honors explicit tool directives of the
// form "call:<tool> <json-args>" on their own line when the named tool is
// advertised for the turn. It backs local development and the validation
// harness when no remote backend is configured.
type EchoAdapter struct {
	mu       sync.Mutex
	sessions map[string]SessionHandle
	inflight map[string]context.CancelFunc
	closed   bool
}

// NewEchoAdapter returns a ready adapter.
func NewEchoAdapter() *EchoAdapter {
	return &EchoAdapter{
		sessions: make(map[string]SessionHandle),
		inflight: make(map[string]context.CancelFunc),
	}
}

// CreateSession implements Adapter.
func (a *EchoAdapter) CreateSession(_ context.Context, sessionID string) (SessionHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return "", fmt.Errorf("echo adapter closed")
	}
	if h, ok := a.sessions[sessionID]; ok {
		return h, nil
	}
	h := SessionHandle("echo:" + sessionID)
	a.sessions[sessionID] = h
	return h, nil
}

// SendTurn implements Adapter.
func (a *EchoAdapter) SendTurn(ctx context.Context, _ SessionHandle, req TurnRequest) (<-chan Event, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, fmt.Errorf("echo adapter closed")
	}
	turnCtx, cancel := context.WithCancel(ctx)
	if req.TurnID != "" {
		a.inflight[req.TurnID] = cancel
	}
	a.mu.Unlock()

	out := make(chan Event, 8)
	go func() {
		defer close(out)
		defer func() {
			cancel()
			if req.TurnID != "" {
				a.mu.Lock()
				delete(a.inflight, req.TurnID)
				a.mu.Unlock()
			}
		}()

		text, calls := a.respond(req)
		for _, chunk := range chunkText(text, deltaChunkSize) {
			if !send(turnCtx, out, Event{Type: EventAssistantDelta, Delta: chunk}) {
				return
			}
		}
		for i := range calls {
			if !send(turnCtx, out, Event{Type: EventToolCall, Call: &calls[i]}) {
				return
			}
		}
		in, outTok := estimateTokens(req.Messages), len(text)/4+1
		if !send(turnCtx, out, Event{Type: EventUsage, InputTokens: in, OutputTokens: outTok}) {
			return
		}
		send(turnCtx, out, Event{Type: EventDone})
	}()
	return out, nil
}

// Cancel implements Adapter.
func (a *EchoAdapter) Cancel(turnID string) {
	a.mu.Lock()
	cancel := a.inflight[turnID]
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close implements Adapter.
func (a *EchoAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for _, cancel := range a.inflight {
		cancel()
	}
	a.inflight = make(map[string]context.CancelFunc)
	return nil
}

// respond computes the assistant text and tool calls for a request.
func (a *EchoAdapter) respond(req TurnRequest) (string, []ToolCall) {
	last, ok := lastMessage(req.Messages)
	if !ok {
		return "ready", nil
	}
	if last.Role == RoleTool {
		label := last.ToolName
		if label == "" {
			label = "tool"
		}
		if last.IsError {
			return fmt.Sprintf("%s failed: %s", label, last.Content), nil
		}
		return fmt.Sprintf("%s returned: %s", label, last.Content), nil
	}

	advertised := make(map[string]bool, len(req.Tools))
	for _, t := range req.Tools {
		advertised[t.Name] = true
	}

	var calls []ToolCall
	var plain []string
	for _, line := range strings.Split(last.Content, "\n") {
		trimmed := strings.TrimSpace(line)
		name, args, isCall := parseCallDirective(trimmed)
		if isCall && advertised[name] {
			calls = append(calls, ToolCall{ID: uuid.NewString(), Name: name, Args: args})
			continue
		}
		plain = append(plain, line)
	}

	text := strings.TrimSpace(strings.Join(plain, "\n"))
	if text == "" && len(calls) == 0 {
		text = "ready"
	}
	return text, calls
}

// parseCallDirective recognizes "call:<tool> <json>" lines. The args
// default to an empty object and must be valid JSON to count.
func parseCallDirective(line string) (string, json.RawMessage, bool) {
	rest, ok := strings.CutPrefix(line, "call:")
	if !ok {
		return "", nil, false
	}
	name, args, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if name == "" {
		return "", nil, false
	}
	args = strings.TrimSpace(args)
	if args == "" {
		return name, json.RawMessage(`{}`), true
	}
	if !json.Valid([]byte(args)) {
		return "", nil, false
	}
	return name, json.RawMessage(args), true
}

func lastMessage(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != RoleSystem {
			return messages[i], true
		}
	}
	return Message{}, false
}

func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}

func estimateTokens(messages []Message) int {
	n := 0
	for _, m := range messages {
		n += len(m.Content) / 4
	}
	return n + len(messages)
}

// send delivers an event unless the turn context is cancelled.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
