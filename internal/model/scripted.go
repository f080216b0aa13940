package model

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedAdapter replays predefined event streams, one per SendTurn, and
// records every request it receives. It exists for tests and for exercising
// the runtime without a live backend.
type ScriptedAdapter struct {
	mu       sync.Mutex
	scripts  [][]Event
	next     int
	requests []TurnRequest
	inflight map[string]context.CancelFunc
	canceled []string
}

// NewScriptedAdapter returns an adapter that answers the i-th SendTurn with
// scripts[i]. Calls past the end of the script stream a bare done event.
func NewScriptedAdapter(scripts ...[]Event) *ScriptedAdapter {
	return &ScriptedAdapter{
		scripts:  scripts,
		inflight: make(map[string]context.CancelFunc),
	}
}

// CreateSession implements Adapter.
func (a *ScriptedAdapter) CreateSession(_ context.Context, sessionID string) (SessionHandle, error) {
	return SessionHandle("scripted:" + sessionID), nil
}

// SendTurn implements Adapter.
func (a *ScriptedAdapter) SendTurn(ctx context.Context, _ SessionHandle, req TurnRequest) (<-chan Event, error) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	var script []Event
	if a.next < len(a.scripts) {
		script = a.scripts[a.next]
		a.next++
	} else {
		script = []Event{{Type: EventDone}}
	}
	turnCtx, cancel := context.WithCancel(ctx)
	if req.TurnID != "" {
		a.inflight[req.TurnID] = cancel
	}
	a.mu.Unlock()

	out := make(chan Event, len(script))
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
		for _, ev := range script {
			if !send(turnCtx, out, ev) {
				return
			}
		}
	}()
	return out, nil
}

// Cancel implements Adapter.
func (a *ScriptedAdapter) Cancel(turnID string) {
	a.mu.Lock()
	cancel := a.inflight[turnID]
	a.canceled = append(a.canceled, turnID)
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close implements Adapter.
func (a *ScriptedAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, cancel := range a.inflight {
		cancel()
	}
	a.inflight = make(map[string]context.CancelFunc)
	return nil
}

// Requests returns a copy of every TurnRequest received so far.
func (a *ScriptedAdapter) Requests() []TurnRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TurnRequest, len(a.requests))
	copy(out, a.requests)
	return out
}

// Canceled returns the turn ids passed to Cancel.
func (a *ScriptedAdapter) Canceled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.canceled))
	copy(out, a.canceled)
	return out
}

// TextScript builds a script that streams text and finishes cleanly.
func TextScript(text string) []Event {
	return []Event{
		{Type: EventAssistantDelta, Delta: text},
		{Type: EventUsage, InputTokens: 10, OutputTokens: len(text)/4 + 1},
		{Type: EventDone},
	}
}

// ToolCallScript builds a script that requests one tool call and finishes.
func ToolCallScript(call ToolCall) []Event {
	return []Event{
		{Type: EventToolCall, Call: &call},
		{Type: EventDone},
	}
}

// ErrorScript builds a script that fails with err.
func ErrorScript(err error) []Event {
	return []Event{{Type: EventError, Err: err}}
}

// Collect drains a turn stream into a slice. It returns an error if the
// stream carried an error event or ctx expired first.
func Collect(ctx context.Context, events <-chan Event) ([]Event, error) {
	var out []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out, nil
			}
			out = append(out, ev)
			if ev.Type == EventError {
				err := ev.Err
				if err == nil {
					err = fmt.Errorf("backend error")
				}
				return out, err
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}
