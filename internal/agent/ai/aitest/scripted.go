// Package aitest provides a scripted ai.Provider for tests.
package aitest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/session"
)

// Turn is one scripted model reply.
type Turn struct {
	Text  string
	Calls []ai.ToolCall
	Err   error
	// Hook runs when the turn is served, before events are emitted.
	Hook func(req *ai.ChatRequest)
}

// Call builds a tool call with a JSON-encoded input.
func Call(id, name string, input any) ai.ToolCall {
	raw, err := json.Marshal(input)
	if err != nil {
		panic(err)
	}
	return ai.ToolCall{ID: id, Name: name, Input: raw}
}

// Provider replays Turns in order. When the script runs out it repeats Fallback,
// or fails if Fallback is nil.
type Provider struct {
	mu       sync.Mutex
	turns    []Turn
	Fallback *Turn
	requests []*ai.ChatRequest
}

// New returns a provider serving turns in order.
func New(turns ...Turn) *Provider {
	return &Provider{turns: turns}
}

// ID implements ai.Provider.
func (p *Provider) ID() string { return "scripted" }

// Stream implements ai.Provider.
func (p *Provider) Stream(ctx context.Context, req *ai.ChatRequest) (<-chan ai.StreamEvent, error) {
	p.mu.Lock()
	snapshot := *req
	snapshot.Messages = session.Clone(req.Messages)
	snapshot.Tools = append([]ai.ToolDefinition(nil), req.Tools...)
	p.requests = append(p.requests, &snapshot)

	var turn Turn
	switch {
	case len(p.turns) > 0:
		turn = p.turns[0]
		p.turns = p.turns[1:]
	case p.Fallback != nil:
		turn = *p.Fallback
	default:
		p.mu.Unlock()
		return nil, fmt.Errorf("aitest: script exhausted after %d requests", len(p.requests))
	}
	p.mu.Unlock()

	if turn.Hook != nil {
		turn.Hook(&snapshot)
	}
	if turn.Err != nil {
		return nil, turn.Err
	}

	events := make(chan ai.StreamEvent, len(turn.Calls)+2)
	if turn.Text != "" {
		events <- ai.StreamEvent{Type: ai.EventTypeText, Text: turn.Text}
	}
	for i := range turn.Calls {
		tc := turn.Calls[i]
		events <- ai.StreamEvent{Type: ai.EventTypeToolCall, ToolCall: &tc}
	}
	events <- ai.StreamEvent{Type: ai.EventTypeDone}
	close(events)
	return events, nil
}

// Requests returns copies of every request received so far.
func (p *Provider) Requests() []*ai.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ai.ChatRequest(nil), p.requests...)
}

// Calls returns how many model calls were made.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
