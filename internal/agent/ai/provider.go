// Package ai is the model-call capability consumed by every agent run: a Provider
// streams one assistant turn (text plus zero or more tool calls) for a given history.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/neboloop/vox/internal/agent/session"
)

// StreamEventType defines the type of streaming event
type StreamEventType string

const (
	EventTypeText     StreamEventType = "text"
	EventTypeToolCall StreamEventType = "tool_call"
	EventTypeUsage    StreamEventType = "usage"
	EventTypeError    StreamEventType = "error"
	EventTypeDone     StreamEventType = "done"
)

// ToolCall represents a tool invocation from the model
type ToolCall = session.ToolCall

// Usage is the token accounting reported by a provider, when available.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// StreamEvent represents a streaming response event
type StreamEvent struct {
	Type     StreamEventType `json:"type"`
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
	Error    error           `json:"-"`
}

// ToolDefinition describes a tool available to the model
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatRequest represents a request to the provider
type ChatRequest struct {
	Messages    []session.Message `json:"messages"`
	Tools       []ToolDefinition  `json:"tools,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	System      string            `json:"system,omitempty"`
	Model       string            `json:"model,omitempty"`
}

// ChatResponse is one aggregated assistant turn.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider interface for model providers
type Provider interface {
	// ID returns the provider identifier (e.g., "anthropic", "openai")
	ID() string

	// Stream sends a request and returns a channel of streaming events.
	// The channel is closed after a done or error event.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)
}

// ErrEmptyStream is returned when a stream closes without a done event.
var ErrEmptyStream = errors.New("ai: stream ended without completion")

// Chat drains a provider stream into a single response. Text deltas are concatenated,
// tool calls kept in emission order.
func Chat(ctx context.Context, p Provider, req *ChatRequest) (*ChatResponse, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var (
		text strings.Builder
		resp ChatResponse
		done bool
	)
	for evt := range events {
		switch evt.Type {
		case EventTypeText:
			text.WriteString(evt.Text)
		case EventTypeToolCall:
			if evt.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *evt.ToolCall)
			}
		case EventTypeUsage:
			if evt.Usage != nil {
				resp.Usage.InputTokens += evt.Usage.InputTokens
				resp.Usage.OutputTokens += evt.Usage.OutputTokens
			}
		case EventTypeError:
			if evt.Error == nil {
				return nil, fmt.Errorf("%s: unknown stream error", p.ID())
			}
			return nil, evt.Error
		case EventTypeDone:
			done = true
		}
	}
	if !done {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrEmptyStream
	}
	resp.Content = strings.TrimSpace(text.String())
	return &resp, nil
}

// emit sends evt unless ctx is done. Adapters stop producing when it returns false.
func emit(ctx context.Context, events chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case events <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}

// answeredCalls returns the ids of tool calls that have a tool message in msgs.
// Adapters drop unanswered calls and orphaned results, which every API rejects.
func answeredCalls(msgs []session.Message) (calls, answered map[string]bool) {
	calls = make(map[string]bool)
	answered = make(map[string]bool)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
		if m.Role == session.RoleTool && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}
	return calls, answered
}

func inputMap(raw json.RawMessage) map[string]any {
	var input map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &input) != nil || input == nil {
		return map[string]any{}
	}
	return input
}
