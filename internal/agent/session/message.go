// Package session holds the conversation message model shared by every agent run,
// and the bounded history the interactive session keeps between turns.
package session

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a capability invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Message is one entry of a conversation. Which fields are meaningful depends on Role:
// assistant messages may carry ToolCalls, tool messages carry ToolCallID and IsError.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// User builds a user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: text, CreatedAt: time.Now()}
}

// Assistant builds an assistant message, optionally carrying tool calls.
func Assistant(text string, calls ...ToolCall) Message {
	return Message{Role: RoleAssistant, Content: text, ToolCalls: calls, CreatedAt: time.Now()}
}

// ToolResult builds the tool message answering call id.
func ToolResult(id, content string, isError bool) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: id, IsError: isError, CreatedAt: time.Now()}
}

// HasToolCalls reports whether the message requested capability invocations.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// Clone returns a deep copy so runs never share backing arrays.
func Clone(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if len(m.ToolCalls) > 0 {
			calls := make([]ToolCall, len(m.ToolCalls))
			for j, c := range m.ToolCalls {
				calls[j] = ToolCall{ID: c.ID, Name: c.Name, Input: append(json.RawMessage(nil), c.Input...)}
			}
			m.ToolCalls = calls
		}
		out[i] = m
	}
	return out
}
