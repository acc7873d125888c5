// Package tools is the capability registry: named operations the model can invoke
// through tool calls, each with a JSON-schema input contract.
package tools

import (
	"context"
	"encoding/json"
)

// ToolResult represents the result of a tool execution.
// Content is returned to the model. Speak, when set, is narrated to the user
// right away and never enters the conversation history.
type ToolResult struct {
	Content string `json:"content"`
	Speak   string `json:"speak,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// Tool interface that all tools must implement
type Tool interface {
	// Name returns the tool's unique name
	Name() string

	// Description returns a description for the model. The first line is used as the summary.
	Description() string

	// Schema returns the JSON schema for the tool's input
	Schema() json.RawMessage

	// Execute runs the tool with the given input
	Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// FeatureScoped is implemented by tools that only exist while one feature is active.
type FeatureScoped interface {
	Feature() string
}

// Errorf is shorthand for a failed result.
func Errorf(content string) *ToolResult {
	return &ToolResult{Content: content, IsError: true}
}

// FuncTool adapts a closure to the Tool interface.
type FuncTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, input json.RawMessage) (*ToolResult, error)
}

// NewFunc builds a tool from a closure.
func NewFunc(name, description string, schema json.RawMessage, fn func(ctx context.Context, input json.RawMessage) (*ToolResult, error)) *FuncTool {
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return &FuncTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *FuncTool) Name() string            { return t.name }
func (t *FuncTool) Description() string     { return t.description }
func (t *FuncTool) Schema() json.RawMessage { return t.schema }

func (t *FuncTool) Execute(ctx context.Context, input json.RawMessage) (*ToolResult, error) {
	return t.fn(ctx, input)
}

type featureTool struct {
	Tool
	feature string
}

func (t featureTool) Feature() string { return t.feature }

// WithFeature marks tool as exclusive to feature.
func WithFeature(tool Tool, feature string) Tool {
	return featureTool{Tool: tool, feature: feature}
}
