package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/logging"
)

// OpenAIProvider implements the OpenAI chat completions API using the official SDK.
// Any OpenAI-compatible endpoint works through a base URL.
type OpenAIProvider struct {
	client openai.Client
	model  string
}

// NewOpenAIProvider creates a new OpenAI provider. baseURL may be empty.
func NewOpenAIProvider(apiKey, model, baseURL string, opts ...option.RequestOption) *OpenAIProvider {
	base := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		base = append(base, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(append(base, opts...)...),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *OpenAIProvider) ID() string {
	return "openai"
}

// Stream sends a request and returns streaming events
func (p *OpenAIProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: p.buildMessages(req),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		params.Tools = openAITools(req.Tools)
	}

	logging.Named("openai").Debugw("sending request",
		"model", model, "messages", len(params.Messages), "tools", len(req.Tools))

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 100)
	go p.handleStream(ctx, stream, events)
	return events, nil
}

// buildMessages renders the transcript for chat completions, leaving out calls
// and results that lost their partner to truncation.
func (p *OpenAIProvider) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	calls, answered := answeredCalls(req.Messages)

	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case session.RoleTool:
			if calls[m.ToolCallID] {
				out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
			}
		case session.RoleAssistant:
			if reply, ok := openAIAssistant(m, answered); ok {
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: reply})
			}
		}
	}
	return out
}

func openAIAssistant(m session.Message, answered map[string]bool) (*openai.ChatCompletionAssistantMessageParam, bool) {
	reply := &openai.ChatCompletionAssistantMessageParam{Role: "assistant"}
	for _, tc := range m.ToolCalls {
		if !answered[tc.ID] {
			continue
		}
		args := "{}"
		if len(tc.Input) > 0 {
			args = string(tc.Input)
		}
		reply.ToolCalls = append(reply.ToolCalls, openai.ChatCompletionMessageToolCallParam{
			ID:       tc.ID,
			Type:     "function",
			Function: openai.ChatCompletionMessageToolCallFunctionParam{Name: tc.Name, Arguments: args},
		})
	}
	if m.Content != "" {
		reply.Content.OfString = openai.String(m.Content)
	}
	return reply, m.Content != "" || len(reply.ToolCalls) > 0
}

func openAITools(defs []ToolDefinition) []openai.ChatCompletionToolParam {
	tools := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params shared.FunctionParameters
		if err := json.Unmarshal(def.InputSchema, &params); err != nil {
			logging.Named("openai").Warnw("skipping tool with bad schema", "tool", def.Name, "error", err)
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: def.Name, Parameters: params}
		if def.Description != "" {
			fn.Description = openai.String(def.Description)
		}
		tools = append(tools, openai.ChatCompletionToolParam{Function: fn})
	}
	return tools
}

// handleStream processes the streaming response
func (p *OpenAIProvider) handleStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	sent := make(map[int]bool)

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			sent[tool.Index] = true
			tc := &ToolCall{ID: tool.ID, Name: tool.Name, Input: json.RawMessage(tool.Arguments)}
			if !emit(ctx, events, StreamEvent{Type: EventTypeToolCall, ToolCall: tc}) {
				return
			}
		}

		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			if !emit(ctx, events, StreamEvent{Type: EventTypeText, Text: chunk.Choices[0].Delta.Content}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, events, StreamEvent{Type: EventTypeError, Error: openAIError(err)})
		return
	}

	// The accumulator only reports a call as finished when a later chunk arrives.
	if len(acc.Choices) > 0 {
		for i, tc := range acc.Choices[0].Message.ToolCalls {
			if sent[i] {
				continue
			}
			call := &ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: json.RawMessage(tc.Function.Arguments)}
			if !emit(ctx, events, StreamEvent{Type: EventTypeToolCall, ToolCall: call}) {
				return
			}
		}
	}
	if acc.Usage.TotalTokens > 0 {
		emit(ctx, events, StreamEvent{Type: EventTypeUsage, Usage: &Usage{
			InputTokens:  acc.Usage.PromptTokens,
			OutputTokens: acc.Usage.CompletionTokens,
		}})
	}
	emit(ctx, events, StreamEvent{Type: EventTypeDone})
}

func openAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider: "openai",
			Code:     apiErr.Code,
			Type:     apiErr.Type,
			Message:  apiErr.Message,
		}
	}
	return fmt.Errorf("openai: %w", err)
}
