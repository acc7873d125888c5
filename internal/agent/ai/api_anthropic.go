package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/logging"
)

const defaultMaxTokens = 8192

// AnthropicProvider implements the Anthropic Claude API using the official SDK
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(apiKey, model string, opts ...option.RequestOption) *AnthropicProvider {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
		model:  model,
	}
}

// ID returns the provider identifier
func (p *AnthropicProvider) ID() string {
	return "anthropic"
}

// Stream sends a request and returns streaming events
func (p *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(defaultMaxTokens),
		Messages:  p.buildMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	logging.Named("anthropic").Debugw("sending request",
		"model", model, "messages", len(params.Messages), "tools", len(req.Tools))

	stream := p.client.Messages.NewStreaming(ctx, params)
	events := make(chan StreamEvent, 100)
	go p.handleStream(ctx, stream, events)
	return events, nil
}

func buildAnthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			logging.Named("anthropic").Warnw("skipping tool with bad schema", "tool", def.Name, "error", err)
			continue
		}
		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					toolParam.InputSchema.Required = append(toolParam.InputSchema.Required, s)
				}
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

// buildMessages converts session messages to Anthropic format. Consecutive tool
// results are merged into one user message, as the API requires.
func (p *AnthropicProvider) buildMessages(msgs []session.Message) []anthropic.MessageParam {
	calls, answered := answeredCalls(msgs)

	var (
		result  []anthropic.MessageParam
		pending []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(pending) > 0 {
			result = append(result, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, msg := range msgs {
		switch msg.Role {
		case session.RoleUser:
			flush()
			// empty text blocks are rejected
			if msg.Content == "" {
				continue
			}
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))

		case session.RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				if !answered[tc.ID] {
					continue
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: inputMap(tc.Input),
					},
				})
			}
			if len(blocks) > 0 {
				result = append(result, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}

		case session.RoleTool:
			if !calls[msg.ToolCallID] {
				continue
			}
			pending = append(pending, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, msg.IsError))
		}
	}
	flush()
	return result
}

// handleStream processes the streaming response
func (p *AnthropicProvider) handleStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent) {
	defer close(events)
	defer stream.Close()

	var (
		currentToolID   string
		currentToolName string
		inputBuffer     string
	)

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			u := event.AsMessageStart().Message.Usage
			if !emit(ctx, events, StreamEvent{Type: EventTypeUsage, Usage: &Usage{InputTokens: u.InputTokens}}) {
				return
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock.AsAny()
			if toolUse, ok := block.(anthropic.ToolUseBlock); ok {
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				inputBuffer = ""
			}

		case "content_block_delta":
			switch d := event.AsContentBlockDelta().Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if !emit(ctx, events, StreamEvent{Type: EventTypeText, Text: d.Text}) {
					return
				}
			case anthropic.InputJSONDelta:
				inputBuffer += d.PartialJSON
			}

		case "content_block_stop":
			if currentToolID != "" {
				input := json.RawMessage(inputBuffer)
				if inputBuffer == "" {
					input = json.RawMessage(`{}`)
				}
				tc := &ToolCall{ID: currentToolID, Name: currentToolName, Input: input}
				if !emit(ctx, events, StreamEvent{Type: EventTypeToolCall, ToolCall: tc}) {
					return
				}
				currentToolID, currentToolName, inputBuffer = "", "", ""
			}

		case "message_delta":
			u := event.AsMessageDelta().Usage
			if !emit(ctx, events, StreamEvent{Type: EventTypeUsage, Usage: &Usage{OutputTokens: u.OutputTokens}}) {
				return
			}

		case "message_stop":
			emit(ctx, events, StreamEvent{Type: EventTypeDone})
			return

		case "error":
			emit(ctx, events, StreamEvent{
				Type:  EventTypeError,
				Error: &ProviderError{Provider: "anthropic", Message: fmt.Sprintf("stream error: %s", event.RawJSON())},
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		emit(ctx, events, StreamEvent{Type: EventTypeError, Error: anthropicError(err)})
		return
	}
	emit(ctx, events, StreamEvent{Type: EventTypeDone})
}

func anthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe := &ProviderError{Provider: "anthropic", Message: apiErr.Error()}
		switch apiErr.StatusCode {
		case 401:
			pe.Type = "authentication_error"
		case 403:
			pe.Type = "permission_error"
		case 429:
			pe.Type = "rate_limit_error"
		case 400:
			pe.Type = "invalid_request_error"
		}
		return pe
	}
	return fmt.Errorf("anthropic: %w", err)
}
