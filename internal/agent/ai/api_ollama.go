package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/ollama/ollama/api"

	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/logging"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "qwen3:4b"
)

// OllamaProvider implements the Provider interface for Ollama (local models) using the official SDK
type OllamaProvider struct {
	client *api.Client
	model  string
}

// NewOllamaProvider creates a new Ollama provider
func NewOllamaProvider(baseURL, model string) *OllamaProvider {
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaProvider{
		client: newOllamaClient(baseURL, 5*time.Minute),
		model:  model,
	}
}

func newOllamaClient(baseURL string, timeout time.Duration) *api.Client {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		parsedURL, _ = url.Parse(defaultOllamaURL)
	}
	return api.NewClient(parsedURL, &http.Client{Timeout: timeout})
}

// ID returns the provider identifier
func (p *OllamaProvider) ID() string {
	return "ollama"
}

// Stream sends a request to Ollama and streams the response
func (p *OllamaProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	stream := true
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: p.buildMessages(req),
		Stream:   &stream,
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		chatReq.Options = make(map[string]any)
		if req.Temperature > 0 {
			chatReq.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			chatReq.Options["num_predict"] = req.MaxTokens
		}
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = buildOllamaTools(req.Tools)
	}

	logging.Named("ollama").Debugw("sending request",
		"model", model, "messages", len(chatReq.Messages), "tools", len(req.Tools))

	events := make(chan StreamEvent, 100)
	go func() {
		defer close(events)

		done := false
		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				if !emit(ctx, events, StreamEvent{Type: EventTypeText, Text: resp.Message.Content}) {
					return ctx.Err()
				}
			}
			for _, tc := range resp.Message.ToolCalls {
				argsJSON, err := json.Marshal(tc.Function.Arguments.ToMap())
				if err != nil {
					argsJSON = []byte(`{}`)
				}
				id := tc.ID
				if id == "" {
					id = "call_" + uuid.NewString()
				}
				call := &ToolCall{ID: id, Name: tc.Function.Name, Input: argsJSON}
				if !emit(ctx, events, StreamEvent{Type: EventTypeToolCall, ToolCall: call}) {
					return ctx.Err()
				}
			}
			if resp.Done {
				done = true
				emit(ctx, events, StreamEvent{Type: EventTypeUsage, Usage: &Usage{
					InputTokens:  int64(resp.PromptEvalCount),
					OutputTokens: int64(resp.EvalCount),
				}})
				emit(ctx, events, StreamEvent{Type: EventTypeDone})
			}
			return nil
		})
		if err != nil && !done {
			emit(ctx, events, StreamEvent{Type: EventTypeError, Error: fmt.Errorf("ollama: %w", err)})
		}
	}()

	return events, nil
}

// buildMessages renders the transcript in Ollama's chat shape. Calls and results
// that lost their partner to history truncation are left out.
func (p *OllamaProvider) buildMessages(req *ChatRequest) []api.Message {
	calls, answered := answeredCalls(req.Messages)
	toolNames := make(map[string]string)

	out := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case session.RoleAssistant:
			reply := api.Message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				toolNames[tc.ID] = tc.Name
				if answered[tc.ID] {
					reply.ToolCalls = append(reply.ToolCalls, ollamaCall(tc))
				}
			}
			if reply.Content == "" && len(reply.ToolCalls) == 0 {
				continue
			}
			out = append(out, reply)
		case session.RoleTool:
			if calls[m.ToolCallID] {
				out = append(out, api.Message{
					Role:       "tool",
					Content:    m.Content,
					ToolCallID: m.ToolCallID,
					ToolName:   toolNames[m.ToolCallID],
				})
			}
		default:
			out = append(out, api.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

func ollamaCall(tc session.ToolCall) api.ToolCall {
	args := api.NewToolCallFunctionArguments()
	for k, v := range inputMap(tc.Input) {
		args.Set(k, v)
	}
	return api.ToolCall{
		ID:       tc.ID,
		Function: api.ToolCallFunction{Name: tc.Name, Arguments: args},
	}
}

// objectSchema is the subset of JSON Schema our tool definitions use.
type objectSchema struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Enum        []any  `json:"enum"`
		Items       any    `json:"items"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// buildOllamaTools converts tool definitions; ones with an unreadable schema are skipped.
func buildOllamaTools(defs []ToolDefinition) api.Tools {
	tools := make(api.Tools, 0, len(defs))
	for _, def := range defs {
		var schema objectSchema
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			logging.Named("ollama").Warnw("skipping tool with bad schema", "tool", def.Name, "error", err)
			continue
		}
		params := api.ToolFunctionParameters{Type: "object", Required: schema.Required}
		if len(schema.Properties) > 0 {
			props := api.NewToolPropertiesMap()
			for name, prop := range schema.Properties {
				tp := api.ToolProperty{Description: prop.Description, Enum: prop.Enum, Items: prop.Items}
				if prop.Type != "" {
					tp.Type = api.PropertyType{prop.Type}
				}
				props.Set(name, tp)
			}
			params.Properties = props
		}
		tools = append(tools, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

// OllamaAvailable checks if an Ollama server answers at baseURL.
func OllamaAvailable(ctx context.Context, baseURL string) bool {
	return newOllamaClient(baseURL, 2*time.Second).Heartbeat(ctx) == nil
}

// ListOllamaModels returns the names of locally available models.
func ListOllamaModels(ctx context.Context, baseURL string) ([]string, error) {
	resp, err := newOllamaClient(baseURL, 5*time.Second).List(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, m.Name)
	}
	return models, nil
}
