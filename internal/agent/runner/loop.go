// Package runner implements the tool-call loop shared by every agent run: call the
// model, execute the tool calls it requests in order, feed the results back, and
// stop on a plain reply, an exit predicate, or the iteration ceiling.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/session"
	"github.com/neboloop/vox/internal/agent/tools"
	"github.com/neboloop/vox/internal/logging"
	"github.com/neboloop/vox/internal/metrics"
)

// DefaultMaxIterations applies when Config.MaxIterations is not positive.
const DefaultMaxIterations = 25

// ErrNoProvider is returned when Config.Provider is nil.
var ErrNoProvider = errors.New("runner: no provider")

// Executor is the part of the registry the loop needs.
type Executor interface {
	List() []ai.ToolDefinition
	Execute(ctx context.Context, call *ai.ToolCall) *tools.ToolResult
}

// Config parameterizes one loop invocation.
type Config struct {
	Provider      ai.Provider
	Tools         Executor
	System        string
	Model         string
	MaxTokens     int
	MaxIterations int

	// ShouldExit is polled after each batch of tool calls. When it returns true the
	// loop stops and FinalContent is taken from ExitContent.
	ShouldExit  func() bool
	ExitContent func() string

	// OnSpeak receives user-facing text produced by a tool, before the loop continues.
	OnSpeak func(ctx context.Context, text string)
	// OnToolResult observes every executed call.
	OnToolResult func(call ai.ToolCall, res *tools.ToolResult)

	// Kind labels logs and metrics ("interactive", "ui_automation", "triage").
	Kind    string
	Metrics *metrics.Metrics
}

// LoopResult is what a loop invocation produced.
type LoopResult struct {
	// FinalContent is the model's last plain reply, the exit content, or on
	// exhaustion the text of the last model turn (possibly empty).
	FinalContent string
	// IterationsUsed counts model calls, at most the ceiling.
	IterationsUsed int
	// Messages holds the assistant and tool messages appended during this run,
	// excluding the initial messages and the closing assistant reply.
	Messages []session.Message
	// Exhausted is true when the ceiling was reached without a plain reply or exit.
	Exhausted bool
}

// Run executes the loop over initial. initial is never modified. On a model-call
// error the partial result is returned together with the error.
func Run(ctx context.Context, cfg Config, initial []session.Message) (*LoopResult, error) {
	if cfg.Provider == nil {
		return nil, ErrNoProvider
	}
	ceiling := cfg.MaxIterations
	if ceiling <= 0 {
		ceiling = DefaultMaxIterations
	}
	kind := cfg.Kind
	if kind == "" {
		kind = "default"
	}
	log := logging.Named("loop").With("kind", kind)

	history := session.Clone(initial)
	result := &LoopResult{}
	lastText := ""

	finish := func(iterations int, exhausted bool) *LoopResult {
		result.IterationsUsed = iterations
		result.Exhausted = exhausted
		cfg.Metrics.ObserveLoop(kind, iterations, exhausted)
		return result
	}

	for i := 1; i <= ceiling; i++ {
		if err := ctx.Err(); err != nil {
			return finish(i-1, false), err
		}

		var defs []ai.ToolDefinition
		if cfg.Tools != nil {
			defs = cfg.Tools.List()
		}
		resp, err := ai.Chat(ctx, cfg.Provider, &ai.ChatRequest{
			Messages:  history,
			Tools:     defs,
			System:    cfg.System,
			Model:     cfg.Model,
			MaxTokens: cfg.MaxTokens,
		})
		cfg.Metrics.ModelCall(kind, err)
		if err != nil {
			log.Warnw("model call failed", "iteration", i, "error", err)
			return finish(i, false), fmt.Errorf("model call (iteration %d): %w", i, err)
		}
		lastText = resp.Content

		if len(resp.ToolCalls) == 0 {
			result.FinalContent = resp.Content
			log.Debugw("loop finished with reply", "iterations", i)
			return finish(i, false), nil
		}

		calls := make([]ai.ToolCall, len(resp.ToolCalls))
		for j, tc := range resp.ToolCalls {
			if tc.ID == "" {
				tc.ID = "call_" + uuid.NewString()
			}
			calls[j] = tc
		}
		assistant := session.Assistant(resp.Content, calls...)
		history = append(history, assistant)
		result.Messages = append(result.Messages, assistant)

		for j := range calls {
			if err := ctx.Err(); err != nil {
				return finish(i, false), err
			}
			call := calls[j]
			res := execute(ctx, cfg.Tools, &call)
			cfg.Metrics.ToolCall(kind, call.Name, res.IsError)
			if cfg.OnToolResult != nil {
				cfg.OnToolResult(call, res)
			}

			msg := session.ToolResult(call.ID, res.Content, res.IsError)
			history = append(history, msg)
			result.Messages = append(result.Messages, msg)

			if res.Speak != "" && cfg.OnSpeak != nil {
				cfg.OnSpeak(ctx, res.Speak)
			}
		}

		if cfg.ShouldExit != nil && cfg.ShouldExit() {
			content := ""
			if cfg.ExitContent != nil {
				content = cfg.ExitContent()
			}
			if content == "" {
				content = lastText
			}
			result.FinalContent = content
			log.Debugw("loop exited by predicate", "iterations", i)
			return finish(i, false), nil
		}
	}

	log.Infow("iteration ceiling reached", "ceiling", ceiling)
	result.FinalContent = lastText
	return finish(ceiling, true), nil
}

func execute(ctx context.Context, ex Executor, call *ai.ToolCall) *tools.ToolResult {
	if ex == nil {
		return tools.Errorf(fmt.Sprintf("TOOL ERROR: %q does not exist. No tools are available.", call.Name))
	}
	return ex.Execute(ctx, call)
}
