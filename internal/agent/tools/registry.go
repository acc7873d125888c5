package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/logging"
)

// maxOutputChars caps what a single tool result may put into the history.
const maxOutputChars = 100000

// ChangeListener is called when tools are added or removed from the registry.
type ChangeListener func(added []string, removed []string)

// Registry manages available tools
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	listeners []ChangeListener
	summaries []string // nil until computed; reset on every mutation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// OnChange registers a listener that is called when tools are added or removed.
func (r *Registry) OnChange(fn ChangeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// notifyListeners calls all change listeners (must NOT hold lock).
func (r *Registry) notifyListeners(added, removed []string) {
	r.mu.RLock()
	listeners := make([]ChangeListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(added, removed)
	}
}

// Register adds a tool, replacing any tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	if existing, ok := r.tools[tool.Name()]; ok {
		logging.Named("registry").Warnf("tool %q already registered (%T), overwritten by %T",
			tool.Name(), existing, tool)
	}
	r.tools[tool.Name()] = tool
	r.summaries = nil
	r.mu.Unlock()

	r.notifyListeners([]string{tool.Name()}, nil)
}

// Unregister removes a tool from the registry by name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.tools[name]
	delete(r.tools, name)
	if existed {
		r.summaries = nil
	}
	r.mu.Unlock()

	if existed {
		r.notifyListeners(nil, []string{name})
	}
}

// RemoveDisabled drops every feature-scoped tool whose feature is not in active.
// It returns the removed names, sorted.
func (r *Registry) RemoveDisabled(active []string) []string {
	enabled := make(map[string]bool, len(active))
	for _, f := range active {
		enabled[f] = true
	}

	r.mu.Lock()
	var removed []string
	for name, tool := range r.tools {
		fs, ok := tool.(FeatureScoped)
		if ok && !enabled[fs.Feature()] {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	if len(removed) > 0 {
		r.summaries = nil
	}
	r.mu.Unlock()

	sort.Strings(removed)
	if len(removed) > 0 {
		r.notifyListeners(nil, removed)
	}
	return removed
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedNames()
}

func (r *Registry) sortedNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns all tools as model tool definitions, sorted by name.
func (r *Registry) List() []ai.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ai.ToolDefinition, 0, len(r.tools))
	for _, name := range r.sortedNames() {
		tool := r.tools[name]
		defs = append(defs, ai.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Summaries returns "name: first description line" for every tool, alphabetically.
// The result is cached until the registry changes.
func (r *Registry) Summaries() []string {
	r.mu.RLock()
	cached := r.summaries
	r.mu.RUnlock()
	if cached != nil {
		return append([]string(nil), cached...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summaries == nil {
		out := make([]string, 0, len(r.tools))
		for _, name := range r.sortedNames() {
			desc, _, _ := strings.Cut(strings.TrimSpace(r.tools[name].Description()), "\n")
			out = append(out, name+": "+desc)
		}
		r.summaries = out
	}
	return append([]string(nil), r.summaries...)
}

// Clone returns an independent registry holding the same tools. Listeners are not copied.
func (r *Registry) Clone() *Registry {
	return r.Without()
}

// Without returns an independent registry holding every tool except names.
func (r *Registry) Without(names ...string) *Registry {
	skip := make(map[string]bool, len(names))
	for _, n := range names {
		skip[n] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for name, tool := range r.tools {
		if !skip[name] {
			out.tools[name] = tool
		}
	}
	return out
}

// Execute runs a tool and returns the result. It never fails: unknown tools, bad
// arguments, errors and panics all come back as IsError results for the model.
func (r *Registry) Execute(ctx context.Context, call *ai.ToolCall) (result *ToolResult) {
	log := logging.Named("registry")

	r.mu.RLock()
	tool, ok := r.tools[call.Name]
	var available []string
	if !ok {
		available = r.sortedNames()
	}
	r.mu.RUnlock()

	if !ok {
		log.Warnw("unknown tool", "tool", call.Name)
		return Errorf(fmt.Sprintf(
			"TOOL ERROR: %q does not exist. Do not call it again.\nAvailable tools: %s",
			call.Name, strings.Join(available, ", ")))
	}

	input, err := normalizeInput(call.Input)
	if err != nil {
		return Errorf(fmt.Sprintf("Invalid arguments for %s: %v. Send a single JSON object matching the schema.", call.Name, err))
	}

	defer func() {
		if p := recover(); p != nil {
			log.Errorw("tool panicked", "tool", call.Name, "panic", p, "stack", string(debug.Stack()))
			result = Errorf(fmt.Sprintf("Tool %s failed unexpectedly: %v", call.Name, p))
		}
	}()

	log.Debugw("executing tool", "tool", call.Name)
	res, err := tool.Execute(ctx, input)
	if err != nil {
		return Errorf(fmt.Sprintf("Tool execution error: %v", err))
	}
	if res == nil {
		return Errorf("Tool returned no result")
	}
	if len(res.Content) > maxOutputChars {
		res.Content = Truncate(res.Content, maxOutputChars) + "\n... (output truncated)"
	}
	return res
}

// Truncate returns the longest prefix of s that fits in max bytes without
// splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// normalizeInput returns a JSON object, repairing malformed model output when possible.
func normalizeInput(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid([]byte(trimmed)) {
		if !strings.HasPrefix(trimmed, "{") {
			return nil, fmt.Errorf("arguments must be a JSON object")
		}
		return json.RawMessage(trimmed), nil
	}
	fixed, err := jsonrepair.JSONRepair(trimmed)
	if err != nil || !json.Valid([]byte(fixed)) {
		return nil, fmt.Errorf("arguments are not valid JSON")
	}
	if !strings.HasPrefix(strings.TrimSpace(fixed), "{") {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return json.RawMessage(fixed), nil
}
