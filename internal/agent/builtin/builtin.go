// Package builtin holds the capabilities every interactive session starts with.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/neboloop/vox/internal/agent/tools"
)

const (
	TimeToolName     = "get_time"
	TellUserToolName = "tell_user"
)

// TimeTool reports the current local date and time.
func TimeTool(now func() time.Time) tools.Tool {
	if now == nil {
		now = time.Now
	}
	return tools.NewFunc(TimeToolName,
		"Get the current local date and time.",
		json.RawMessage(`{"type": "object", "properties": {}}`),
		func(context.Context, json.RawMessage) (*tools.ToolResult, error) {
			t := now()
			return &tools.ToolResult{
				Content: t.Format("Monday, 2 January 2006, 15:04 MST"),
			}, nil
		})
}

// TellUserTool narrates a message immediately, before the turn finishes.
func TellUserTool() tools.Tool {
	schema := json.RawMessage(`{
  "type": "object",
  "properties": {
    "message": {"type": "string", "description": "Short sentence to say right away"}
  },
  "required": ["message"]
}`)
	return tools.NewFunc(TellUserToolName,
		"Say something to the user right now, e.g. a progress note before slower work.",
		schema,
		func(_ context.Context, input json.RawMessage) (*tools.ToolResult, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return tools.Errorf(fmt.Sprintf("Invalid arguments: %v", err)), nil
			}
			msg := strings.TrimSpace(in.Message)
			if msg == "" {
				return tools.Errorf("message is required"), nil
			}
			return &tools.ToolResult{Content: "Said to the user.", Speak: msg}, nil
		})
}

// Register adds the builtin capabilities to r. rem may be nil when reminders are
// unavailable.
func Register(r *tools.Registry, rem *Reminders) {
	r.Register(TimeTool(nil))
	r.Register(TellUserTool())
	if rem != nil {
		r.Register(rem.SetTool())
		r.Register(rem.CancelTool())
	}
}
