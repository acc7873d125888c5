package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/neboloop/vox/internal/agent/tools"
)

// FinishToolName is the capability a headless run calls to end itself.
const FinishToolName = "finish"

// FinishTool writes a run's Termination record. A fresh instance is registered in
// each run's own registry and nowhere else.
type FinishTool struct {
	rec *Termination
}

// NewFinishTool binds a finish capability to rec.
func NewFinishTool(rec *Termination) *FinishTool {
	return &FinishTool{rec: rec}
}

type finishInput struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func (t *FinishTool) Name() string { return FinishToolName }

func (t *FinishTool) Description() string {
	return `End this task. Call exactly once, when the goal is achieved or cannot be achieved.
"message" is read aloud to the user: one or two plain sentences, no ids or technical detail.
"hint" is an optional reusable tip for doing this task faster next time.`
}

func (t *FinishTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "status": {"type": "string", "enum": ["success", "failed"], "description": "Whether the goal was achieved"},
    "message": {"type": "string", "description": "Short plain-language result for the user"},
    "hint": {"type": "string", "description": "Optional reusable tip for this app or screen"}
  },
  "required": ["status", "message"]
}`)
}

func (t *FinishTool) Execute(_ context.Context, input json.RawMessage) (*tools.ToolResult, error) {
	var in finishInput
	if err := json.Unmarshal(input, &in); err != nil {
		return tools.Errorf(fmt.Sprintf("Invalid finish arguments: %v", err)), nil
	}
	var status Status
	switch strings.ToLower(strings.TrimSpace(in.Status)) {
	case "success":
		status = StatusSuccess
	case "failed", "failure":
		status = StatusFailed
	default:
		return tools.Errorf(`status must be "success" or "failed"`), nil
	}
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return tools.Errorf("message is required"), nil
	}

	if !t.rec.Finish(status, msg, strings.TrimSpace(in.Hint)) {
		return &tools.ToolResult{Content: "Task already finished. Stop now."}, nil
	}
	return &tools.ToolResult{Content: "Finished."}, nil
}
