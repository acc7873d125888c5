package uiauto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neboloop/vox/internal/agent/tools"
)

const (
	ActionToolName  = "ui_action"
	RefreshToolName = "ui_refresh"

	// DefaultSettleDelay is waited before every recapture.
	DefaultSettleDelay = 600 * time.Millisecond
)

// screen is the per-run state shared by ui_action and ui_refresh.
type screen struct {
	device  Device
	tracker *Tracker
	settle  time.Duration
	hints   *HintStore
	lastFP  string
	noted   map[string]bool // surfaces whose hint was already shown
}

// capture waits for the UI to settle, recaptures, and annotates.
func (s *screen) capture(ctx context.Context, settle bool) (*Snapshot, bool, error) {
	if settle && s.settle > 0 {
		t := time.NewTimer(s.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false, ctx.Err()
		case <-t.C:
		}
	}
	tree, err := s.device.CaptureTree(ctx)
	if err != nil {
		return nil, false, err
	}
	snap := s.tracker.Update(tree)
	fp := snap.fingerprint()
	unchanged := s.lastFP != "" && fp == s.lastFP
	s.lastFP = fp
	return snap, unchanged, nil
}

// noteFor returns the learned hint for surface the first time it is seen in a run.
func (s *screen) noteFor(ctx context.Context, surface string) string {
	if s.hints == nil || surface == "" || s.noted[surface] {
		return ""
	}
	if s.noted == nil {
		s.noted = make(map[string]bool)
	}
	s.noted[surface] = true
	hint, err := s.hints.Get(ctx, surface)
	if err != nil {
		return ""
	}
	return hint
}

// ActionTool is the ui_action capability.
type ActionTool struct {
	screen *screen
}

type actionInput struct {
	Action     string `json:"action"`
	NodeID     string `json:"node_id,omitempty"`
	Text       string `json:"text,omitempty"`
	X          int    `json:"x,omitempty"`
	Y          int    `json:"y,omitempty"`
	X2         int    `json:"x2,omitempty"`
	Y2         int    `json:"y2,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`
}

var nodeActions = map[string]NodeAction{
	string(ActionClick):          ActionClick,
	string(ActionLongPress):      ActionLongPress,
	string(ActionSetText):        ActionSetText,
	string(ActionClear):          ActionClear,
	string(ActionFocus):          ActionFocus,
	string(ActionScrollForward):  ActionScrollForward,
	string(ActionScrollBackward): ActionScrollBackward,
	"scroll":                     ActionScrollForward,
}

var globalActions = map[string]GlobalAction{
	string(GlobalHome):          GlobalHome,
	string(GlobalBack):          GlobalBack,
	string(GlobalRecents):       GlobalRecents,
	string(GlobalNotifications): GlobalNotifications,
	string(GlobalScreenshot):    GlobalScreenshot,
	string(GlobalClipboardGet):  GlobalClipboardGet,
	string(GlobalClipboardSet):  GlobalClipboardSet,
	string(GlobalPaste):         GlobalPaste,
}

func (t *ActionTool) Name() string { return ActionToolName }

func (t *ActionTool) Description() string {
	return `Act on the screen.
Node actions need "node_id" from the latest screen: click, long_press, set_text (with "text"), clear, focus, scroll_forward, scroll_backward.
Global actions need no node: home, back, recents, notifications, screenshot, clipboard_get, clipboard_set (with "text"), paste.
"gesture" taps at (x, y), or swipes to (x2, y2) over duration_ms.
The screen is not recaptured; call ui_refresh to see the result.`
}

func (t *ActionTool) Schema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["click", "long_press", "set_text", "clear", "focus", "scroll_forward", "scroll_backward",
      "home", "back", "recents", "notifications", "screenshot", "clipboard_get", "clipboard_set", "paste", "gesture"]},
    "node_id": {"type": "string", "description": "Id from the latest screen, e.g. B3"},
    "text": {"type": "string"},
    "x": {"type": "integer"}, "y": {"type": "integer"},
    "x2": {"type": "integer"}, "y2": {"type": "integer"},
    "duration_ms": {"type": "integer"}
  },
  "required": ["action"]
}`)
}

func (t *ActionTool) Execute(ctx context.Context, input json.RawMessage) (*tools.ToolResult, error) {
	var in actionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return tools.Errorf(fmt.Sprintf("Invalid ui_action arguments: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(in.Action))
	dev := t.screen.device

	if na, ok := nodeActions[action]; ok {
		if in.NodeID == "" {
			return tools.Errorf(fmt.Sprintf("%s needs node_id from the latest screen.", action)), nil
		}
		node, err := t.screen.tracker.Resolve(in.NodeID)
		if err != nil {
			return tools.Errorf(err.Error()), nil
		}
		var args map[string]string
		if na == ActionSetText {
			args = map[string]string{"text": in.Text}
		}
		if err := dev.NodeAction(ctx, node.Handle, na, args); err != nil {
			return deviceError(err, in.NodeID), nil
		}
		return &tools.ToolResult{Content: fmt.Sprintf("Did %s on %s. Call ui_refresh to see the result.", na, node.ID)}, nil
	}

	if ga, ok := globalActions[action]; ok {
		var args map[string]string
		if ga == GlobalClipboardSet {
			args = map[string]string{"text": in.Text}
		}
		out, err := dev.GlobalAction(ctx, ga, args)
		if err != nil {
			return deviceError(err, ""), nil
		}
		if out != "" {
			return &tools.ToolResult{Content: out}, nil
		}
		return &tools.ToolResult{Content: fmt.Sprintf("Did %s. Call ui_refresh to see the result.", ga)}, nil
	}

	if action == "gesture" {
		g := Gesture{X1: in.X, Y1: in.Y, X2: in.X2, Y2: in.Y2, Duration: time.Duration(in.DurationMS) * time.Millisecond}
		if g.X1 < 0 || g.Y1 < 0 || g.X2 < 0 || g.Y2 < 0 {
			return tools.Errorf("Gesture coordinates must not be negative."), nil
		}
		if err := dev.Gesture(ctx, g); err != nil {
			return deviceError(err, ""), nil
		}
		kind := "tap"
		if g.Swipe() {
			kind = "swipe"
		}
		return &tools.ToolResult{Content: fmt.Sprintf("Did %s. Call ui_refresh to see the result.", kind)}, nil
	}

	return tools.Errorf(fmt.Sprintf("Unknown action %q.", in.Action)), nil
}

func deviceError(err error, nodeID string) *tools.ToolResult {
	switch {
	case errors.Is(err, ErrNodeGone):
		return tools.Errorf(fmt.Sprintf("Node %s is no longer on screen. Call ui_refresh.", nodeID))
	case errors.Is(err, ErrDeviceDisconnected):
		return tools.Errorf("The device is disconnected. Finish with status failed.")
	}
	return tools.Errorf(fmt.Sprintf("Action failed: %v", err))
}

// RefreshTool is the ui_refresh capability. The new screen comes back as the tool
// result within the same run.
type RefreshTool struct {
	screen *screen
}

func (t *RefreshTool) Name() string { return RefreshToolName }

func (t *RefreshTool) Description() string {
	return `Wait for the screen to settle and capture it again. All previous node ids become invalid.`
}

func (t *RefreshTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{}}`)
}

func (t *RefreshTool) Execute(ctx context.Context, _ json.RawMessage) (*tools.ToolResult, error) {
	snap, unchanged, err := t.screen.capture(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return deviceError(err, ""), nil
	}
	out := snap.Render()
	if unchanged {
		out = "Screen unchanged since the last capture.\n" + out
	}
	if note := t.screen.noteFor(ctx, snap.Surface); note != "" {
		out += "\nNotes from earlier runs on this app:\n" + note + "\n"
	}
	return &tools.ToolResult{Content: out}, nil
}
