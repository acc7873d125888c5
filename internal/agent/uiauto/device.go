// Package uiauto drives an externally rendered UI through its accessibility tree.
// The device renders and navigates; this package only reads trees and issues actions.
package uiauto

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDeviceDisconnected is returned when no device is attached.
	ErrDeviceDisconnected = errors.New("uiauto: device disconnected")
	// ErrNodeGone is returned by a device when a handle no longer resolves.
	ErrNodeGone = errors.New("uiauto: node no longer on screen")
)

// Rect is a screen rectangle in device pixels.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Center returns the center point of the rectangle.
func (r Rect) Center() (int, int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// RawNode is one accessibility node as reported by the device. Handle is the
// device's own opaque reference and never reaches the model.
type RawNode struct {
	Handle      string    `json:"handle"`
	Role        string    `json:"role"`
	Text        string    `json:"text,omitempty"`
	Description string    `json:"description,omitempty"`
	Value       string    `json:"value,omitempty"`
	Bounds      Rect      `json:"bounds"`
	Clickable   bool      `json:"clickable,omitempty"`
	Editable    bool      `json:"editable,omitempty"`
	Scrollable  bool      `json:"scrollable,omitempty"`
	Checked     *bool     `json:"checked,omitempty"`
	Focused     bool      `json:"focused,omitempty"`
	Children    []RawNode `json:"children,omitempty"`
}

// RawTree is a full capture of the current screen.
type RawTree struct {
	// Surface names the foreground app or screen, e.g. "com.android.settings".
	Surface string    `json:"surface"`
	Window  string    `json:"window,omitempty"`
	Roots   []RawNode `json:"roots"`
}

// NodeAction is an action aimed at one node.
type NodeAction string

const (
	ActionClick          NodeAction = "click"
	ActionLongPress      NodeAction = "long_press"
	ActionSetText        NodeAction = "set_text"
	ActionClear          NodeAction = "clear"
	ActionFocus          NodeAction = "focus"
	ActionScrollForward  NodeAction = "scroll_forward"
	ActionScrollBackward NodeAction = "scroll_backward"
)

// GlobalAction needs no node.
type GlobalAction string

const (
	GlobalHome          GlobalAction = "home"
	GlobalBack          GlobalAction = "back"
	GlobalRecents       GlobalAction = "recents"
	GlobalNotifications GlobalAction = "notifications"
	GlobalScreenshot    GlobalAction = "screenshot"
	GlobalClipboardGet  GlobalAction = "clipboard_get"
	GlobalClipboardSet  GlobalAction = "clipboard_set"
	GlobalPaste         GlobalAction = "paste"
)

// Gesture is a coordinate gesture. A zero end point means a tap.
type Gesture struct {
	X1       int           `json:"x1"`
	Y1       int           `json:"y1"`
	X2       int           `json:"x2,omitempty"`
	Y2       int           `json:"y2,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Swipe reports whether g moves between two points.
func (g Gesture) Swipe() bool {
	return (g.X2 != 0 || g.Y2 != 0) && (g.X2 != g.X1 || g.Y2 != g.Y1)
}

// Device is the UI being automated.
type Device interface {
	CaptureTree(ctx context.Context) (*RawTree, error)
	NodeAction(ctx context.Context, handle string, action NodeAction, args map[string]string) error
	// GlobalAction returns text for actions that read something (clipboard_get, screenshot).
	GlobalAction(ctx context.Context, action GlobalAction, args map[string]string) (string, error)
	Gesture(ctx context.Context, g Gesture) error
}
