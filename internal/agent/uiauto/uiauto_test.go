package uiauto

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neboloop/vox/internal/agent/ai"
	"github.com/neboloop/vox/internal/agent/ai/aitest"
	"github.com/neboloop/vox/internal/agent/orchestrator"
	"github.com/neboloop/vox/internal/db"
)

type recordedAction struct {
	Handle string
	Action NodeAction
	Args   map[string]string
}

// fakeDevice serves trees in order, repeating the last one.
type fakeDevice struct {
	mu      sync.Mutex
	trees   []*RawTree
	actions []recordedAction
	globals []GlobalAction
	gone    map[string]bool
}

func (d *fakeDevice) CaptureTree(context.Context) (*RawTree, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.trees) == 0 {
		return nil, errors.New("no tree")
	}
	t := d.trees[0]
	if len(d.trees) > 1 {
		d.trees = d.trees[1:]
	}
	return t, nil
}

func (d *fakeDevice) NodeAction(_ context.Context, handle string, action NodeAction, args map[string]string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone[handle] {
		return ErrNodeGone
	}
	d.actions = append(d.actions, recordedAction{handle, action, args})
	return nil
}

func (d *fakeDevice) GlobalAction(_ context.Context, action GlobalAction, _ map[string]string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.globals = append(d.globals, action)
	if action == GlobalClipboardGet {
		return "clipboard text", nil
	}
	return "", nil
}

func (d *fakeDevice) Gesture(context.Context, Gesture) error { return nil }

func boolp(b bool) *bool { return &b }

func settingsTree() *RawTree {
	return &RawTree{Surface: "com.android.settings", Window: "Settings", Roots: []RawNode{{
		Handle: "root", Role: "android.widget.FrameLayout", Bounds: Rect{0, 0, 1080, 2400},
		Children: []RawNode{
			{Handle: "h-title", Role: "android.widget.TextView", Text: "Settings", Bounds: Rect{40, 100, 400, 80}},
			{Handle: "h-wifi", Role: "android.widget.Button", Text: "Network & internet", Clickable: true, Bounds: Rect{40, 300, 1000, 120}},
			{Handle: "h-search", Role: "android.widget.EditText", Description: "Search settings", Editable: true, Bounds: Rect{600, 105, 400, 70}},
			{Handle: "h-empty", Role: "android.view.View", Bounds: Rect{0, 0, 10, 10}},
		},
	}}}
}

func networkTree() *RawTree {
	return &RawTree{Surface: "com.android.settings", Window: "Network", Roots: []RawNode{
		{Handle: "h-toggle", Role: "android.widget.Switch", Text: "Wi-Fi", Checked: boolp(false), Bounds: Rect{40, 300, 1000, 120}},
	}}
}

func TestSnapshotOrdersAndLabels(t *testing.T) {
	snap := NewSnapshot(settingsTree(), 1)
	require.Len(t, snap.Nodes, 3)
	assert.Equal(t, "X1", snap.Nodes[0].ID)
	assert.Equal(t, "T1", snap.Nodes[1].ID)
	assert.Equal(t, "B1", snap.Nodes[2].ID)

	n, ok := snap.Lookup("b1")
	require.True(t, ok)
	assert.Equal(t, "h-wifi", n.Handle)
	assert.Equal(t, "button", n.Role)

	out := snap.Render()
	assert.Contains(t, out, `app=com.android.settings`)
	assert.Contains(t, out, `"Network & internet" [clickable]`)
	assert.NotContains(t, out, "h-wifi")
}

func TestTrackerResolvesLatestOnly(t *testing.T) {
	var tr Tracker
	_, err := tr.Resolve("B1")
	require.Error(t, err)

	tr.Update(settingsTree())
	_, err = tr.Resolve("B1")
	require.NoError(t, err)

	tr.Update(networkTree())
	_, err = tr.Resolve("B1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ui_refresh")
	n, err := tr.Resolve("C1")
	require.NoError(t, err)
	assert.Equal(t, "h-toggle", n.Handle)
}

func TestActionToolDispatch(t *testing.T) {
	dev := &fakeDevice{trees: []*RawTree{settingsTree()}, gone: map[string]bool{"h-search": true}}
	scr := &screen{device: dev, tracker: &Tracker{}}
	_, _, err := scr.capture(context.Background(), false)
	require.NoError(t, err)
	tool := &ActionTool{screen: scr}
	ctx := context.Background()

	res, err := tool.Execute(ctx, json.RawMessage(`{"action":"set_text","node_id":"B1","text":"hi"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, dev.actions, 1)
	assert.Equal(t, recordedAction{"h-wifi", ActionSetText, map[string]string{"text": "hi"}}, dev.actions[0])

	res, _ = tool.Execute(ctx, json.RawMessage(`{"action":"click"}`))
	assert.True(t, res.IsError)

	res, _ = tool.Execute(ctx, json.RawMessage(`{"action":"click","node_id":"Z9"}`))
	assert.True(t, res.IsError)

	res, _ = tool.Execute(ctx, json.RawMessage(`{"action":"focus","node_id":"T1"}`))
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "no longer on screen")

	res, _ = tool.Execute(ctx, json.RawMessage(`{"action":"clipboard_get"}`))
	assert.Equal(t, "clipboard text", res.Content)

	res, _ = tool.Execute(ctx, json.RawMessage(`{"action":"gesture","x":10,"y":20,"x2":10,"y2":800}`))
	assert.False(t, res.IsError)
	assert.Contains(t, res.Content, "swipe")

	res, _ = tool.Execute(ctx, json.RawMessage(`{"action":"dance"}`))
	assert.True(t, res.IsError)
}

func openStore(t *testing.T) *db.Store {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), db.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHintStore(t *testing.T) {
	hs, err := NewHintStore(openStore(t))
	require.NoError(t, err)
	ctx := context.Background()

	got, err := hs.Get(ctx, "com.android.settings")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, hs.Record(ctx, "com.android.settings", "Wi-Fi toggle is under B3 in Network, call 5551234567"))
	got, err = hs.Get(ctx, "com.android.settings")
	require.NoError(t, err)
	assert.Equal(t, "Wi-Fi toggle is under in Network, call", got)

	require.NoError(t, hs.Record(ctx, "com.android.settings", "Search is faster."))
	got, _ = hs.Get(ctx, "com.android.settings")
	assert.True(t, strings.HasSuffix(got, "Search is faster."))

	require.NoError(t, hs.Record(ctx, "com.android.settings", "B2 X4"))
	got2, _ := hs.Get(ctx, "com.android.settings")
	assert.Equal(t, got, got2)

	n, err := hs.Prune(ctx, -time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, _ = hs.Get(ctx, "com.android.settings")
	assert.Empty(t, got)
}

func TestScrubHint(t *testing.T) {
	assert.Equal(t, "mail to then tap", ScrubHint("mail  bob@example.com to A1\n then tap deadbeef01"))

	long := ScrubHint(strings.Repeat("é", 300))
	assert.True(t, utf8.ValidString(long))
	assert.Equal(t, strings.Repeat("é", 200), long)
}

func TestMergeHintsKeepsRunesWhole(t *testing.T) {
	merged := mergeHints("tap", strings.Repeat("é", 250))
	assert.True(t, utf8.ValidString(merged))
	assert.LessOrEqual(t, len(merged), maxHintChars)
	assert.Equal(t, strings.Repeat("é", 200), merged)
}

func TestRenderShortensLabelsByRune(t *testing.T) {
	snap := &Snapshot{Seq: 1, Nodes: []*Node{{ID: "T1", Role: "text", Label: strings.Repeat("ü", 70)}}}
	out := snap.Render()
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, `"`+strings.Repeat("ü", 57)+`..."`)
	assert.NotContains(t, out, `\x`)
}

func TestInstructionsCarryRulesAndHint(t *testing.T) {
	p := Instructions("Use search.", "de-DE")
	assert.Contains(t, p, "3 refreshes")
	assert.Contains(t, p, "press home")
	assert.Contains(t, p, `status "failed"`)
	assert.Contains(t, p, "Use search.")
	assert.Contains(t, p, `"de-DE"`)
	assert.NotContains(t, Instructions("", "en"), "Notes from earlier runs")
}

func TestRunEndToEnd(t *testing.T) {
	dev := &fakeDevice{trees: []*RawTree{settingsTree(), networkTree()}}
	hs, err := NewHintStore(openStore(t))
	require.NoError(t, err)
	require.NoError(t, hs.Record(context.Background(), "com.android.settings", "Network holds Wi-Fi."))

	p := aitest.New(
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c1", ActionToolName, map[string]string{"action": "click", "node_id": "B1"})}},
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c2", RefreshToolName, map[string]any{})}},
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c3", ActionToolName, map[string]string{"action": "click", "node_id": "B1"})}},
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c4", ActionToolName, map[string]string{"action": "click", "node_id": "C1"})}},
		aitest.Turn{Calls: []ai.ToolCall{aitest.Call("c5", orchestrator.FinishToolName, map[string]string{
			"status": "success", "message": "Wi-Fi is on.", "hint": "Toggle is the first switch.",
		})}},
	)

	a := New(dev, hs, orchestrator.NewHeadless(nil, nil, nil), Config{Provider: p, SettleDelay: time.Millisecond})
	out, err := a.Run(context.Background(), "turn on wifi")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, out.Status)
	assert.Equal(t, "Wi-Fi is on.", out.Message)

	reqs := p.Requests()
	require.Len(t, reqs, 5)
	assert.Contains(t, reqs[0].System, "Network holds Wi-Fi.")
	assert.Contains(t, reqs[0].Messages[0].Content, "Goal: turn on wifi")
	assert.Contains(t, reqs[0].Messages[0].Content, "Network & internet")

	// refreshed screen arrives as a tool result in the same run
	refreshed := reqs[2].Messages[len(reqs[2].Messages)-1]
	assert.Equal(t, "c2", refreshed.ToolCallID)
	assert.Contains(t, refreshed.Content, "Wi-Fi")

	// the stale B1 was rejected after the refresh
	stale := reqs[3].Messages[len(reqs[3].Messages)-1]
	assert.True(t, stale.IsError)

	require.Len(t, dev.actions, 2)
	assert.Equal(t, "h-wifi", dev.actions[0].Handle)
	assert.Equal(t, "h-toggle", dev.actions[1].Handle)

	hint, err := hs.Get(context.Background(), "com.android.settings")
	require.NoError(t, err)
	assert.Contains(t, hint, "Toggle is the first switch.")
}

func TestJobWithoutDevice(t *testing.T) {
	a := New(nil, nil, orchestrator.NewHeadless(nil, nil, nil), Config{})
	_, err := a.Job(context.Background(), "open mail")
	assert.ErrorIs(t, err, ErrDeviceDisconnected)
}

func TestLaunchToolIsFeatureScoped(t *testing.T) {
	a := New(&fakeDevice{trees: []*RawTree{settingsTree()}}, nil, orchestrator.NewHeadless(nil, nil, nil), Config{Provider: aitest.New()})
	tool := LaunchTool(a, fakeSpawner{})
	assert.Equal(t, LaunchToolName, tool.Name())

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"goal":"open mail"}`))
	require.NoError(t, err)
	assert.False(t, res.IsError)
}

type fakeSpawner struct{}

func (fakeSpawner) Spawn(_ context.Context, job orchestrator.Job, _ time.Duration) (*orchestrator.SubAgent, error) {
	return &orchestrator.SubAgent{ID: "agent-1", Kind: job.Kind}, nil
}
