package uiauto

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Node is a node as the model sees it. ID is ephemeral: valid only for the
// snapshot that assigned it.
type Node struct {
	ID         string
	Handle     string
	Role       string
	Label      string
	Value      string
	Bounds     Rect
	Actionable bool
	Editable   bool
	Scrollable bool
	Checked    *bool
	Focused    bool
}

// Snapshot is one annotated capture.
type Snapshot struct {
	Seq        int
	Surface    string
	Window     string
	CapturedAt time.Time
	Nodes      []*Node // ordered by screen position
	byID       map[string]*Node
}

// rolePrefixMap maps role names to short id prefixes.
var rolePrefixMap = map[string]string{
	"button":         "B",
	"imagebutton":    "B",
	"textfield":      "T",
	"text field":     "T",
	"edittext":       "T",
	"link":           "L",
	"checkbox":       "C",
	"check box":      "C",
	"switch":         "C",
	"toggle":         "C",
	"togglebutton":   "C",
	"menu":           "M",
	"menu item":      "M",
	"menuitem":       "M",
	"slider":         "S",
	"seekbar":        "S",
	"tab":            "A",
	"radio":          "R",
	"radiobutton":    "R",
	"spinner":        "P",
	"combobox":       "P",
	"image":          "G",
	"imageview":      "G",
	"text":           "X",
	"textview":       "X",
	"static text":    "X",
	"toolbar":        "O",
	"list":           "I",
	"listview":       "I",
	"recyclerview":   "I",
	"scrollview":     "I",
	"viewgroup":      "U",
	"group":          "U",
	"framelayout":    "U",
	"linearlayout":   "U",
	"relativelayout": "U",
}

// NewSnapshot flattens tree, keeps nodes that can be acted on or carry text,
// orders them top-to-bottom then left-to-right, and assigns role-prefixed ids
// (B1, T1, X3 ...).
func NewSnapshot(tree *RawTree, seq int) *Snapshot {
	snap := &Snapshot{Seq: seq, CapturedAt: time.Now(), byID: make(map[string]*Node)}
	if tree == nil {
		return snap
	}
	snap.Surface = tree.Surface
	snap.Window = tree.Window

	var flat []RawNode
	flattenTree(tree.Roots, &flat)

	var kept []RawNode
	for _, raw := range flat {
		if raw.Bounds.Width <= 0 || raw.Bounds.Height <= 0 {
			continue
		}
		if !actionable(raw) && label(raw) == "" {
			continue
		}
		kept = append(kept, raw)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i].Bounds, kept[j].Bounds
		// nodes within a 10px band share a row
		if abs(a.Y-b.Y) > 10 {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	counters := make(map[string]int)
	snap.Nodes = make([]*Node, 0, len(kept))
	for _, raw := range kept {
		prefix := rolePrefix(raw.Role)
		counters[prefix]++
		n := &Node{
			ID:         fmt.Sprintf("%s%d", prefix, counters[prefix]),
			Handle:     raw.Handle,
			Role:       shortRole(raw.Role),
			Label:      label(raw),
			Value:      raw.Value,
			Bounds:     raw.Bounds,
			Actionable: actionable(raw),
			Editable:   raw.Editable,
			Scrollable: raw.Scrollable,
			Checked:    raw.Checked,
			Focused:    raw.Focused,
		}
		snap.Nodes = append(snap.Nodes, n)
		snap.byID[n.ID] = n
	}
	return snap
}

// Lookup resolves an ephemeral id.
func (s *Snapshot) Lookup(id string) (*Node, bool) {
	n, ok := s.byID[strings.ToUpper(strings.TrimSpace(id))]
	return n, ok
}

// Render formats the snapshot compactly for the model.
func (s *Snapshot) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Screen #%d", s.Seq)
	if s.Surface != "" {
		fmt.Fprintf(&sb, " app=%s", s.Surface)
	}
	if s.Window != "" {
		fmt.Fprintf(&sb, " window=%q", s.Window)
	}
	sb.WriteString("\n")
	if len(s.Nodes) == 0 {
		sb.WriteString("No elements found.\n")
		return sb.String()
	}
	for _, n := range s.Nodes {
		lbl := n.Label
		if lbl == "" {
			lbl = "(no label)"
		}
		if utf8.RuneCountInString(lbl) > 60 {
			lbl = string([]rune(lbl)[:57]) + "..."
		}
		fmt.Fprintf(&sb, "%-4s %-10s %q", n.ID, n.Role, lbl)
		if n.Value != "" && n.Value != n.Label {
			fmt.Fprintf(&sb, " value=%q", n.Value)
		}
		var flags []string
		if n.Actionable {
			flags = append(flags, "clickable")
		}
		if n.Editable {
			flags = append(flags, "editable")
		}
		if n.Scrollable {
			flags = append(flags, "scrollable")
		}
		if n.Checked != nil {
			if *n.Checked {
				flags = append(flags, "on")
			} else {
				flags = append(flags, "off")
			}
		}
		if n.Focused {
			flags = append(flags, "focused")
		}
		if len(flags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(flags, ","))
		}
		cx, cy := n.Bounds.Center()
		fmt.Fprintf(&sb, " @(%d,%d)\n", cx, cy)
	}
	return sb.String()
}

// fingerprint identifies the visible content, ignoring ids and sequence.
func (s *Snapshot) fingerprint() string {
	var sb strings.Builder
	sb.WriteString(s.Surface)
	for _, n := range s.Nodes {
		fmt.Fprintf(&sb, "|%s:%s:%s", n.Role, n.Label, n.Value)
	}
	return sb.String()
}

// Tracker holds the latest snapshot of one run. Ids resolve only against it.
type Tracker struct {
	mu     sync.RWMutex
	latest *Snapshot
	seq    int
}

// Update annotates tree as the new latest snapshot.
func (t *Tracker) Update(tree *RawTree) *Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	t.latest = NewSnapshot(tree, t.seq)
	return t.latest
}

// Latest returns the current snapshot, or nil before the first capture.
func (t *Tracker) Latest() *Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.latest
}

// Resolve looks id up in the latest snapshot.
func (t *Tracker) Resolve(id string) (*Node, error) {
	snap := t.Latest()
	if snap == nil {
		return nil, fmt.Errorf("no screen captured yet; call ui_refresh first")
	}
	n, ok := snap.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("node %q is not on screen #%d. Ids change after every refresh; use an id from the latest screen or call ui_refresh", id, snap.Seq)
	}
	return n, nil
}

func actionable(raw RawNode) bool {
	return raw.Clickable || raw.Editable || raw.Scrollable || raw.Checked != nil
}

func label(raw RawNode) string {
	if s := strings.TrimSpace(raw.Text); s != "" {
		return s
	}
	return strings.TrimSpace(raw.Description)
}

func flattenTree(nodes []RawNode, out *[]RawNode) {
	for _, node := range nodes {
		*out = append(*out, node)
		if len(node.Children) > 0 {
			flattenTree(node.Children, out)
		}
	}
}

// shortRole strips a class-name qualifier: "android.widget.Button" -> "button".
func shortRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if i := strings.LastIndex(r, "."); i >= 0 {
		r = r[i+1:]
	}
	return r
}

func rolePrefix(role string) string {
	normalized := shortRole(role)
	if prefix, ok := rolePrefixMap[normalized]; ok {
		return prefix
	}
	if len(normalized) > 0 {
		return strings.ToUpper(normalized[:1])
	}
	return "E"
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
