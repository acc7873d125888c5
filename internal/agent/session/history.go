package session

import "sync"

// History is the interactive conversation kept across turns. It is capped at a
// maximum number of messages; older entries are dropped first.
type History struct {
	mu   sync.RWMutex
	msgs []Message
	cap  int
}

// NewHistory creates an empty history. cap <= 0 means unbounded.
func NewHistory(cap int) *History {
	return &History{cap: cap}
}

// Append adds messages at the end and enforces the cap.
func (h *History) Append(msgs ...Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, Clone(msgs)...)
	h.msgs = Truncate(h.msgs, h.cap)
}

// Export returns a copy of the ordered history.
func (h *History) Export() []Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Clone(h.msgs)
}

// Import replaces the history, keeping only the most recent cap entries.
func (h *History) Import(msgs []Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = Truncate(Clone(msgs), h.cap)
}

// SetCap changes the cap and re-applies it.
func (h *History) SetCap(cap int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cap = cap
	h.msgs = Truncate(h.msgs, cap)
}

// Len returns the number of messages held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.msgs)
}

// Clear drops every message.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}

// Truncate keeps the most recent max messages. The kept window never begins with
// tool results whose assistant call was cut away.
func Truncate(msgs []Message, max int) []Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	start := len(msgs) - max
	for start < len(msgs) && msgs[start].Role == RoleTool {
		start++
	}
	out := make([]Message, len(msgs)-start)
	copy(out, msgs[start:])
	return out
}
