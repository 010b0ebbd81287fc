package action

import (
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/types"
)

// historyCapacity bounds the per-session audit ring. Oldest entries
// fall off first.
const historyCapacity = 1000

// HistoryEntry is one executed action in a session's audit trail.
type HistoryEntry struct {
	RequestID  string             `json:"requestId"`
	ActionType string             `json:"actionType"`
	ContextID  string             `json:"contextId,omitempty"`
	PageID     string             `json:"pageId"`
	Success    bool               `json:"success"`
	Error      *types.ActionError `json:"error,omitempty"`
	Attempts   int                `json:"attempts"`
	Duration   time.Duration      `json:"duration"`
	Timestamp  time.Time          `json:"timestamp"`
}

// History keeps a bounded ring of executed actions per session.
type History struct {
	mu    sync.Mutex
	rings map[string]*ring
}

type ring struct {
	entries []HistoryEntry
	next    int
	full    bool
}

func NewHistory() *History {
	return &History{rings: make(map[string]*ring)}
}

// Record appends an entry to the session's ring.
func (h *History) Record(sessionID string, e HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[sessionID]
	if !ok {
		r = &ring{entries: make([]HistoryEntry, historyCapacity)}
		h.rings[sessionID] = r
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % historyCapacity
	if r.next == 0 {
		r.full = true
	}
}

// List returns the session's entries, oldest first, at most limit
// (0 means all).
func (h *History) List(sessionID string, limit int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rings[sessionID]
	if !ok {
		return nil
	}

	var out []HistoryEntry
	if r.full {
		out = append(out, r.entries[r.next:]...)
		out = append(out, r.entries[:r.next]...)
	} else {
		out = append(out, r.entries[:r.next]...)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Drop discards a session's trail when the session terminates.
func (h *History) Drop(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rings, sessionID)
}
