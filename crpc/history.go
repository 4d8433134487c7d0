package crpc

import "github.com/gordian-engine/coop/cclock"

// DefaultHistorySize is used when [ManagerConfig.HistorySize] is zero.
const DefaultHistorySize = 32

// HistoryEntry is one line of a handler's call history.
type HistoryEntry struct {
	Tick        cclock.Tick
	Description string
}

// history is a fixed-capacity ring, oldest entry evicted first.
type history struct {
	entries []HistoryEntry

	// Index of the oldest entry once the ring is full.
	start int
}

func (h *history) push(e HistoryEntry, size int) {
	if len(h.entries) < size {
		h.entries = append(h.entries, e)
		return
	}
	h.entries[h.start] = e
	h.start = (h.start + 1) % size
}

// ordered returns a copy, oldest first.
func (h *history) ordered() []HistoryEntry {
	out := make([]HistoryEntry, 0, len(h.entries))
	out = append(out, h.entries[h.start:]...)
	out = append(out, h.entries[:h.start]...)
	return out
}
