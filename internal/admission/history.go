package admission

import (
	"sync"
	"time"
)

type record struct {
	Identifier string
	Operation  string
	Success    bool
	At         time.Time
}

// historyRing keeps the most recent N request records. Insertion is O(1);
// old entries are overwritten in place.
type historyRing struct {
	mu      sync.Mutex
	entries []record
	next    int
	size    int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{entries: make([]record, capacity)}
}

func (h *historyRing) add(r record) {
	h.mu.Lock()
	h.entries[h.next] = r
	h.next = (h.next + 1) % len(h.entries)
	if h.size < len(h.entries) {
		h.size++
	}
	h.mu.Unlock()
}

func (h *historyRing) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// recent returns up to n records, newest first.
func (h *historyRing) recent(n int) []record {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > h.size {
		n = h.size
	}
	out := make([]record, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.entries)) % len(h.entries)
		out = append(out, h.entries[idx])
	}
	return out
}

// pruneBefore zeroes records older than the cutoff so the sweep bounds
// retained history by age as well as by count.
func (h *historyRing) pruneBefore(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := 0
	for i := 1; i <= h.size; i++ {
		idx := (h.next - i + len(h.entries)) % len(h.entries)
		if h.entries[idx].At.Before(cutoff) {
			h.entries[idx] = record{}
		} else {
			kept++
		}
	}
	h.size = kept
}

// HistoryStats summarizes the retained request history.
type HistoryStats struct {
	Recorded  int `json:"recorded"`
	Failures  int `json:"failures"`
	Successes int `json:"successes"`
}

// HistoryStats reports counts over the retained request history.
func (c *Controller) HistoryStats() HistoryStats {
	recent := c.history.recent(c.history.len())
	stats := HistoryStats{Recorded: len(recent)}
	for _, r := range recent {
		if r.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
	}
	return stats
}
