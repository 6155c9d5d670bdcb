package digest

import (
	"sync"

	"github.com/syscl0ck/security-feed-ntfy/alert"
	"github.com/syscl0ck/security-feed-ntfy/scoring"
)

// Entry is one accumulated item with the decision that accepted it.
type Entry struct {
	Item     alert.Item
	Decision scoring.Decision
	seq      int
}

// Accumulator buffers accepted items until a digest is rendered.
// It is safe for concurrent use.
type Accumulator struct {
	mu      sync.Mutex
	entries []Entry
	index   map[string]int
	seq     int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{index: make(map[string]int)}
}

// Add buffers item. It returns false when an item with the same id is
// already present.
func (a *Accumulator) Add(item alert.Item, d scoring.Decision) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.index[item.ID]; ok {
		return false
	}
	a.seq++
	a.index[item.ID] = len(a.entries)
	a.entries = append(a.entries, Entry{Item: item, Decision: d, seq: a.seq})
	return true
}

// Len returns the number of buffered items.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Items returns the buffered items in arrival order.
func (a *Accumulator) Items() []alert.Item {
	a.mu.Lock()
	defer a.mu.Unlock()

	items := make([]alert.Item, len(a.entries))
	for i, e := range a.entries {
		items[i] = e.Item
	}
	return items
}

// Entries returns a copy of the buffered entries in arrival order.
func (a *Accumulator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Entry(nil), a.entries...)
}

// Reset drops every buffered item.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
	a.index = make(map[string]int)
	a.seq = 0
}
