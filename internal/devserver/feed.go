package devserver

import (
	"sync"

	"github.com/tutorly/livesync/internal/event"
)

type entry struct {
	seq    uint64
	update event.Update
}

// Feed retains recent broadcasts for poll clients. Each credential keeps
// its own cursor, so a check returns what that caller has not seen yet.
type Feed struct {
	mu      sync.Mutex
	limit   int
	items   []entry
	next    uint64
	cursors map[string]uint64
}

// NewFeed keeps at most limit updates.
func NewFeed(limit int) *Feed {
	if limit <= 0 {
		limit = 256
	}
	return &Feed{limit: limit, cursors: make(map[string]uint64)}
}

// Append records u and returns its sequence number.
func (f *Feed) Append(u event.Update) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.items = append(f.items, entry{seq: f.next, update: u})
	if over := len(f.items) - f.limit; over > 0 {
		f.items = append([]entry(nil), f.items[over:]...)
	}
	return f.next
}

// Since returns the retained updates after key's cursor and advances it.
// A new key starts from the oldest retained update.
func (f *Feed) Since(key string) []event.Update {
	f.mu.Lock()
	defer f.mu.Unlock()
	cursor := f.cursors[key]
	out := []event.Update{}
	for _, e := range f.items {
		if e.seq > cursor {
			out = append(out, e.update)
		}
	}
	f.cursors[key] = f.next
	return out
}

// Len returns the retained update count.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
