// Package timers provides an injectable clock and a keyed arena of
// cancellable timers, so deferred work can be swept in one call on teardown.
package timers

import (
	"sort"
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so schedulers can be driven deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type entry struct {
	timer Timer
	gen   uint64
}

// Arena owns a set of timers indexed by key. Scheduling a key that is
// already armed replaces the earlier timer. After Close, the arena refuses
// to arm anything new.
type Arena struct {
	mu     sync.Mutex
	clock  Clock
	timers map[string]entry
	gen    uint64
	closed bool
}

// NewArena creates an arena using the given clock.
func NewArena(clock Clock) *Arena {
	if clock == nil {
		clock = Real()
	}
	return &Arena{
		clock:  clock,
		timers: make(map[string]entry),
	}
}

// Schedule arms f to run after d under key, replacing any timer already
// armed under that key. It returns false if the arena is closed.
func (a *Arena) Schedule(key string, d time.Duration, f func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	if old, ok := a.timers[key]; ok {
		old.timer.Stop()
	}
	a.gen++
	gen := a.gen
	t := a.clock.AfterFunc(d, func() {
		// A stopped timer may still fire if Stop lost the race; the
		// generation check drops those.
		a.mu.Lock()
		cur, ok := a.timers[key]
		if !ok || cur.gen != gen || a.closed {
			a.mu.Unlock()
			return
		}
		delete(a.timers, key)
		a.mu.Unlock()
		f()
	})
	a.timers[key] = entry{timer: t, gen: gen}
	return true
}

// Cancel stops the timer under key. It reports whether one was armed.
func (a *Arena) Cancel(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(a.timers, key)
	return true
}

// Has reports whether a timer is armed under key.
func (a *Arena) Has(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.timers[key]
	return ok
}

// Len returns the number of armed timers.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Keys returns the armed keys in sorted order.
func (a *Arena) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.timers))
	for k := range a.timers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// StopAll cancels every armed timer but leaves the arena usable.
func (a *Arena) StopAll() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopAllLocked()
}

// Close cancels every armed timer and prevents new ones.
func (a *Arena) Close() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return a.stopAllLocked()
}

func (a *Arena) stopAllLocked() int {
	n := len(a.timers)
	for k, e := range a.timers {
		e.timer.Stop()
		delete(a.timers, k)
	}
	return n
}
