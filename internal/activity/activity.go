// Package activity tracks the user's activity, the current route and tab
// visibility. One State lives for the lifetime of the client and is read by
// the scheduler before it acts on non-critical events.
package activity

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/timers"
)

// DefaultIdleTimeout is how long after the last interaction a user still
// counts as active.
const DefaultIdleTimeout = 60 * time.Second

// Snapshot is a consistent copy of the state.
type Snapshot struct {
	Active         bool
	LastActivityAt time.Time
	Route          string
	InSafeZone     bool
	Visible        bool
}

// Change describes what moved in a state update.
type Change struct {
	Before Snapshot
	After  Snapshot
}

// LeftSafeZone reports a transition out of a safe zone.
func (c Change) LeftSafeZone() bool { return c.Before.InSafeZone && !c.After.InSafeZone }

// BecameVisible reports a transition from hidden to visible.
func (c Change) BecameVisible() bool { return !c.Before.Visible && c.After.Visible }

// State is safe for concurrent use.
type State struct {
	mu          sync.Mutex
	clock       timers.Clock
	safeZones   []string
	idleTimeout time.Duration

	lastActivityAt time.Time
	route          string
	visible        bool

	listeners []func(Change)
}

// New creates a state for a visible tab with no recorded activity.
func New(safeZones []string, idleTimeout time.Duration, clock timers.Clock) *State {
	if clock == nil {
		clock = timers.Real()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	zones := make([]string, 0, len(safeZones))
	for _, z := range safeZones {
		if z = strings.TrimSpace(z); z != "" {
			zones = append(zones, z)
		}
	}
	return &State{
		clock:       clock,
		safeZones:   zones,
		idleTimeout: idleTimeout,
		visible:     true,
	}
}

// OnChange registers fn to run after every update.
func (s *State) OnChange(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// RecordActivity marks the user as active now.
func (s *State) RecordActivity() {
	s.update(func() { s.lastActivityAt = s.clock.Now() })
}

// SetRoute records the route the tab is showing.
func (s *State) SetRoute(route string) {
	s.update(func() { s.route = route })
}

// SetVisible records tab visibility.
func (s *State) SetVisible(v bool) {
	s.update(func() { s.visible = v })
}

// IsActive reports whether the user interacted within the idle timeout.
func (s *State) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

// InSafeZone reports whether the current route must not be interrupted.
func (s *State) InSafeZone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MatchSafeZone(s.safeZones, s.route)
}

// Visible reports whether the tab is in the foreground.
func (s *State) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

// Route returns the current route.
func (s *State) Route() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.route
}

// AffectedBy reports whether the current page is affected by an
// entity-scoped update.
func (s *State) AffectedBy(entities []event.Entity) bool {
	return PageAffected(s.Route(), entities)
}

// Snapshot returns a consistent copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		Active:         s.activeLocked(),
		LastActivityAt: s.lastActivityAt,
		Route:          s.route,
		InSafeZone:     MatchSafeZone(s.safeZones, s.route),
		Visible:        s.visible,
	}
}

func (s *State) activeLocked() bool {
	if s.lastActivityAt.IsZero() {
		return false
	}
	return s.clock.Now().Sub(s.lastActivityAt) < s.idleTimeout
}

func (s *State) update(mutate func()) {
	s.mu.Lock()
	before := s.snapshotLocked()
	mutate()
	after := s.snapshotLocked()
	listeners := append([]func(Change){}, s.listeners...)
	s.mu.Unlock()

	ch := Change{Before: before, After: after}
	for _, fn := range listeners {
		fn(ch)
	}
}

// MatchSafeZone reports whether route or any of its parent paths matches a
// safe-zone pattern. Patterns use path.Match syntax, so "/quiz/*" covers
// "/quiz/42/question/3".
func MatchSafeZone(zones []string, route string) bool {
	if route == "" {
		return false
	}
	if i := strings.IndexAny(route, "?#"); i >= 0 {
		route = route[:i]
	}
	for _, pattern := range zones {
		for p := route; p != "" && p != "/" && p != "."; p = path.Dir(p) {
			if matched, _ := path.Match(pattern, p); matched {
				return true
			}
		}
	}
	return false
}

// PageAffected is the coarse affected-page heuristic: an entity-scoped
// update affects the page when it has no entities or when any entity id
// appears in the route.
func PageAffected(route string, entities []event.Entity) bool {
	if len(entities) == 0 {
		return true
	}
	for _, e := range entities {
		if e.ID != "" && strings.Contains(route, e.ID) {
			return true
		}
	}
	return false
}
