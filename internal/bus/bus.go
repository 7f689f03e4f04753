// Package bus is the typed page-signal channel the scheduler publishes on.
// UI collaborators subscribe with On and receive signals synchronously.
package bus

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/tutorly/livesync/internal/event"
)

// Signal names a page-level refresh signal.
type Signal string

const (
	FullRefresh    Signal = "refresh:full"
	CourseData     Signal = "refresh:course-data"
	UserData       Signal = "refresh:user-data"
	SessionData    Signal = "refresh:session-data"
	EnrollmentData Signal = "refresh:enrollment-data"
	AdminData      Signal = "refresh:admin-data"
	TutorData      Signal = "refresh:tutor-data"
	StudentData    Signal = "refresh:student-data"

	TransportUp   Signal = "transport:up"
	TransportDown Signal = "transport:down"
)

// Payload is delivered with every signal. Selective signals leave Payload
// empty and carry only the affected entities.
type Payload struct {
	Category         event.Category
	Payload          json.RawMessage
	AffectedEntities []event.Entity
}

// Handler receives a signal payload.
type Handler func(Payload)

// SelectiveSignal returns the category-specific signal for entity-scoped
// refreshes. Categories without a dedicated signal report false.
func SelectiveSignal(c event.Category) (Signal, bool) {
	switch c {
	case event.CategoryCourseUpdate:
		return CourseData, true
	case event.CategoryUserManagement:
		return UserData, true
	case event.CategorySessionChange:
		return SessionData, true
	case event.CategoryEnrollment:
		return EnrollmentData, true
	case event.CategoryAdmin:
		return AdminData, true
	case event.CategoryTutor:
		return TutorData, true
	case event.CategoryStudent:
		return StudentData, true
	}
	return "", false
}

// Bus is a small typed publish/subscribe channel.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Signal]map[uint64]Handler
	next     uint64
	log      *slog.Logger
}

// New creates an empty bus.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		handlers: make(map[Signal]map[uint64]Handler),
		log:      log,
	}
}

// On registers h for sig and returns a function that removes it.
func (b *Bus) On(sig Signal, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	id := b.next
	if b.handlers[sig] == nil {
		b.handlers[sig] = make(map[uint64]Handler)
	}
	b.handlers[sig][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers[sig], id)
		})
	}
}

// Emit delivers p to every handler of sig in registration order and
// returns how many ran. A panicking handler is logged and skipped.
func (b *Bus) Emit(sig Signal, p Payload) int {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers[sig]))
	for id := range b.handlers[sig] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, 0, len(ids))
	for _, id := range ids {
		hs = append(hs, b.handlers[sig][id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(sig, h, p)
	}
	return len(hs)
}

func (b *Bus) call(sig Signal, h Handler, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("signal handler panicked", "signal", sig, "panic", r)
		}
	}()
	h(p)
}

// Count returns the number of handlers registered for sig.
func (b *Bus) Count(sig Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[sig])
}

// Clear drops every handler.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[Signal]map[uint64]Handler)
}
