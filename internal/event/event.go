// Package event defines the refresh event model shared by the transport,
// the adaptive poller and the refresh scheduler.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed is returned by Validate for events that cannot be scheduled.
var ErrMalformed = errors.New("malformed refresh event")

// Priority ranks how urgently an event must reach the page. Lower values
// are more urgent.
type Priority int

const (
	PriorityUnknown Priority = iota
	Critical
	Important
	Minor
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "CRITICAL"
	case Important:
		return "IMPORTANT"
	case Minor:
		return "MINOR"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three fixed tiers.
func (p Priority) Valid() bool {
	return p == Critical || p == Important || p == Minor
}

// ParsePriority accepts the tier names case-insensitively.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return Critical, nil
	case "IMPORTANT":
		return Important, nil
	case "MINOR":
		return Minor, nil
	}
	return PriorityUnknown, fmt.Errorf("%w: unknown priority %q", ErrMalformed, s)
}

func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: priority %d", ErrMalformed, int(p))
	}
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	parsed, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Category identifies the affected domain and selects the selective-refresh
// signal for entity-scoped events.
type Category string

const (
	CategoryCourseUpdate   Category = "COURSE_UPDATE"
	CategoryUserManagement Category = "USER_MANAGEMENT"
	CategorySessionChange  Category = "SESSION_CHANGE"
	CategoryEnrollment     Category = "ENROLLMENT"
	CategoryAdmin          Category = "ADMIN_UPDATE"
	CategoryTutor          Category = "TUTOR_UPDATE"
	CategoryStudent        Category = "STUDENT_UPDATE"
	CategoryBackgroundSync Category = "BACKGROUND_SYNC"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryCourseUpdate,
	CategoryUserManagement,
	CategorySessionChange,
	CategoryEnrollment,
	CategoryAdmin,
	CategoryTutor,
	CategoryStudent,
	CategoryBackgroundSync,
}

// Entity is a single {type, id} reference carried by an event.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RefreshEvent is the unit of work flowing from the transports to the
// scheduler. It is passed by value; a queued copy never changes priority.
type RefreshEvent struct {
	ID                  string
	Category            Category
	Priority            Priority
	Payload             json.RawMessage
	AffectedEntities    []Entity // empty means "affects everything"
	NotificationMessage string   // Important events only
	Timestamp           time.Time
	Selective           bool // entity-scoped; bypasses the policy table
}

// New builds an event stamped with a fresh ID and the given time.
func New(category Category, priority Priority, now time.Time) RefreshEvent {
	return RefreshEvent{
		ID:        uuid.NewString(),
		Category:  category,
		Priority:  priority,
		Timestamp: now,
	}
}

// Validate rejects events missing a category or carrying an unknown priority.
func (e RefreshEvent) Validate() error {
	if e.Category == "" {
		return fmt.Errorf("%w: missing category", ErrMalformed)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: invalid priority for %s", ErrMalformed, e.Category)
	}
	return nil
}

// AffectsEverything reports whether the event carries no entity scope.
func (e RefreshEvent) AffectsEverything() bool {
	return len(e.AffectedEntities) == 0
}

// Before orders events by priority, then by arrival time.
func (e RefreshEvent) Before(o RefreshEvent) bool {
	if e.Priority != o.Priority {
		return e.Priority < o.Priority
	}
	return e.Timestamp.Before(o.Timestamp)
}

// Subscription scopes server push delivery to one entity.
type Subscription struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

func (s Subscription) String() string {
	return s.EntityType + ":" + s.EntityID
}
