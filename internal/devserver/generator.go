package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/tutorly/livesync/internal/event"
)

type mockUpdate struct {
	kind     event.MessageType
	category event.Category
	entity   string
	message  string
}

// rotation mirrors the broadcast mix a tutoring platform produces: rare
// critical changes, notify-worthy admin edits and a steady trickle of
// background and entity-scoped updates.
var rotation = []mockUpdate{
	{kind: event.MsgBackgroundSyncAvailable, category: event.CategoryBackgroundSync},
	{kind: event.MsgEntityUpdate, category: event.CategoryCourseUpdate, entity: "course"},
	{kind: event.MsgPendingUpdate, category: event.CategoryCourseUpdate, entity: "course", message: "Course materials were updated."},
	{kind: event.MsgEntityUpdate, category: event.CategorySessionChange, entity: "session"},
	{kind: event.MsgBackgroundSyncAvailable, category: event.CategoryStudent, entity: "student"},
	{kind: event.MsgPendingUpdate, category: event.CategoryTutor, entity: "tutor", message: "Your tutor changed availability."},
	{kind: event.MsgCriticalUpdate, category: event.CategoryEnrollment, entity: "enrollment"},
	{kind: event.MsgEntityUpdate, category: event.CategoryEnrollment, entity: "enrollment"},
	{kind: event.MsgCriticalUpdate, category: event.CategoryUserManagement, entity: "user"},
	{kind: event.MsgPendingUpdate, category: event.CategoryAdmin, message: "Platform settings changed."},
}

// MockGenerator publishes the rotation on a ticker.
type MockGenerator struct {
	broadcaster *Broadcaster
	interval    time.Duration
	log         *slog.Logger

	mu   sync.Mutex
	rng  *rand.Rand
	tick int
	ids  map[string][]string
}

func NewGenerator(b *Broadcaster, interval time.Duration, seed int64, log *slog.Logger) *MockGenerator {
	if log == nil {
		log = slog.Default().With("component", "mock")
	}
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &MockGenerator{
		broadcaster: b,
		interval:    interval,
		log:         log,
		rng:         rand.New(rand.NewSource(seed)),
		ids: map[string][]string{
			"course":     {"c1", "c2", "c3"},
			"session":    {"s1", "s2"},
			"student":    {"st1", "st2", "st3"},
			"tutor":      {"t1", "t2"},
			"enrollment": {"e1", "e2"},
			"user":       {"u1"},
		},
	}
}

// Start launches the publishing loop.
func (g *MockGenerator) Start(ctx context.Context) {
	go g.run(ctx)
}

func (g *MockGenerator) run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Tick(); err != nil {
				g.log.Warn("mock publish failed", "error", err)
			}
		}
	}
}

// Tick publishes the next update in the rotation.
func (g *MockGenerator) Tick() (event.Update, error) {
	g.mu.Lock()
	m := rotation[g.tick%len(rotation)]
	g.tick++
	n := g.tick
	p := event.UpdatePayload{Category: m.category, Message: m.message}
	if m.entity != "" {
		ids := g.ids[m.entity]
		id := ids[g.rng.Intn(len(ids))]
		p.AffectedEntities = []event.Entity{{Type: m.entity, ID: id}}
		p.Data, _ = json.Marshal(map[string]any{
			"id":       id,
			"revision": n,
			"summary":  fmt.Sprintf("%s %s changed", m.entity, id),
		})
	}
	g.mu.Unlock()

	return g.broadcaster.Publish(m.kind, p)
}
