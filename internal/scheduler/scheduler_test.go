package scheduler

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tutorly/livesync/internal/bus"
	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/testutil"
)

const wait = 2 * time.Second

type fakeActivity struct {
	mu     sync.Mutex
	safe   bool
	active bool
}

func (a *fakeActivity) InSafeZone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.safe
}

func (a *fakeActivity) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

func (a *fakeActivity) set(safe, active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.safe, a.active = safe, active
}

// journal records collaborator calls and signals in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type fakePreserver struct {
	j          *journal
	saveErr    error
	savePanic  bool
	restoreErr error
}

func (p *fakePreserver) Save() (any, error) {
	if p.savePanic {
		panic("storage unavailable")
	}
	p.j.add("save")
	if p.saveErr != nil {
		return nil, p.saveErr
	}
	return "token-1", nil
}

func (p *fakePreserver) Restore(token any) error {
	p.j.add("restore:" + token.(string))
	return p.restoreErr
}

type fakeScroll struct{ j *journal }

func (s *fakeScroll) SaveScroll() (any, error) {
	s.j.add("scroll-save")
	return 120, nil
}

func (s *fakeScroll) RestoreScroll(token any) error {
	if token.(int) != 120 {
		return errors.New("wrong scroll token")
	}
	s.j.add("scroll-restore")
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	prompts []Prompt
	err     error
}

func (n *fakeNotifier) ShowDeferredRefreshPrompt(p Prompt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prompts = append(n.prompts, p)
	return n.err
}

func (n *fakeNotifier) last(t *testing.T) Prompt {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.prompts) == 0 {
		t.Fatal("no prompt shown")
	}
	return n.prompts[len(n.prompts)-1]
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.prompts)
}

type harness struct {
	s        *Scheduler
	clock    *testutil.FakeClock
	activity *fakeActivity
	journal  *journal
	notifier *fakeNotifier
	pres     *fakePreserver
	full     chan bus.Payload
}

func newHarness(t *testing.T, stagger time.Duration) *harness {
	t.Helper()
	h := &harness{
		clock:    testutil.NewFakeClock(),
		activity: &fakeActivity{},
		journal:  &journal{},
		notifier: &fakeNotifier{},
		full:     make(chan bus.Payload, 16),
	}
	h.pres = &fakePreserver{j: h.journal}
	h.s = New(Options{
		Activity:   h.activity,
		Preserver:  h.pres,
		Scroll:     &fakeScroll{j: h.journal},
		Notifier:   h.notifier,
		Clock:      h.clock,
		MaxStagger: DefaultMaxStagger,
		Jitter:     func(time.Duration) time.Duration { return stagger },
	})
	h.s.On(bus.FullRefresh, func(p bus.Payload) {
		h.journal.add("refresh:" + string(p.Category))
		h.full <- p
	})
	t.Cleanup(h.s.Destroy)
	return h
}

func (h *harness) event(cat event.Category, prio event.Priority) event.RefreshEvent {
	return event.New(cat, prio, h.clock.Now())
}

func TestCriticalEventRefreshesWithinStagger(t *testing.T) {
	h := newHarness(t, 3*time.Second)

	ev := h.event(event.CategoryEnrollment, event.Critical)
	ev.AffectedEntities = []event.Entity{{Type: "enrollment", ID: "e1"}}
	h.s.Handle(ev)

	if !h.clock.WaitForTimers(1, wait) {
		t.Fatal("stagger timer was never armed")
	}
	if h.s.Phase() != PhaseStaggering {
		t.Errorf("Phase() = %v, want staggering", h.s.Phase())
	}
	testutil.NoRecv(t, h.full, 20*time.Millisecond)

	h.clock.Advance(3 * time.Second)
	p := testutil.Recv(t, h.full, wait)
	if p.Category != event.CategoryEnrollment {
		t.Errorf("Category = %q, want ENROLLMENT", p.Category)
	}
	if len(p.AffectedEntities) != 1 || p.AffectedEntities[0].ID != "e1" {
		t.Errorf("AffectedEntities = %v", p.AffectedEntities)
	}

	testutil.Eventually(t, wait, func() bool { return h.s.Phase() == PhaseIdle }, "cycle should return to idle")
	got := h.journal.snapshot()
	want := []string{"save", "refresh:ENROLLMENT", "restore:token-1"}
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("journal[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCriticalEventsNeverOverlap(t *testing.T) {
	h := newHarness(t, time.Second)

	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	h.s.On(bus.FullRefresh, func(bus.Payload) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
	})

	h.s.Handle(h.event(event.CategoryEnrollment, event.Critical))
	h.s.Handle(h.event(event.CategoryCourseUpdate, event.Critical))

	if !h.s.RetryPending() {
		t.Fatal("second critical event should wait in the retry slot")
	}

	h.clock.WaitForTimers(1, wait)
	h.clock.Advance(time.Second)
	first := testutil.Recv(t, h.full, wait)

	h.clock.WaitForTimers(1, wait)
	h.clock.Advance(time.Second)
	second := testutil.Recv(t, h.full, wait)

	if first.Category != event.CategoryEnrollment || second.Category != event.CategoryCourseUpdate {
		t.Errorf("order = %s, %s", first.Category, second.Category)
	}
	mu.Lock()
	defer mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max concurrent refreshes = %d, want 1", maxInFlight)
	}
}

func TestSafeZoneQueuesNonCritical(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, false)

	h.s.Handle(h.event(event.CategoryCourseUpdate, event.Important))
	h.s.Handle(h.event(event.CategoryUserManagement, event.Minor))

	if n := len(h.s.Pending()); n != 2 {
		t.Fatalf("Pending() = %d, want 2", n)
	}
	if h.notifier.count() != 0 {
		t.Error("no prompt may appear inside a safe zone")
	}

	// The Important recheck fires but the user is still in the safe zone.
	h.clock.Advance(event.ImportantDelay)
	if n := len(h.s.Pending()); n != 2 {
		t.Errorf("Pending() after recheck = %d, want 2", n)
	}
	testutil.NoRecv(t, h.full, 20*time.Millisecond)

	h.activity.set(false, false)
	if !h.s.Drain() {
		t.Fatal("Drain() should take an event")
	}
	if p := h.notifier.last(t); p.Category != event.CategoryCourseUpdate {
		t.Errorf("drained %s first, want COURSE_UPDATE", p.Category)
	}
	if n := len(h.s.Pending()); n != 1 {
		t.Errorf("Pending() after one drain = %d, want 1", n)
	}
}

func TestCriticalBypassesSafeZone(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, true)

	h.s.Handle(h.event(event.CategorySessionChange, event.Critical))
	testutil.Recv(t, h.full, wait)
	if n := len(h.s.Pending()); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestActiveUserQueuesMinor(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(false, true)

	h.s.Handle(h.event(event.CategoryStudent, event.Minor))
	if n := len(h.s.Pending()); n != 1 {
		t.Fatalf("Pending() = %d, want 1", n)
	}
	if h.s.DeferredTimers(event.CategoryStudent) != 0 {
		t.Error("queued minor event must not arm a background timer")
	}

	// Important events still prompt for an active user.
	h.s.Handle(h.event(event.CategoryStudent, event.Important))
	if h.notifier.count() != 1 {
		t.Errorf("prompts = %d, want 1", h.notifier.count())
	}
}

func TestMinorEventsLatestTimerWins(t *testing.T) {
	h := newHarness(t, 0)

	for i := 0; i < 3; i++ {
		ev := h.event(event.CategoryCourseUpdate, event.Minor)
		ev.Payload = []byte{'"', byte('a' + i), '"'}
		h.s.Handle(ev)
		h.clock.Advance(300 * time.Millisecond)
	}

	if n := h.s.DeferredTimers(event.CategoryCourseUpdate); n != 1 {
		t.Fatalf("DeferredTimers() = %d, want 1", n)
	}

	h.clock.Advance(event.MinorDelay)
	p := testutil.Recv(t, h.full, wait)
	if string(p.Payload) != `"c"` {
		t.Errorf("payload = %s, want the latest event", p.Payload)
	}
	testutil.NoRecv(t, h.full, 20*time.Millisecond)
}

func TestImportantPromptDismissDefersThirtySeconds(t *testing.T) {
	h := newHarness(t, 0)

	ev := h.event(event.CategoryCourseUpdate, event.Important)
	ev.NotificationMessage = "New module added"
	h.s.Handle(ev)

	p := h.notifier.last(t)
	if p.Message != "New module added" {
		t.Fatalf("prompt message = %q, want %q", p.Message, "New module added")
	}

	p.OnDismiss()
	h.clock.Advance(29999 * time.Millisecond)
	testutil.NoRecv(t, h.full, 20*time.Millisecond)

	h.clock.Advance(time.Millisecond)
	got := testutil.Recv(t, h.full, wait)
	if got.Category != event.CategoryCourseUpdate {
		t.Errorf("Category = %q, want COURSE_UPDATE", got.Category)
	}
}

func TestImportantPromptAcceptRefreshesNow(t *testing.T) {
	h := newHarness(t, 0)

	h.s.Handle(h.event(event.CategoryTutor, event.Important))
	p := h.notifier.last(t)
	if p.Message != DefaultPromptMessage {
		t.Errorf("message = %q, want default", p.Message)
	}

	p.OnAccept()
	testutil.Recv(t, h.full, wait)

	// A late dismiss after accepting does nothing.
	p.OnDismiss()
	if h.s.DeferredTimers(event.CategoryTutor) != 0 {
		t.Error("dismiss after accept armed a timer")
	}
}

func TestNotifierFailureStillDefers(t *testing.T) {
	h := newHarness(t, 0)
	h.notifier.err = errors.New("toast layer gone")

	h.s.Handle(h.event(event.CategoryAdmin, event.Important))
	if h.s.DeferredTimers(event.CategoryAdmin) != 1 {
		t.Fatal("failed prompt should fall back to a deferred refresh")
	}
	h.clock.Advance(event.ImportantDelay)
	testutil.Recv(t, h.full, wait)
}

func TestStateSaveFailureIsNonFatal(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakePreserver)
	}{
		{"error", func(p *fakePreserver) { p.saveErr = errors.New("quota exceeded") }},
		{"panic", func(p *fakePreserver) { p.savePanic = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0)
			tt.setup(h.pres)

			h.s.Handle(h.event(event.CategoryEnrollment, event.Critical))
			testutil.Recv(t, h.full, wait)
			testutil.Eventually(t, wait, func() bool { return h.s.Phase() == PhaseIdle }, "cycle should finish")

			for _, e := range h.journal.snapshot() {
				if e == "restore:token-1" {
					t.Error("restore must not run without a saved token")
				}
			}
		})
	}
}

func TestRestoreFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, 0)
	h.pres.restoreErr = errors.New("form gone")

	h.s.Handle(h.event(event.CategoryEnrollment, event.Critical))
	testutil.Recv(t, h.full, wait)
	testutil.Eventually(t, wait, func() bool { return h.s.Phase() == PhaseIdle }, "cycle should finish after restore failure")
}

func TestMalformedEventsDropped(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, false)

	h.s.Handle(event.RefreshEvent{Priority: event.Minor})
	h.s.Handle(event.RefreshEvent{Category: event.CategoryEnrollment})

	if n := len(h.s.Pending()); n != 0 {
		t.Errorf("Pending() = %d, malformed events must never queue", n)
	}
}

func TestSelectiveRefresh(t *testing.T) {
	h := newHarness(t, 0)

	courses := make(chan bus.Payload, 1)
	h.s.On(bus.CourseData, func(p bus.Payload) {
		h.journal.add("course-data")
		courses <- p
	})

	ev := h.event(event.CategoryCourseUpdate, event.Minor)
	ev.Selective = true
	ev.AffectedEntities = []event.Entity{{Type: "course", ID: "c1"}}
	h.activity.set(false, true) // active users still get cheap selective refreshes
	h.s.Handle(ev)

	p := testutil.Recv(t, courses, wait)
	if len(p.AffectedEntities) != 1 || p.AffectedEntities[0].ID != "c1" {
		t.Errorf("AffectedEntities = %v", p.AffectedEntities)
	}
	got := h.journal.snapshot()
	want := []string{"scroll-save", "course-data", "scroll-restore"}
	if len(got) != len(want) {
		t.Fatalf("journal = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("journal[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if h.s.Phase() != PhaseIdle {
		t.Error("selective refresh must not enter the full-refresh cycle")
	}
	testutil.NoRecv(t, h.full, 20*time.Millisecond)
}

func TestDrainPicksHighestPriorityThenEarliest(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, false)

	minor := h.event(event.CategoryStudent, event.Minor)
	h.clock.Advance(time.Second)
	importantLate := h.event(event.CategoryTutor, event.Important)
	importantEarly := importantLate
	importantEarly.Category = event.CategoryAdmin
	importantEarly.Timestamp = minor.Timestamp

	h.s.Handle(minor)
	h.s.Handle(importantLate)
	h.s.Handle(importantEarly)

	h.activity.set(false, false)
	h.s.Drain()
	if p := h.notifier.last(t); p.Category != event.CategoryAdmin {
		t.Errorf("first drain = %s, want ADMIN_UPDATE", p.Category)
	}
	h.s.Drain()
	if p := h.notifier.last(t); p.Category != event.CategoryTutor {
		t.Errorf("second drain = %s, want TUTOR_UPDATE", p.Category)
	}
	if pending := h.s.Pending(); len(pending) != 1 || pending[0].Category != event.CategoryStudent {
		t.Errorf("Pending() = %v, want only the minor event", pending)
	}
}

func TestImmediateRefreshDrainsQueueOnCompletion(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, false)
	h.s.Handle(h.event(event.CategoryCourseUpdate, event.Important))
	h.activity.set(false, false)

	h.s.Handle(h.event(event.CategoryEnrollment, event.Critical))
	testutil.Recv(t, h.full, wait)

	testutil.Eventually(t, wait, func() bool { return h.notifier.count() == 1 }, "queued event should be drained after the refresh")
	if n := len(h.s.Pending()); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
}

func TestClearDropsQueueAndTimers(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, false)
	h.s.Handle(h.event(event.CategoryCourseUpdate, event.Important))
	h.activity.set(false, false)
	h.s.Handle(h.event(event.CategoryStudent, event.Minor))

	h.s.Clear()
	if len(h.s.Pending()) != 0 || h.s.DeferredTimers(event.CategoryStudent) != 0 {
		t.Error("Clear() left work behind")
	}
	if h.clock.Pending() != 0 {
		t.Errorf("clock has %d live timers after Clear", h.clock.Pending())
	}
}

func TestDestroyStopsEverything(t *testing.T) {
	h := newHarness(t, 0)
	h.activity.set(true, false)
	h.s.Handle(h.event(event.CategoryCourseUpdate, event.Important))
	h.activity.set(false, false)
	h.s.Handle(h.event(event.CategoryStudent, event.Minor))

	h.s.Destroy()
	if h.clock.Pending() != 0 {
		t.Errorf("clock has %d live timers after Destroy", h.clock.Pending())
	}

	h.s.Handle(h.event(event.CategoryEnrollment, event.Critical))
	h.s.Handle(h.event(event.CategoryStudent, event.Minor))
	h.clock.Advance(time.Hour)
	testutil.NoRecv(t, h.full, 20*time.Millisecond)
	if h.clock.Pending() != 0 {
		t.Error("destroyed scheduler re-armed a timer")
	}
}

func TestDestroyCancelsStagger(t *testing.T) {
	h := newHarness(t, 4*time.Second)
	h.s.Handle(h.event(event.CategoryEnrollment, event.Critical))
	h.clock.WaitForTimers(1, wait)

	h.s.Destroy()
	h.clock.Advance(5 * time.Second)
	testutil.NoRecv(t, h.full, 20*time.Millisecond)
}

func TestChannelLiveSignals(t *testing.T) {
	h := newHarness(t, 0)
	ups, downs := 0, 0
	h.s.On(bus.TransportUp, func(bus.Payload) { ups++ })
	h.s.On(bus.TransportDown, func(bus.Payload) { downs++ })

	h.s.SetChannelLive(true)
	h.s.SetChannelLive(true)
	h.s.SetChannelLive(false)

	if ups != 1 || downs != 1 {
		t.Errorf("ups=%d downs=%d, want 1 and 1", ups, downs)
	}
	if h.s.ChannelLive() {
		t.Error("ChannelLive() = true after going down")
	}
}

func TestUniformJitterBounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := uniformJitter(DefaultMaxStagger)
		if d < 0 || d > DefaultMaxStagger {
			t.Fatalf("jitter %v outside [0, %v]", d, DefaultMaxStagger)
		}
	}
	if uniformJitter(0) != 0 {
		t.Error("zero max should give zero jitter")
	}
}
