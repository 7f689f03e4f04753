// Package scheduler decides, for every refresh event, whether the page
// refreshes now, later, or after asking the user.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tutorly/livesync/internal/bus"
	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/timers"
)

// DefaultMaxStagger bounds the random delay before a full refresh.
const DefaultMaxStagger = 5 * time.Second

// Phase is the immediate-refresh state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSaving
	PhaseStaggering
	PhaseRefreshing
	PhaseRestoring
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSaving:
		return "saving"
	case PhaseStaggering:
		return "staggering"
	case PhaseRefreshing:
		return "refreshing"
	case PhaseRestoring:
		return "restoring"
	default:
		return "unknown"
	}
}

// Options configures a Scheduler. Every collaborator is optional.
type Options struct {
	Activity  Activity
	Preserver StatePreserver
	Scroll    ScrollPreserver
	Notifier  Notifier
	Clock     timers.Clock
	Logger    *slog.Logger

	// MaxStagger bounds the random pre-refresh delay. Zero means the
	// default; negative disables staggering.
	MaxStagger time.Duration
	// Jitter picks a delay in [0, max]. Defaults to uniform.
	Jitter func(max time.Duration) time.Duration
}

type queued struct {
	ev  event.RefreshEvent
	seq uint64
}

// Scheduler owns the pending queue, the deferred timers and the page
// signal bus. Transports hand it events through Handle only.
type Scheduler struct {
	activity  Activity
	preserver StatePreserver
	scroll    ScrollPreserver
	notifier  Notifier
	clock     timers.Clock
	log       *slog.Logger
	maxStag   time.Duration
	jitter    func(time.Duration) time.Duration

	bus    *bus.Bus
	timers *timers.Arena

	mu        sync.Mutex
	phase     Phase
	retry     *event.RefreshEvent
	pending   map[string]queued
	seq       uint64
	live      bool
	destroyed bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler ready to accept events.
func New(opts Options) *Scheduler {
	if opts.Activity == nil {
		opts.Activity = noActivity{}
	}
	if opts.Clock == nil {
		opts.Clock = timers.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "scheduler")
	}
	if opts.MaxStagger == 0 {
		opts.MaxStagger = DefaultMaxStagger
	}
	if opts.Jitter == nil {
		opts.Jitter = uniformJitter
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		activity:  opts.Activity,
		preserver: opts.Preserver,
		scroll:    opts.Scroll,
		notifier:  opts.Notifier,
		clock:     opts.Clock,
		log:       opts.Logger,
		maxStag:   opts.MaxStagger,
		jitter:    opts.Jitter,
		bus:       bus.New(opts.Logger),
		timers:    timers.NewArena(opts.Clock),
		pending:   make(map[string]queued),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func uniformJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max + 1)
}

// On subscribes to a page signal.
func (s *Scheduler) On(sig bus.Signal, h bus.Handler) (unsubscribe func()) {
	return s.bus.On(sig, h)
}

// Handle is the single entry point for pushed and polled events. It never
// blocks on a refresh and never returns an error; malformed events are
// logged and dropped.
func (s *Scheduler) Handle(ev event.RefreshEvent) {
	if err := ev.Validate(); err != nil {
		s.log.Warn("dropping refresh event", "error", err, "id", ev.ID)
		return
	}
	if s.isDestroyed() {
		return
	}
	s.dispatch(ev)
}

func (s *Scheduler) dispatch(ev event.RefreshEvent) {
	if ev.Priority != event.Critical && s.activity.InSafeZone() {
		s.enqueue(ev, "safe zone")
		return
	}
	if ev.Selective {
		s.selectiveRefresh(ev)
		return
	}
	if ev.Priority == event.Minor && s.activity.IsActive() {
		s.enqueue(ev, "user active")
		return
	}

	switch event.PolicyFor(ev.Priority).Method {
	case event.MethodImmediate:
		s.refreshNow(ev)
	case event.MethodNotifyDefer:
		s.notifyThenDefer(ev)
	case event.MethodBackground:
		s.deferRefresh(ev, event.MinorDelay)
	}
}

// enqueue parks ev in the pending queue. Non-critical entries also get a
// recheck timer for their tier's delay.
func (s *Scheduler) enqueue(ev event.RefreshEvent, reason string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.seq++
	key := fmt.Sprintf("%s@%d#%d", ev.Category, ev.Timestamp.UnixNano(), s.seq)
	s.pending[key] = queued{ev: ev, seq: s.seq}
	size := len(s.pending)
	s.mu.Unlock()

	if d := event.PolicyFor(ev.Priority).Delay; d > 0 {
		s.timers.Schedule(queueTimerKey(key), d, func() { s.expire(key) })
	}
	s.log.Debug("queued refresh", "category", ev.Category, "priority", ev.Priority, "reason", reason, "pending", size)
}

func (s *Scheduler) expire(key string) {
	s.mu.Lock()
	q, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if ok {
		s.dispatch(q.ev)
	}
}

// Drain re-dispatches the single highest-priority pending event (earliest
// first within a tier). It reports whether an event was taken. Nothing is
// taken while a full refresh is in flight; the refresh drains on completion.
func (s *Scheduler) Drain() bool {
	s.mu.Lock()
	if s.destroyed || s.phase != PhaseIdle || len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	var (
		bestKey string
		best    queued
		found   bool
	)
	for k, q := range s.pending {
		if !found || q.ev.Before(best.ev) || (!best.ev.Before(q.ev) && q.seq < best.seq) {
			bestKey, best, found = k, q, true
		}
	}
	delete(s.pending, bestKey)
	s.mu.Unlock()

	s.timers.Cancel(queueTimerKey(bestKey))
	s.log.Debug("draining refresh", "category", best.ev.Category, "priority", best.ev.Priority)
	s.dispatch(best.ev)
	return true
}

// refreshNow starts the immediate-refresh cycle, or parks ev in the retry
// slot when a cycle is already running.
func (s *Scheduler) refreshNow(ev event.RefreshEvent) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	if s.phase != PhaseIdle {
		displaced := s.stashLocked(ev)
		s.mu.Unlock()
		if displaced != nil {
			s.enqueue(*displaced, "refresh in flight")
		}
		return
	}
	s.phase = PhaseSaving
	ctx := s.ctx
	s.mu.Unlock()

	go s.cycle(ctx, ev)
}

// stashLocked keeps the more urgent of ev and the current retry in the
// slot and returns the other one, if any.
func (s *Scheduler) stashLocked(ev event.RefreshEvent) *event.RefreshEvent {
	if s.retry == nil {
		s.retry = &ev
		return nil
	}
	if ev.Before(*s.retry) {
		old := *s.retry
		s.retry = &ev
		return &old
	}
	return &ev
}

func (s *Scheduler) cycle(ctx context.Context, ev event.RefreshEvent) {
	token, saved := s.save(ev)

	s.setPhase(PhaseStaggering)
	if !s.stagger(ctx) {
		return
	}

	s.setPhase(PhaseRefreshing)
	if ctx.Err() != nil {
		return
	}
	s.bus.Emit(bus.FullRefresh, bus.Payload{
		Category:         ev.Category,
		Payload:          ev.Payload,
		AffectedEntities: ev.AffectedEntities,
	})
	s.log.Info("page refreshed", "category", ev.Category, "priority", ev.Priority)

	s.setPhase(PhaseRestoring)
	if saved {
		s.restore(ev, token)
	}
	s.finish()
}

func (s *Scheduler) stagger(ctx context.Context) bool {
	var d time.Duration
	if s.maxStag > 0 {
		d = min(max(s.jitter(s.maxStag), 0), s.maxStag)
	}
	if d == 0 {
		return ctx.Err() == nil
	}
	done := make(chan struct{})
	t := s.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (s *Scheduler) finish() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseIdle
	next := s.retry
	s.retry = nil
	s.mu.Unlock()

	if next != nil {
		s.refreshUnlessSafe(*next)
		return
	}
	s.Drain()
}

func (s *Scheduler) save(ev event.RefreshEvent) (token any, ok bool) {
	if s.preserver == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("state save panicked", "category", ev.Category, "panic", r)
			token, ok = nil, false
		}
	}()
	token, err := s.preserver.Save()
	if err != nil {
		s.log.Warn("state save failed", "category", ev.Category, "error", err)
		return nil, false
	}
	return token, true
}

func (s *Scheduler) restore(ev event.RefreshEvent, token any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("state restore panicked", "category", ev.Category, "panic", r)
		}
	}()
	if err := s.preserver.Restore(token); err != nil {
		s.log.Warn("state restore failed", "category", ev.Category, "error", err)
	}
}

func (s *Scheduler) notifyThenDefer(ev event.RefreshEvent) {
	if s.notifier == nil {
		s.deferRefresh(ev, event.ImportantDelay)
		return
	}
	msg := ev.NotificationMessage
	if msg == "" {
		msg = DefaultPromptMessage
	}
	var once sync.Once
	prompt := Prompt{
		Category: ev.Category,
		Message:  msg,
		OnAccept: func() {
			once.Do(func() {
				s.timers.Cancel(deferTimerKey(ev))
				s.refreshNow(ev)
			})
		},
		OnDismiss: func() {
			once.Do(func() { s.deferRefresh(ev, event.ImportantDelay) })
		},
	}
	if err := s.showPrompt(prompt); err != nil {
		s.log.Warn("refresh prompt failed", "category", ev.Category, "error", err)
		once.Do(func() { s.deferRefresh(ev, event.ImportantDelay) })
	}
}

func (s *Scheduler) showPrompt(p Prompt) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prompt panicked: %v", r)
		}
	}()
	return s.notifier.ShowDeferredRefreshPrompt(p)
}

// deferRefresh arms the per-category deferred timer, replacing any earlier
// one for the same category and tier.
func (s *Scheduler) deferRefresh(ev event.RefreshEvent, d time.Duration) {
	if !s.timers.Schedule(deferTimerKey(ev), d, func() { s.refreshUnlessSafe(ev) }) {
		return
	}
	s.log.Debug("deferred refresh", "category", ev.Category, "priority", ev.Priority, "delay", d)
}

// refreshUnlessSafe runs a deferred refresh unless the user has since
// entered a safe zone, in which case the event is queued.
func (s *Scheduler) refreshUnlessSafe(ev event.RefreshEvent) {
	if ev.Priority != event.Critical && s.activity.InSafeZone() {
		s.enqueue(ev, "safe zone")
		return
	}
	s.refreshNow(ev)
}

// selectiveRefresh emits the category-specific signal directly, keeping
// the scroll position. It does not touch the refresh phase.
func (s *Scheduler) selectiveRefresh(ev event.RefreshEvent) {
	sig, ok := bus.SelectiveSignal(ev.Category)
	if !ok {
		s.log.Debug("no selective signal for category, using policy", "category", ev.Category)
		ev.Selective = false
		s.dispatch(ev)
		return
	}

	token, saved := s.saveScroll()
	s.bus.Emit(sig, bus.Payload{
		Category:         ev.Category,
		AffectedEntities: ev.AffectedEntities,
	})
	if saved {
		s.restoreScroll(token)
	}
}

func (s *Scheduler) saveScroll() (token any, ok bool) {
	if s.scroll == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("scroll save panicked", "panic", r)
			token, ok = nil, false
		}
	}()
	token, err := s.scroll.SaveScroll()
	if err != nil {
		s.log.Warn("scroll save failed", "error", err)
		return nil, false
	}
	return token, true
}

func (s *Scheduler) restoreScroll(token any) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("scroll restore panicked", "panic", r)
		}
	}()
	if err := s.scroll.RestoreScroll(token); err != nil {
		s.log.Warn("scroll restore failed", "error", err)
	}
}

// SetChannelLive records push-channel state and tells subscribers.
func (s *Scheduler) SetChannelLive(live bool) {
	s.mu.Lock()
	if s.destroyed || s.live == live {
		s.mu.Unlock()
		return
	}
	s.live = live
	s.mu.Unlock()

	if live {
		s.bus.Emit(bus.TransportUp, bus.Payload{})
	} else {
		s.bus.Emit(bus.TransportDown, bus.Payload{})
	}
}

// ChannelLive reports the last push-channel state.
func (s *Scheduler) ChannelLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Phase returns the current immediate-refresh phase.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.destroyed {
		s.phase = p
	}
}

// Pending returns queued events, most urgent first.
func (s *Scheduler) Pending() []event.RefreshEvent {
	s.mu.Lock()
	qs := make([]queued, 0, len(s.pending))
	for _, q := range s.pending {
		qs = append(qs, q)
	}
	s.mu.Unlock()

	sort.Slice(qs, func(i, j int) bool {
		if qs[i].ev.Before(qs[j].ev) {
			return true
		}
		if qs[j].ev.Before(qs[i].ev) {
			return false
		}
		return qs[i].seq < qs[j].seq
	})
	out := make([]event.RefreshEvent, len(qs))
	for i, q := range qs {
		out[i] = q.ev
	}
	return out
}

// RetryPending reports whether an immediate refresh is waiting for the
// in-flight one to finish.
func (s *Scheduler) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry != nil
}

// DeferredTimers counts deferred timers armed for a category.
func (s *Scheduler) DeferredTimers(c event.Category) int {
	n := 0
	for _, k := range s.timers.Keys() {
		if strings.HasPrefix(k, "deferred:") && strings.HasSuffix(k, ":"+string(c)) {
			n++
		}
	}
	return n
}

// Clear drops every queued event and deferred timer. It is the only way a
// queued event is discarded without being dispatched.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	n := len(s.pending)
	s.pending = make(map[string]queued)
	s.retry = nil
	s.mu.Unlock()

	swept := s.timers.StopAll()
	s.log.Info("refresh queue cleared", "events", n, "timers", swept)
}

// Destroy cancels every timer and any in-flight refresh. A destroyed
// scheduler ignores further events and never re-arms.
func (s *Scheduler) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.cancel()
	s.pending = make(map[string]queued)
	s.retry = nil
	s.phase = PhaseIdle
	s.mu.Unlock()

	s.timers.Close()
	s.bus.Clear()
}

func (s *Scheduler) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

func queueTimerKey(key string) string { return "queue:" + key }

func deferTimerKey(ev event.RefreshEvent) string {
	return "deferred:" + ev.Priority.String() + ":" + string(ev.Category)
}
