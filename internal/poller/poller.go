// Package poller is the pull-based fallback transport. It picks its own
// check interval from device and activity context and from its error
// history, and forwards discovered updates into the same handler the push
// transport uses.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/timers"
)

// DefaultErrorThreshold is the number of consecutive failures before the
// backoff ladder engages.
const DefaultErrorThreshold = 3

// State is the poller lifecycle.
type State int

const (
	StateStopped State = iota
	StateScheduled
	StateChecking
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateScheduled:
		return "scheduled"
	case StateChecking:
		return "checking"
	default:
		return "unknown"
	}
}

// Context is what the host knows about the device and the user.
type Context struct {
	DevMode       bool
	ActiveSession bool
	Mobile        bool
	OnBattery     bool
	Backgrounded  bool
	Offline       bool
}

// Intervals holds the check interval for each context.
type Intervals struct {
	Ladder        []time.Duration
	Dev           time.Duration
	ActiveSession time.Duration
	MobileBattery time.Duration
	Mobile        time.Duration
	Background    time.Duration
	Default       time.Duration
}

// DefaultIntervals returns the stock interval table.
func DefaultIntervals() Intervals {
	return Intervals{
		Ladder:        []time.Duration{60 * time.Second, 180 * time.Second, 300 * time.Second, 600 * time.Second},
		Dev:           60 * time.Second,
		ActiveSession: 30 * time.Second,
		MobileBattery: 600 * time.Second,
		Mobile:        300 * time.Second,
		Background:    300 * time.Second,
		Default:       90 * time.Second,
	}
}

// BackoffState is the error history that drives the ladder.
type BackoffState struct {
	ConsecutiveErrors int
	Level             int
}

// Options configures a Poller.
type Options struct {
	Fetcher      Fetcher
	Sink         func(event.RefreshEvent)
	Clock        timers.Clock
	Logger       *slog.Logger
	Intervals    Intervals
	Threshold    int
	CheckTimeout time.Duration
	Context      Context
}

// Poller runs stopped → scheduled → checking → scheduled.
type Poller struct {
	fetch     Fetcher
	sink      func(event.RefreshEvent)
	clock     timers.Clock
	log       *slog.Logger
	iv        Intervals
	threshold int
	timeout   time.Duration

	mu           sync.Mutex
	state        State
	backoff      BackoffState
	backoffDelay time.Duration
	ctxInfo      Context
	timer        timers.Timer
	gen          uint64
	cancelCheck  context.CancelFunc
	destroyed    bool
}

// New creates a stopped poller.
func New(opts Options) *Poller {
	if opts.Clock == nil {
		opts.Clock = timers.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "poller")
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultErrorThreshold
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 15 * time.Second
	}
	opts.Intervals = withDefaults(opts.Intervals)
	if opts.Sink == nil {
		opts.Sink = func(event.RefreshEvent) {}
	}
	return &Poller{
		fetch:     opts.Fetcher,
		sink:      opts.Sink,
		clock:     opts.Clock,
		log:       opts.Logger,
		iv:        opts.Intervals,
		threshold: opts.Threshold,
		timeout:   opts.CheckTimeout,
		ctxInfo:   opts.Context,
	}
}

func withDefaults(iv Intervals) Intervals {
	def := DefaultIntervals()
	if len(iv.Ladder) == 0 {
		iv.Ladder = def.Ladder
	}
	fill := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	fill(&iv.Dev, def.Dev)
	fill(&iv.ActiveSession, def.ActiveSession)
	fill(&iv.MobileBattery, def.MobileBattery)
	fill(&iv.Mobile, def.Mobile)
	fill(&iv.Background, def.Background)
	fill(&iv.Default, def.Default)
	return iv
}

// Start schedules the first check. It is a no-op unless stopped.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.state != StateStopped {
		return
	}
	d := p.scheduleLocked()
	p.log.Info("polling started", "interval", d)
}

// Stop cancels the pending timer and any in-flight check.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateStopped {
		return
	}
	p.stopLocked()
	p.log.Info("polling stopped")
}

// Destroy stops the poller for good.
func (p *Poller) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.destroyed = true
}

func (p *Poller) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancelCheck != nil {
		p.cancelCheck()
		p.cancelCheck = nil
	}
	p.gen++
	p.state = StateStopped
}

// scheduleLocked arms the next check with the current interval.
func (p *Poller) scheduleLocked() time.Duration {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	d := p.intervalLocked()
	p.timer = p.clock.AfterFunc(d, func() { p.fire(gen) })
	p.state = StateScheduled
	return d
}

func (p *Poller) fire(gen uint64) {
	p.mu.Lock()
	if p.destroyed || p.gen != gen || p.state != StateScheduled {
		p.mu.Unlock()
		return
	}
	p.state = StateChecking
	p.timer = nil
	p.mu.Unlock()

	p.check(gen)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.destroyed && p.gen == gen && p.state == StateChecking {
		p.scheduleLocked()
	}
}

// CheckNow resets the backoff and checks immediately, blocking until the
// check completes. Used on reconnect, window focus and explicit user
// action. A running poller is rescheduled afterwards; a stopped one stays
// stopped.
func (p *Poller) CheckNow(reason string) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	p.backoff = BackoffState{}
	p.backoffDelay = 0
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	wasRunning := p.state != StateStopped
	p.gen++
	gen := p.gen
	p.state = StateChecking
	p.mu.Unlock()

	p.log.Debug("immediate check", "reason", reason)
	p.check(gen)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed || p.gen != gen {
		return
	}
	if wasRunning {
		p.scheduleLocked()
	} else {
		p.state = StateStopped
	}
}

// check performs one fetch. A superseded generation leaves the backoff
// bookkeeping alone, but its updates are still forwarded: the server has
// already advanced this caller's cursor past them.
func (p *Poller) check(gen uint64) {
	p.mu.Lock()
	if p.ctxInfo.Offline || p.fetch == nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	p.cancelCheck = cancel
	p.mu.Unlock()
	defer cancel()

	updates, err := p.fetch.Check(ctx)

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	current := p.gen == gen
	if current {
		p.cancelCheck = nil
	}
	if err != nil {
		if current {
			p.recordFailureLocked(err)
		}
		p.mu.Unlock()
		return
	}
	if current {
		if p.backoff.ConsecutiveErrors > 0 {
			p.log.Info("poll recovered", "after_errors", p.backoff.ConsecutiveErrors)
		}
		p.backoff = BackoffState{}
		p.backoffDelay = 0
	} else if len(updates) > 0 {
		p.log.Debug("forwarding updates from superseded check", "updates", len(updates))
	}
	p.mu.Unlock()

	now := p.clock.Now()
	for _, u := range updates {
		ev, err := u.ToEvent(now)
		if err != nil {
			p.log.Warn("dropping polled update", "error", err, "id", u.ID)
			continue
		}
		p.sink(ev)
	}
}

// recordFailureLocked counts a failed check. From the threshold on, each
// failure takes the ladder entry at the current level as the next delay
// and then climbs one level, capped at the last entry.
func (p *Poller) recordFailureLocked(err error) {
	p.backoff.ConsecutiveErrors++
	if p.backoff.ConsecutiveErrors >= p.threshold {
		last := len(p.iv.Ladder) - 1
		p.backoffDelay = p.iv.Ladder[min(p.backoff.Level, last)]
		if p.backoff.Level < last {
			p.backoff.Level++
		}
	}
	p.log.Warn("poll failed",
		"error", err,
		"consecutive_errors", p.backoff.ConsecutiveErrors,
		"backoff_level", p.backoff.Level)
}

// Interval returns the delay the next check would be scheduled with.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalLocked()
}

func (p *Poller) intervalLocked() time.Duration {
	c := p.ctxInfo
	switch {
	case p.backoff.ConsecutiveErrors >= p.threshold && p.backoffDelay > 0:
		return p.backoffDelay
	case c.DevMode:
		return p.iv.Dev
	case c.ActiveSession:
		return p.iv.ActiveSession
	case c.Mobile && c.OnBattery:
		return p.iv.MobileBattery
	case c.Mobile:
		return p.iv.Mobile
	case c.Backgrounded:
		return p.iv.Background
	default:
		return p.iv.Default
	}
}

// UpdateContext applies fn to the poll context. When anything changed and
// a check is scheduled, the timer is re-armed with the new interval now.
func (p *Poller) UpdateContext(fn func(*Context)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	before := p.ctxInfo
	fn(&p.ctxInfo)
	if p.ctxInfo == before || p.destroyed || p.state != StateScheduled {
		return
	}
	d := p.scheduleLocked()
	p.log.Debug("poll context changed", "interval", d)
}

// SetBackgrounded records tab focus loss or gain.
func (p *Poller) SetBackgrounded(v bool) {
	p.UpdateContext(func(c *Context) { c.Backgrounded = v })
}

// SetOffline records network reachability. Checks are skipped while
// offline without counting as failures.
func (p *Poller) SetOffline(v bool) {
	p.UpdateContext(func(c *Context) { c.Offline = v })
}

// SetDevice records the device profile.
func (p *Poller) SetDevice(mobile, onBattery bool) {
	p.UpdateContext(func(c *Context) {
		c.Mobile = mobile
		c.OnBattery = onBattery
	})
}

// SetActiveSession flags a live tutoring session.
func (p *Poller) SetActiveSession(v bool) {
	p.UpdateContext(func(c *Context) { c.ActiveSession = v })
}

// Context returns the current poll context.
func (p *Poller) Context() Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctxInfo
}

// State returns the lifecycle state.
func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Backoff returns the error history.
func (p *Poller) Backoff() BackoffState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backoff
}
