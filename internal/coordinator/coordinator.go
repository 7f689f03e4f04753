// Package coordinator is the application root. It builds one instance of
// each component from config and host collaborators, wires push, pull and
// scheduling together, and exposes the host hooks a page shell calls.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tutorly/livesync/internal/activity"
	"github.com/tutorly/livesync/internal/bus"
	"github.com/tutorly/livesync/internal/config"
	"github.com/tutorly/livesync/internal/device"
	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/poller"
	"github.com/tutorly/livesync/internal/scheduler"
	"github.com/tutorly/livesync/internal/timers"
	"github.com/tutorly/livesync/internal/transport"
)

// ErrDestroyed is returned by Init after Destroy.
var ErrDestroyed = errors.New("coordinator destroyed")

// Collaborators are the host-provided pieces. All are optional.
type Collaborators struct {
	Preserver scheduler.StatePreserver
	Scroll    scheduler.ScrollPreserver
	Notifier  scheduler.Notifier

	// Fetcher replaces the HTTP poll client.
	Fetcher poller.Fetcher
	// Dialer replaces the default WebSocket dialer.
	Dialer *websocket.Dialer
	// Probe replaces the device probe chosen from config.
	Probe device.Probe

	Clock  timers.Clock
	Logger *slog.Logger
}

// Status is a point-in-time view across all components.
type Status struct {
	Phase         scheduler.Phase
	Pending       []event.RefreshEvent
	RetryPending  bool
	ChannelLive   bool
	Transport     transport.Status
	Subscriptions []event.Subscription
	Poller        poller.State
	Backoff       poller.BackoffState
	PollInterval  string
	PollContext   poller.Context
	Activity      activity.Snapshot
}

type Coordinator struct {
	cfg *config.Config
	log *slog.Logger

	Activity  *activity.State
	Scheduler *scheduler.Scheduler
	Poller    *poller.Poller
	Transport *transport.Layer
	watcher   *device.Watcher

	mu        sync.Mutex
	started   bool
	destroyed bool
	outage    bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New builds every component. Nothing runs until Init.
func New(cfg *config.Config, collab Collaborators) *Coordinator {
	if cfg == nil {
		cfg = config.Default()
	}
	if collab.Clock == nil {
		collab.Clock = timers.Real()
	}
	log := collab.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator{cfg: cfg, log: log.With("component", "coordinator")}

	c.Activity = activity.New(cfg.Activity.SafeZones, cfg.Activity.IdleTimeout, collab.Clock)

	c.Scheduler = scheduler.New(scheduler.Options{
		Activity:   c.Activity,
		Preserver:  collab.Preserver,
		Scroll:     collab.Scroll,
		Notifier:   collab.Notifier,
		Clock:      collab.Clock,
		Logger:     log.With("component", "scheduler"),
		MaxStagger: cfg.Scheduler.MaxStagger,
	})

	fetcher := collab.Fetcher
	if fetcher == nil && cfg.Server.HTTPBase != "" {
		client := poller.NewHTTPClient(cfg.Poller.CheckTimeout, cfg.Server.HTTP2, nil)
		fetcher = poller.NewHTTPFetcher(cfg.Server.HTTPBase, cfg.Server.Token, client).WithPath(cfg.Server.CheckPath)
	}
	c.Poller = poller.New(poller.Options{
		Fetcher: fetcher,
		Sink:    c.Scheduler.Handle,
		Clock:   collab.Clock,
		Logger:  log.With("component", "poller"),
		Intervals: poller.Intervals{
			Ladder:        cfg.Poller.Ladder,
			Dev:           cfg.Poller.Dev,
			ActiveSession: cfg.Poller.ActiveSession,
			MobileBattery: cfg.Poller.MobileBattery,
			Mobile:        cfg.Poller.Mobile,
			Background:    cfg.Poller.Background,
			Default:       cfg.Poller.Default,
		},
		Threshold:    cfg.Poller.ErrorThreshold,
		CheckTimeout: cfg.Poller.CheckTimeout,
		Context:      poller.Context{DevMode: cfg.DevMode},
	})

	if cfg.Server.WSURL != "" {
		c.Transport = transport.New(transport.Options{
			URL:           cfg.Server.WSURL,
			Token:         cfg.Server.Token,
			Dialer:        collab.Dialer,
			Sink:          c.Scheduler.Handle,
			Page:          c.Activity,
			Fallback:      c.Poller,
			OnLive:        c.channelLive,
			MaxFailures:   cfg.Transport.MaxFailures,
			ReconnectBase: cfg.Transport.ReconnectBase,
			ReconnectMax:  cfg.Transport.ReconnectMax,
			PingInterval:  cfg.Transport.PingInterval,
			PongTimeout:   cfg.Transport.PongTimeout,
			WriteTimeout:  cfg.Transport.WriteTimeout,
			Clock:         collab.Clock,
			Logger:        log.With("component", "transport"),
		})
	}

	if probe := pickProbe(cfg.Device, collab.Probe); probe != nil {
		c.watcher = device.NewWatcher(probe, c.Poller, cfg.Device.Interval, log.With("component", "device"))
	}

	c.Activity.OnChange(c.activityChanged)
	return c
}

func pickProbe(cfg config.DeviceConfig, override device.Probe) device.Probe {
	if override != nil {
		return override
	}
	if cfg.Mobile != nil || cfg.OnBattery != nil {
		var p device.Static
		if cfg.Mobile != nil {
			p.Mobile = *cfg.Mobile
		}
		if cfg.OnBattery != nil {
			p.OnBattery = *cfg.OnBattery
		}
		return p
	}
	if cfg.Probe {
		return device.HostProbe{PowerSupplyDir: cfg.PowerSupplyDir}
	}
	return nil
}

// activityChanged drains one queued event whenever the user leaves a safe
// zone or the tab comes back.
func (c *Coordinator) activityChanged(ch activity.Change) {
	if ch.LeftSafeZone() || ch.BecameVisible() {
		c.Scheduler.Drain()
	}
}

// channelLive forwards push state to the scheduler. When push comes back
// after an outage, or while the fallback poller was running, one catch-up
// poll reads whatever was published while the channel was down.
func (c *Coordinator) channelLive(live bool) {
	c.mu.Lock()
	if !live {
		c.outage = true
		c.mu.Unlock()
		c.Scheduler.SetChannelLive(false)
		return
	}
	catchUp := (c.outage || c.Poller.State() != poller.StateStopped) && !c.destroyed
	c.outage = false
	if catchUp {
		c.wg.Add(1)
	}
	c.mu.Unlock()

	c.Scheduler.SetChannelLive(true)
	if !catchUp {
		return
	}
	c.Poller.Stop()
	go func() {
		defer c.wg.Done()
		c.Poller.CheckNow("reconnect")
	}()
}

// Init starts the device watcher and opens the push channel. Without a
// push endpoint the poller runs alone. A failed first connect is not an
// error: the transport retries and falls back on its own.
func (c *Coordinator) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	if c.watcher != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.watcher.Run(runCtx)
		}()
	}

	if c.Transport == nil {
		c.log.Info("no push endpoint configured, polling only")
		c.Poller.Start()
		return nil
	}
	if err := c.Transport.Connect(ctx); err != nil {
		c.log.Warn("initial connect failed", "error", err)
	}
	return nil
}

// Destroy tears everything down. Further calls are no-ops.
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.Transport != nil {
		c.Transport.Destroy()
	}
	c.Poller.Destroy()
	c.Scheduler.Destroy()
	c.wg.Wait()
	c.log.Info("coordinator destroyed")
}

// SetRoute records a navigation.
func (c *Coordinator) SetRoute(route string) { c.Activity.SetRoute(route) }

// RecordActivity records a user interaction.
func (c *Coordinator) RecordActivity() { c.Activity.RecordActivity() }

// SetVisible records tab visibility. Regaining focus while push is down
// triggers an immediate poll.
func (c *Coordinator) SetVisible(visible bool) {
	c.Poller.SetBackgrounded(!visible)
	c.Activity.SetVisible(visible)
	if visible && !c.pushLive() {
		c.Poller.CheckNow("focus")
	}
}

// SetOnline records network reachability. Coming back online reconnects
// push and polls once if push is still down.
func (c *Coordinator) SetOnline(online bool) {
	c.Poller.SetOffline(!online)
	if !online {
		return
	}
	if c.Transport != nil {
		if err := c.Transport.Connect(context.Background()); err != nil {
			c.log.Debug("reconnect after online failed", "error", err)
		}
	}
	if !c.pushLive() {
		c.Poller.CheckNow("online")
	}
}

// SetActiveSession flags a live tutoring session for the poller.
func (c *Coordinator) SetActiveSession(active bool) { c.Poller.SetActiveSession(active) }

// SubscribeToEntity scopes push delivery to one entity.
func (c *Coordinator) SubscribeToEntity(entityType, entityID string) error {
	if c.Transport == nil {
		return transport.ErrNotConnected
	}
	return c.Transport.SubscribeToEntity(entityType, entityID)
}

// On subscribes a page collaborator to a refresh signal.
func (c *Coordinator) On(sig bus.Signal, h bus.Handler) (unsubscribe func()) {
	return c.Scheduler.On(sig, h)
}

// Handle injects a host-originated event.
func (c *Coordinator) Handle(ev event.RefreshEvent) { c.Scheduler.Handle(ev) }

// CheckNow polls immediately, resetting backoff.
func (c *Coordinator) CheckNow(reason string) { c.Poller.CheckNow(reason) }

// Ping sends a keep-alive probe on the push channel.
func (c *Coordinator) Ping() error {
	if c.Transport == nil {
		return transport.ErrNotConnected
	}
	return c.Transport.Ping()
}

func (c *Coordinator) pushLive() bool {
	return c.Transport != nil && c.Transport.Status() == transport.StatusConnected
}

// Status collects introspection from every component.
func (c *Coordinator) Status() Status {
	st := Status{
		Phase:        c.Scheduler.Phase(),
		Pending:      c.Scheduler.Pending(),
		RetryPending: c.Scheduler.RetryPending(),
		ChannelLive:  c.Scheduler.ChannelLive(),
		Poller:       c.Poller.State(),
		Backoff:      c.Poller.Backoff(),
		PollInterval: c.Poller.Interval().String(),
		PollContext:  c.Poller.Context(),
		Activity:     c.Activity.Snapshot(),
	}
	if c.Transport != nil {
		st.Transport = c.Transport.Status()
		st.Subscriptions = c.Transport.Subscriptions()
	}
	return st
}
