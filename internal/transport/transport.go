// Package transport maintains the push channel to the update server. It
// turns wire messages into refresh events, replays entity subscriptions on
// every connect, and hands over to the poller while the channel is down.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/timers"
)

const (
	DefaultMaxFailures   = 5
	DefaultReconnectBase = 1 * time.Second
	DefaultReconnectMax  = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPongTimeout   = 60 * time.Second
	DefaultPingInterval  = 30 * time.Second
	maxMessageSize       = 1 << 20
)

// ErrNotConnected is returned by writes while no channel is open.
var ErrNotConnected = errors.New("not connected")

// Fallback is the pull transport started while push is unavailable.
type Fallback interface {
	Start()
	Stop()
}

// Page answers whether the current view shows any of the entities.
type Page interface {
	AffectedBy(entities []event.Entity) bool
}

// Status is the channel lifecycle.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Options configures a Layer.
type Options struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer

	Sink     func(event.RefreshEvent)
	Page     Page
	Fallback Fallback
	OnLive   func(live bool)

	MaxFailures   int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	PingInterval  time.Duration
	PongTimeout   time.Duration
	WriteTimeout  time.Duration

	Clock  timers.Clock
	Logger *slog.Logger
}

// Layer owns at most one live channel.
type Layer struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	writeMu   sync.Mutex // serialises all conn writes (subscribe, ping)
	conn      *websocket.Conn
	status    Status
	failures  int
	fallback  bool
	manual    bool
	destroyed bool
	reconnect timers.Timer
	pingStop  context.CancelFunc

	subs  []event.Subscription
	subOK map[event.Subscription]struct{}
}

// New creates a disconnected layer.
func New(opts Options) *Layer {
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if opts.Sink == nil {
		opts.Sink = func(event.RefreshEvent) {}
	}
	if opts.OnLive == nil {
		opts.OnLive = func(bool) {}
	}
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = DefaultReconnectMax
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = DefaultPongTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Clock == nil {
		opts.Clock = timers.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "transport")
	}
	return &Layer{
		opts:  opts,
		log:   opts.Logger,
		subOK: make(map[event.Subscription]struct{}),
	}
}

// Connect opens the channel. It is a no-op while connected or connecting.
// A failed attempt schedules a reconnect; after MaxFailures consecutive
// failures the fallback is started and reconnecting continues.
func (l *Layer) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return errors.New("transport destroyed")
	}
	if l.status != StatusDisconnected {
		l.mu.Unlock()
		return nil
	}
	l.manual = false
	l.status = StatusConnecting
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
	l.mu.Unlock()

	header := http.Header{}
	if l.opts.Token != "" {
		header.Set("Authorization", "Bearer "+l.opts.Token)
	}
	conn, resp, err := l.opts.Dialer.DialContext(ctx, l.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		l.connectFailed(err)
		return fmt.Errorf("dial %s: %w", l.opts.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	l.mu.Lock()
	if l.destroyed || l.manual {
		l.status = StatusDisconnected
		l.mu.Unlock()
		conn.Close()
		return nil
	}
	l.conn = conn
	l.status = StatusConnected
	l.failures = 0
	l.fallback = false
	pingCtx, pingCancel := context.WithCancel(context.Background())
	l.pingStop = pingCancel
	subs := append([]event.Subscription(nil), l.subs...)
	l.mu.Unlock()

	l.log.Info("channel connected", "url", l.opts.URL, "subscriptions", len(subs))
	for _, s := range subs {
		if err := l.write(conn, event.NewSubscribe(s)); err != nil {
			l.log.Warn("subscription replay failed", "subscription", s.String(), "error", err)
		}
	}
	l.opts.OnLive(true)
	if l.opts.Fallback != nil {
		l.opts.Fallback.Stop()
	}

	go l.readLoop(conn)
	if l.opts.PingInterval > 0 {
		go l.pingLoop(pingCtx, conn)
	}
	return nil
}

func (l *Layer) connectFailed(err error) {
	l.mu.Lock()
	if l.destroyed || l.manual {
		l.status = StatusDisconnected
		l.mu.Unlock()
		return
	}
	l.status = StatusDisconnected
	l.failures++
	n := l.failures
	startFallback := n >= l.opts.MaxFailures && !l.fallback
	if startFallback {
		l.fallback = true
	}
	delay := l.scheduleReconnectLocked()
	l.mu.Unlock()

	l.log.Warn("connect failed", "error", err, "attempt", n, "retry_in", delay)
	if startFallback {
		l.log.Info("starting poll fallback", "after_failures", n)
		l.startFallback()
	}
}

// scheduleReconnectLocked arms a single reconnect timer. The delay doubles
// with each consecutive failure up to ReconnectMax.
func (l *Layer) scheduleReconnectLocked() time.Duration {
	delay := l.opts.ReconnectBase
	for i := 1; i < l.failures && delay < l.opts.ReconnectMax; i++ {
		delay *= 2
	}
	delay = min(delay, l.opts.ReconnectMax)
	if l.reconnect != nil {
		l.reconnect.Stop()
	}
	l.reconnect = l.opts.Clock.AfterFunc(delay, func() {
		l.mu.Lock()
		l.reconnect = nil
		skip := l.destroyed || l.manual
		l.mu.Unlock()
		if skip {
			return
		}
		l.Connect(context.Background())
	})
	return delay
}

func (l *Layer) startFallback() {
	if l.opts.Fallback != nil {
		l.opts.Fallback.Start()
	}
}

// readLoop reads until the connection fails. A failure on the current
// connection that the client did not initiate starts the fallback and a
// reconnect.
func (l *Layer) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(l.opts.PongTimeout))
		return nil
	})
	conn.SetReadDeadline(time.Now().Add(l.opts.PongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.dropped(conn, err)
			return
		}
		var msg event.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.log.Warn("ignoring undecodable message", "error", err)
			continue
		}
		l.dispatch(msg)
	}
}

func (l *Layer) dropped(conn *websocket.Conn, err error) {
	conn.Close()
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.status = StatusDisconnected
	if l.pingStop != nil {
		l.pingStop()
		l.pingStop = nil
	}
	if l.destroyed || l.manual {
		l.mu.Unlock()
		return
	}
	l.fallback = true
	delay := l.scheduleReconnectLocked()
	l.mu.Unlock()

	l.log.Warn("channel lost", "error", err, "retry_in", delay)
	l.opts.OnLive(false)
	l.startFallback()
}

func (l *Layer) dispatch(msg event.Message) {
	switch msg.Type {
	case event.MsgPong:
		l.log.Debug("keep-alive answered")
		return
	case event.MsgSubscribe, event.MsgPing:
		return
	}

	ev, err := event.FromMessage(msg, l.opts.Clock.Now())
	if err != nil {
		l.log.Warn("dropping malformed message", "type", msg.Type, "error", err)
		return
	}
	if msg.Type == event.MsgEntityUpdate && l.opts.Page != nil && !l.opts.Page.AffectedBy(ev.AffectedEntities) {
		l.log.Debug("entity update does not touch current page", "category", ev.Category)
		return
	}
	l.opts.Sink(ev)
}

// pingLoop sends protocol pings on conn until ctx is cancelled or the
// connection changes.
func (l *Layer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		due := make(chan struct{})
		t := l.opts.Clock.AfterFunc(l.opts.PingInterval, func() { close(due) })
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-due:
		}

		l.mu.Lock()
		cc := l.conn
		l.mu.Unlock()
		if cc != conn {
			return
		}
		l.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		l.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (l *Layer) write(conn *websocket.Conn, msg event.Message) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (l *Layer) current() *websocket.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

// Disconnect closes the channel and forgets all subscriptions. It does not
// start the fallback.
func (l *Layer) Disconnect() {
	l.mu.Lock()
	l.manual = true
	conn := l.conn
	wasLive := l.status == StatusConnected
	l.teardownLocked()
	l.subs = nil
	l.subOK = make(map[event.Subscription]struct{})
	l.mu.Unlock()

	if conn != nil {
		l.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		conn.Close()
	}
	if wasLive {
		l.log.Info("channel closed")
		l.opts.OnLive(false)
	}
}

// Destroy disconnects for good.
func (l *Layer) Destroy() {
	l.mu.Lock()
	l.destroyed = true
	l.mu.Unlock()
	l.Disconnect()
}

func (l *Layer) teardownLocked() {
	if l.reconnect != nil {
		l.reconnect.Stop()
		l.reconnect = nil
	}
	if l.pingStop != nil {
		l.pingStop()
		l.pingStop = nil
	}
	l.conn = nil
	l.status = StatusDisconnected
	l.failures = 0
	l.fallback = false
}

// SubscribeToEntity registers interest in one entity. Duplicates are
// ignored. The subscription is sent now when connected and replayed after
// every later connect.
func (l *Layer) SubscribeToEntity(entityType, entityID string) error {
	sub := event.Subscription{EntityType: entityType, EntityID: entityID}
	if entityType == "" || entityID == "" {
		return fmt.Errorf("subscription %q: %w", sub.String(), event.ErrMalformed)
	}
	l.mu.Lock()
	if _, ok := l.subOK[sub]; ok {
		l.mu.Unlock()
		return nil
	}
	l.subOK[sub] = struct{}{}
	l.subs = append(l.subs, sub)
	conn := l.conn
	l.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := l.write(conn, event.NewSubscribe(sub)); err != nil {
		l.log.Warn("subscribe failed, will replay on reconnect", "subscription", sub.String(), "error", err)
	}
	return nil
}

// Ping sends a keep-alive probe. A missing answer is left to the read
// deadline.
func (l *Layer) Ping() error {
	conn := l.current()
	if conn == nil {
		return ErrNotConnected
	}
	return l.write(conn, event.NewPing())
}

// Subscriptions returns the registered subscriptions in order.
func (l *Layer) Subscriptions() []event.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]event.Subscription(nil), l.subs...)
}

// Status returns the channel state.
func (l *Layer) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Failures returns the consecutive connect failure count.
func (l *Layer) Failures() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// ReconnectPending reports whether a reconnect timer is armed.
func (l *Layer) ReconnectPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reconnect != nil
}
