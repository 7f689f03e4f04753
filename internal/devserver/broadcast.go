package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tutorly/livesync/internal/event"
)

// ErrTooManyConns is returned by AddClient at the connection limit.
var ErrTooManyConns = errors.New("too many websocket connections")

const writeWait = 10 * time.Second

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[event.Subscription]bool
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
		subs: make(map[event.Subscription]bool),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

func (c *client) subscribe(s event.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[s] {
		return false
	}
	c.subs[s] = true
	return true
}

// wants reports whether the client subscribed to any of the entities.
func (c *client) wants(entities []event.Entity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entities {
		if c.subs[event.Subscription{EntityType: e.Type, EntityID: e.ID}] {
			return true
		}
	}
	return false
}

// Broadcaster fans published updates out to connected clients and records
// them in the poll feed.
type Broadcaster struct {
	mu       sync.RWMutex
	clients  map[*client]bool
	maxConns int
	feed     *Feed
	log      *slog.Logger
	now      func() time.Time
}

// NewBroadcaster creates a broadcaster. maxConns <= 0 means unlimited.
func NewBroadcaster(feed *Feed, maxConns int, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default().With("component", "devserver")
	}
	return &Broadcaster{
		clients:  make(map[*client]bool),
		maxConns: maxConns,
		feed:     feed,
		log:      log,
		now:      time.Now,
	}
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		return nil, ErrTooManyConns
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// Publish stamps p, records it for pollers and pushes it to clients.
// Entity updates go only to subscribed clients and are not polled.
func (b *Broadcaster) Publish(kind event.MessageType, p event.UpdatePayload) (event.Update, error) {
	prio, ok := event.PriorityFor(kind)
	if !ok {
		return event.Update{}, errors.New("not a broadcast kind: " + string(kind))
	}
	if p.Category == "" && kind == event.MsgBackgroundSyncAvailable {
		p.Category = event.CategoryBackgroundSync
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = b.now().UTC()
	}
	u := event.Update{
		ID:               uuid.NewString(),
		Category:         p.Category,
		Priority:         prio.String(),
		Data:             p.Data,
		AffectedEntities: p.AffectedEntities,
		Message:          p.Message,
		Timestamp:        p.Timestamp,
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return event.Update{}, err
	}
	data, err := json.Marshal(event.Message{Type: kind, Payload: payload})
	if err != nil {
		return event.Update{}, err
	}

	if kind == event.MsgEntityUpdate {
		b.broadcast(data, func(c *client) bool { return c.wants(p.AffectedEntities) })
	} else {
		if b.feed != nil {
			b.feed.Append(u)
		}
		b.broadcast(data, nil)
	}
	b.log.Info("published", "type", kind, "category", p.Category, "id", u.ID)
	return u, nil
}

func (b *Broadcaster) sendTo(c *client, msg event.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	b.broadcast(data, func(cc *client) bool { return cc == c })
}

// broadcast sends under the read lock so that a concurrent RemoveClient
// cannot close a channel mid-send. Slow clients are dropped afterwards.
func (b *Broadcaster) broadcast(data []byte, filter func(*client) bool) {
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		if filter != nil && !filter(c) {
			continue
		}
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		b.log.Warn("ws client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// CloseAll disconnects every client.
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	for c := range b.clients {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}
