package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the kind of WebSocket message.
type MessageType string

const (
	// Inbound broadcasts.
	MsgCriticalUpdate          MessageType = "critical_update"
	MsgPendingUpdate           MessageType = "pending_update"
	MsgBackgroundSyncAvailable MessageType = "background_sync_available"
	MsgEntityUpdate            MessageType = "entity_update"
	MsgPong                    MessageType = "pong"

	// Outbound.
	MsgSubscribe MessageType = "subscribe"
	MsgPing      MessageType = "ping"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UpdatePayload is the body of every inbound broadcast.
type UpdatePayload struct {
	Category         Category        `json:"category"`
	Data             json.RawMessage `json:"data,omitempty"`
	AffectedEntities []Entity        `json:"affected_entities,omitempty"`
	Message          string          `json:"message,omitempty"`
	Timestamp        time.Time       `json:"timestamp,omitempty"`
}

// PongPayload answers a keep-alive probe.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Update is one object returned by the fallback poll endpoint.
type Update struct {
	ID               string          `json:"id,omitempty"`
	Category         Category        `json:"category"`
	Priority         string          `json:"priority"`
	Data             json.RawMessage `json:"data,omitempty"`
	AffectedEntities []Entity        `json:"affected_entities,omitempty"`
	Message          string          `json:"message,omitempty"`
	Timestamp        time.Time       `json:"timestamp,omitempty"`
}

// PriorityFor maps a broadcast kind to its fixed priority. Entity updates
// have no tier of their own; they are forwarded as selective refreshes.
func PriorityFor(t MessageType) (Priority, bool) {
	switch t {
	case MsgCriticalUpdate:
		return Critical, true
	case MsgPendingUpdate:
		return Important, true
	case MsgBackgroundSyncAvailable, MsgEntityUpdate:
		return Minor, true
	}
	return PriorityUnknown, false
}

// FromMessage normalizes a broadcast envelope into a RefreshEvent.
func FromMessage(msg Message, now time.Time) (RefreshEvent, error) {
	prio, ok := PriorityFor(msg.Type)
	if !ok {
		return RefreshEvent{}, fmt.Errorf("%w: not a broadcast: %q", ErrMalformed, msg.Type)
	}
	var p UpdatePayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return RefreshEvent{}, fmt.Errorf("%w: %s payload: %v", ErrMalformed, msg.Type, err)
		}
	}
	if p.Category == "" && msg.Type == MsgBackgroundSyncAvailable {
		p.Category = CategoryBackgroundSync
	}

	ev := New(p.Category, prio, now)
	ev.Payload = p.Data
	ev.AffectedEntities = p.AffectedEntities
	ev.Selective = msg.Type == MsgEntityUpdate
	if prio == Important {
		ev.NotificationMessage = p.Message
	}
	if !p.Timestamp.IsZero() {
		ev.Timestamp = p.Timestamp
	}
	return ev, ev.Validate()
}

// ToEvent normalizes a polled update.
func (u Update) ToEvent(now time.Time) (RefreshEvent, error) {
	prio, err := ParsePriority(u.Priority)
	if err != nil {
		return RefreshEvent{}, err
	}
	ev := New(u.Category, prio, now)
	if u.ID != "" {
		ev.ID = u.ID
	}
	ev.Payload = u.Data
	ev.AffectedEntities = u.AffectedEntities
	if prio == Important {
		ev.NotificationMessage = u.Message
	}
	if !u.Timestamp.IsZero() {
		ev.Timestamp = u.Timestamp
	}
	return ev, ev.Validate()
}

// NewSubscribe builds an outbound subscription message.
func NewSubscribe(sub Subscription) Message {
	data, _ := json.Marshal(sub)
	return Message{Type: MsgSubscribe, Payload: data}
}

// NewPing builds a keep-alive probe.
func NewPing() Message {
	return Message{Type: MsgPing}
}
