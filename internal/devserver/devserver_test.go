package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorly/livesync/internal/event"
	"github.com/tutorly/livesync/internal/poller"
)

func newTestServer(t *testing.T, token string, maxConns int) (*httptest.Server, *Broadcaster, *Feed) {
	t.Helper()
	feed := NewFeed(8)
	b := NewBroadcaster(feed, maxConns, nil)
	srv := httptest.NewServer(NewServer(b, feed, token, nil, nil).Handler())
	t.Cleanup(func() {
		b.CloseAll()
		srv.Close()
	})
	return srv, b, feed
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) event.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg event.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, b *Broadcaster, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", b.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSecurityHeaders(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	securityHeaders(inner).ServeHTTP(rec, req)

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	}
	for header, expected := range want {
		if got := rec.Header().Get(header); got != expected {
			t.Errorf("header %s = %q, want %q", header, got, expected)
		}
	}
}

func TestWSRequiresToken(t *testing.T) {
	srv, _, _ := newTestServer(t, "secret", 0)
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestBroadcastReachesClients(t *testing.T) {
	srv, b, _ := newTestServer(t, "secret", 0)
	conn := dial(t, srv, "secret")
	waitClients(t, b, 1)

	if _, err := b.Publish(event.MsgCriticalUpdate, event.UpdatePayload{Category: event.CategoryEnrollment}); err != nil {
		t.Fatal(err)
	}
	msg := readMessage(t, conn)
	if msg.Type != event.MsgCriticalUpdate {
		t.Fatalf("Type = %q", msg.Type)
	}
	ev, err := event.FromMessage(msg, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Category != event.CategoryEnrollment || ev.Priority != event.Critical {
		t.Errorf("event = %+v", ev)
	}
}

func TestEntityUpdatesOnlyToSubscribers(t *testing.T) {
	srv, b, feed := newTestServer(t, "", 0)
	subscribed := dial(t, srv, "")
	other := dial(t, srv, "")
	waitClients(t, b, 2)

	subscribed.WriteJSON(event.NewSubscribe(event.Subscription{EntityType: "course", EntityID: "c1"}))
	// A ping round trip guarantees the subscription was processed.
	subscribed.WriteJSON(event.NewPing())
	if msg := readMessage(t, subscribed); msg.Type != event.MsgPong {
		t.Fatalf("Type = %q, want pong", msg.Type)
	}

	b.Publish(event.MsgEntityUpdate, event.UpdatePayload{
		Category:         event.CategoryCourseUpdate,
		AffectedEntities: []event.Entity{{Type: "course", ID: "c1"}},
	})
	if msg := readMessage(t, subscribed); msg.Type != event.MsgEntityUpdate {
		t.Errorf("subscriber got %q", msg.Type)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var msg event.Message
	if err := other.ReadJSON(&msg); err == nil {
		t.Errorf("unsubscribed client received %q", msg.Type)
	}
	if feed.Len() != 0 {
		t.Error("entity updates should not be polled")
	}
}

func TestMaxConnections(t *testing.T) {
	srv, b, _ := newTestServer(t, "", 1)
	dial(t, srv, "")
	waitClients(t, b, 1)

	extra := dial(t, srv, "")
	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := extra.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Errorf("ReadMessage() error = %v, want close 1013", err)
	}
	if b.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", b.ClientCount())
	}
}

func TestPollCursorPerToken(t *testing.T) {
	srv, b, _ := newTestServer(t, "", 0)
	b.Publish(event.MsgPendingUpdate, event.UpdatePayload{Category: event.CategoryCourseUpdate, Message: "Updated"})
	b.Publish(event.MsgBackgroundSyncAvailable, event.UpdatePayload{})

	alice := poller.NewHTTPFetcher(srv.URL, "alice", nil)
	updates, err := alice.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 2 {
		t.Fatalf("first check = %d updates, want 2", len(updates))
	}
	ev, err := updates[0].ToEvent(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ev.Priority != event.Important || ev.NotificationMessage != "Updated" {
		t.Errorf("event = %+v", ev)
	}

	if again, _ := alice.Check(context.Background()); len(again) != 0 {
		t.Errorf("second check = %d updates, want 0", len(again))
	}
	if bob, _ := poller.NewHTTPFetcher(srv.URL, "bob", nil).Check(context.Background()); len(bob) != 2 {
		t.Errorf("bob = %d updates, want 2", len(bob))
	}
}

func TestFeedRetentionLimit(t *testing.T) {
	feed := NewFeed(3)
	for i := 0; i < 5; i++ {
		feed.Append(event.Update{ID: string(rune('a' + i))})
	}
	got := feed.Since("k")
	if len(got) != 3 || got[0].ID != "c" || got[2].ID != "e" {
		t.Errorf("Since() = %+v", got)
	}
}

func TestPublishEndpoint(t *testing.T) {
	srv, _, feed := newTestServer(t, "secret", 0)

	body, _ := json.Marshal(PublishRequest{
		Type:    event.MsgCriticalUpdate,
		Payload: event.UpdatePayload{Category: event.CategoryAdmin},
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/publish", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if feed.Len() != 1 {
		t.Errorf("feed Len() = %d, want 1", feed.Len())
	}

	bad, _ := http.Post(srv.URL+"/api/publish?token=secret", "application/json", strings.NewReader(`{"type":"pong","payload":{"category":"X"}}`))
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Errorf("pong publish status = %d, want 400", bad.StatusCode)
	}
}

func TestGeneratorRotation(t *testing.T) {
	feed := NewFeed(64)
	b := NewBroadcaster(feed, 0, nil)
	g := NewGenerator(b, time.Hour, 1, nil)

	seen := map[string]bool{}
	for i := 0; i < len(rotation); i++ {
		u, err := g.Tick()
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		seen[u.Priority] = true
		if _, err := u.ToEvent(time.Now()); err != nil {
			t.Errorf("tick %d produced invalid update: %v", i, err)
		}
	}
	for _, p := range []string{"CRITICAL", "IMPORTANT", "MINOR"} {
		if !seen[p] {
			t.Errorf("rotation never produced %s", p)
		}
	}
	if feed.Len() != len(rotation)-3 {
		t.Errorf("feed Len() = %d, want %d (entity updates excluded)", feed.Len(), len(rotation)-3)
	}
}
