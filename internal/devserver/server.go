// Package devserver is a local update server for development. It pushes
// broadcasts over /ws, answers the fallback poll endpoint and can replay a
// rotation of mock updates.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tutorly/livesync/internal/event"
)

// PublishRequest is the body of POST /api/publish.
type PublishRequest struct {
	Type    event.MessageType   `json:"type"`
	Payload event.UpdatePayload `json:"payload"`
}

type Server struct {
	broadcaster    *Broadcaster
	feed           *Feed
	authToken      string
	checkPath      string
	allowedOrigins map[string]bool
	log            *slog.Logger
	now            func() time.Time
}

// NewServer creates a server. An empty authToken disables auth.
func NewServer(b *Broadcaster, feed *Feed, authToken string, allowedOrigins []string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default().With("component", "devserver")
	}
	s := &Server{
		broadcaster:    b,
		feed:           feed,
		authToken:      authToken,
		checkPath:      "/api/updates/check",
		allowedOrigins: make(map[string]bool),
		log:            log,
		now:            time.Now,
	}
	for _, origin := range allowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			s.allowedOrigins[trimmed] = true
		}
	}
	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc(s.checkPath, s.handleCheck)
	mux.HandleFunc("/api/publish", s.handlePublish)
	mux.HandleFunc("/healthz", s.handleHealth)
}

// Handler returns the routes wrapped with security headers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.SetupRoutes(mux)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", "error", err)
		return
	}

	c, err := s.broadcaster.AddClient(conn)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		conn.Close()
		return
	}
	s.log.Info("client connected", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			s.broadcaster.RemoveClient(c)
			s.log.Info("client disconnected", "remote", r.RemoteAddr)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			s.handleClientMessage(c, data)
		}
	}()
}

func (s *Server) handleClientMessage(c *client, data []byte) {
	var msg event.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	switch msg.Type {
	case event.MsgSubscribe:
		var sub event.Subscription
		if err := json.Unmarshal(msg.Payload, &sub); err != nil || sub.EntityType == "" || sub.EntityID == "" {
			s.log.Warn("bad subscription", "payload", string(msg.Payload))
			return
		}
		if c.subscribe(sub) {
			s.log.Debug("subscribed", "subscription", sub.String())
		}
	case event.MsgPing:
		payload, _ := json.Marshal(event.PongPayload{Timestamp: s.now().UTC()})
		s.broadcaster.sendTo(c, event.Message{Type: event.MsgPong, Payload: payload})
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.feed.Since(s.cursorKey(r)))
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req PublishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Payload.Category == "" && req.Type != event.MsgBackgroundSyncAvailable {
		http.Error(w, "category is required", http.StatusBadRequest)
		return
	}
	u, err := s.broadcaster.Publish(req.Type, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(u)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"clients":  s.broadcaster.ClientCount(),
		"retained": s.feed.Len(),
	})
}

// cursorKey identifies a poll client by its credential.
func (s *Server) cursorKey(r *http.Request) string {
	if tok := bearer(r); tok != "" {
		return tok
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	return "anonymous"
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}
	if r.URL.Query().Get("token") == s.authToken {
		return true
	}
	return bearer(r) == s.authToken
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.allowedOrigins[origin] {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	host := parsed.Hostname()
	return parsed.Host == r.Host || host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.broadcaster.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
