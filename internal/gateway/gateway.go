// Package gateway is sidekick's HTTP surface: health, the CRM webhook
// intake, notification queries and the live notification stream. It is a
// thin shell over the engine and the store; no domain logic lives here.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/copper/sidekick/internal/bus"
	"github.com/copper/sidekick/internal/detector"
	"github.com/copper/sidekick/internal/engine"
	"github.com/copper/sidekick/internal/persistence"
)

const maxWebhookBody = 1 << 20

// Config holds the gateway dependencies.
type Config struct {
	Store      *persistence.Store
	Webhook    *detector.CRMWebhook
	Dispatcher *engine.Dispatcher
	Bus        *bus.Bus

	// AuthToken, when set, is required as a Bearer token on every route
	// except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser websocket
	// connections. Empty means same-origin only.
	AllowOrigins []string
}

type Server struct {
	cfg Config

	// wg tracks in-flight webhook dispatches for drain on shutdown.
	wg sync.WaitGroup
}

func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/webhooks/crm", s.handleCRMWebhook)
	mux.HandleFunc("/notifications", s.handleNotifications)
	mux.HandleFunc("/notifications/read", s.handleNotificationsRead)
	mux.HandleFunc("/notifications/stream", s.handleNotificationStream)
	return mux
}

// Drain waits for in-flight webhook dispatches to finish.
func (s *Server) Drain() {
	s.wg.Wait()
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		// Browsers cannot set Authorization on websocket upgrades.
		token = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListUsers(r.Context()); err != nil {
		dbOK = false
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	})
}

// handleCRMWebhook normalizes the pushed payload and dispatches matching
// instructions in the background. The provider gets its 202 as soon as
// the event is materialized; run outcomes surface through notifications.
func (s *Server) handleCRMWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	ev, err := s.cfg.Webhook.Normalize(r.Context(), user, body)
	if err != nil {
		slog.Warn("crm webhook rejected", "user_id", user.ID, "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if ev == nil {
		// Valid but suppressed: duplicate delivery or self-originated.
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "suppressed": true})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if _, err := s.cfg.Dispatcher.RunInstructionsForEvent(ctx, user.ID, *ev); err != nil {
			slog.Warn("webhook dispatch failed", "user_id", user.ID, "source_id", ev.SourceID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "suppressed": false})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}

	unreadOnly := r.URL.Query().Get("unread") == "true"
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	list, err := s.cfg.Store.ListNotifications(r.Context(), user.ID, unreadOnly, limit)
	if err != nil {
		http.Error(w, "list notifications", http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, n := range list {
		out = append(out, notificationJSON(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": out, "count": len(out)})
}

func (s *Server) handleNotificationsRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		UserID         string `json:"user_id"`
		NotificationID string `json:"notification_id"`
		All            bool   `json:"all"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "decode body", http.StatusBadRequest)
		return
	}

	switch {
	case req.All:
		if req.UserID == "" {
			http.Error(w, "user_id required", http.StatusBadRequest)
			return
		}
		n, err := s.cfg.Store.MarkAllNotificationsRead(r.Context(), req.UserID)
		if err != nil {
			http.Error(w, "mark all read", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"marked": n})
	case req.NotificationID != "":
		err := s.cfg.Store.MarkNotificationRead(r.Context(), req.NotificationID)
		if errors.Is(err, persistence.ErrNotificationNotFound) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "mark read", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"marked": 1})
	default:
		http.Error(w, "notification_id or all required", http.StatusBadRequest)
	}
}

// handleNotificationStream upgrades to a websocket and forwards the
// user's notifications as they are created.
func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	user, ok := s.userFromRequest(w, r)
	if !ok {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	slog.Info("notification stream connected", "user_id", user.ID)

	sub := s.cfg.Bus.Subscribe(bus.TopicNotificationCreated)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Ch():
			if !open {
				return
			}
			n, isNotif := ev.Payload.(bus.NotificationEvent)
			if !isNotif || n.UserID != user.ID {
				continue
			}
			if err := wsjson.Write(ctx, conn, map[string]any{
				"id":       n.NotificationID,
				"type":     n.Type,
				"title":    n.Title,
				"message":  n.Message,
				"severity": n.Severity,
			}); err != nil {
				slog.Debug("notification stream write failed", "user_id", user.ID, "error", err)
				return
			}
		}
	}
}

// userFromRequest resolves the user_id query parameter. Writes the error
// response itself; callers bail on ok=false.
func (s *Server) userFromRequest(w http.ResponseWriter, r *http.Request) (*persistence.User, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return nil, false
	}
	user, err := s.cfg.Store.GetUser(r.Context(), userID)
	if errors.Is(err, persistence.ErrUserNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "load user", http.StatusInternalServerError)
		return nil, false
	}
	return user, true
}

func notificationJSON(n *persistence.Notification) map[string]any {
	return map[string]any{
		"id":         n.ID,
		"type":       n.Type,
		"title":      n.Title,
		"message":    n.Message,
		"severity":   n.Severity,
		"is_read":    n.IsRead,
		"created_at": n.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
