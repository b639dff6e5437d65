// Package notify carries run outcomes to the user. The Sink writes
// notification rows; delivery channels subscribe to the bus and push them
// out of process. Nothing in this package may fail a run: every error is
// logged and swallowed.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/copper/sidekick/internal/persistence"
)

// Sink persists notifications with per-(user, type) debouncing. It
// implements the engine's Notifier contract.
type Sink struct {
	store *persistence.Store

	mu       sync.RWMutex
	debounce time.Duration
}

func NewSink(store *persistence.Store, debounce time.Duration) *Sink {
	return &Sink{store: store, debounce: debounce}
}

// UpdateDebounce swaps the debounce window on config reload.
func (s *Sink) UpdateDebounce(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounce = d
}

func (s *Sink) window() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.debounce
}

// debounced reports whether a severity participates in the debounce
// window. Success and info notices always go through; a side effect the
// agent took must never be silently dropped.
func debounced(severity string) bool {
	return severity == persistence.SeverityWarning || severity == persistence.SeverityError
}

// Notify writes one notification. A repeat warning or error of the same
// (user, type) inside the debounce window is dropped. Storage failures
// are logged, never returned; the run that produced the notification
// already happened and must not unwind.
func (s *Sink) Notify(ctx context.Context, userID, notifType, title, message, severity string) {
	if window := s.window(); window > 0 && debounced(severity) {
		last, err := s.store.LastNotificationTime(ctx, userID, notifType)
		if err != nil {
			slog.Warn("notification debounce probe failed", "user_id", userID, "type", notifType, "error", err)
		} else if !last.IsZero() && time.Since(last) < window {
			slog.Debug("notification debounced", "user_id", userID, "type", notifType)
			return
		}
	}

	if _, err := s.store.InsertNotification(ctx, &persistence.Notification{
		UserID:   userID,
		Type:     notifType,
		Title:    title,
		Message:  message,
		Severity: severity,
	}); err != nil {
		slog.Error("notification write failed", "user_id", userID, "type", notifType, "error", err)
	}
}
