package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/copper/sidekick/internal/bus"
)

// Notification severities.
const (
	SeverityInfo    = "INFO"
	SeveritySuccess = "SUCCESS"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is a user-facing message produced by the agent or the
// detectors.
type Notification struct {
	ID        string
	UserID    string
	Type      string
	Title     string
	Message   string
	Severity  string
	IsRead    bool
	Metadata  string
	CreatedAt time.Time
}

func validSeverity(s string) bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// InsertNotification persists a notification and announces it on the bus.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) (*Notification, error) {
	if n.UserID == "" || n.Type == "" || n.Title == "" {
		return nil, errors.New("notification requires user, type, and title")
	}
	if n.Severity == "" {
		n.Severity = SeverityInfo
	}
	if !validSeverity(n.Severity) {
		return nil, fmt.Errorf("invalid severity %q", n.Severity)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.Metadata == "" {
		n.Metadata = "{}"
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO notifications (id, user_id, type, title, message, severity, metadata)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			n.ID, n.UserID, n.Type, n.Title, n.Message, n.Severity, n.Metadata)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert notification: %w", err)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicNotificationCreated, bus.NotificationEvent{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Type:           n.Type,
			Title:          n.Title,
			Message:        n.Message,
			Severity:       n.Severity,
		})
	}
	return s.GetNotification(ctx, n.ID)
}

// GetNotification loads a notification by id.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, type, title, COALESCE(message, ''), severity, is_read,
		        COALESCE(metadata, '{}'), created_at
		 FROM notifications WHERE id = ?;`, id)
	var n Notification
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Severity,
		&n.IsRead, &n.Metadata, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan notification: %w", err)
	}
	return &n, nil
}

// LastNotificationTime returns the creation time of the user's most recent
// notification of the given type, or the zero time when none exists. The
// notifier uses this for its per-type debounce window.
func (s *Store) LastNotificationTime(ctx context.Context, userID, notifType string) (time.Time, error) {
	// MAX(created_at) would lose the column's declared DATETIME type and
	// come back as a string; ordering keeps the typed scan.
	var ts time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM notifications WHERE user_id = ? AND type = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1;`,
		userID, notifType).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last notification time: %w", err)
	}
	return ts, nil
}

// ListNotifications returns the user's notifications newest first. When
// unreadOnly is set, read notifications are skipped.
func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, user_id, type, title, COALESCE(message, ''), severity, is_read,
	                 COALESCE(metadata, '{}'), created_at
	          FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?;`
	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		var n Notification
		err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Severity,
			&n.IsRead, &n.Metadata, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkNotificationRead marks a single notification read.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE id = ?;`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if affected == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllNotificationsRead marks every unread notification of a user read.
func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0;`, userID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return affected, nil
}
