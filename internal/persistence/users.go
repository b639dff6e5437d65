package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User is an account whose email, calendar and CRM sidekick watches.
type User struct {
	ID             string
	Email          string
	Name           string
	TelegramChatID int64
	CreatedAt      time.Time
}

// ErrUserNotFound is returned when a user id or email matches nothing.
var ErrUserNotFound = errors.New("user not found")

// CreateUser inserts a new user. The email is the user's own identity and
// is used for self-loop suppression.
func (s *Store) CreateUser(ctx context.Context, email, name string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO users (id, email, name) VALUES (?, ?, ?);`,
			id, email, name)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(name, ''), COALESCE(telegram_chat_id, 0), created_at FROM users WHERE id = ?;`, id))
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, COALESCE(name, ''), COALESCE(telegram_chat_id, 0), created_at FROM users WHERE email = ?;`, email))
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.TelegramChatID, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, COALESCE(name, ''), COALESCE(telegram_chat_id, 0), created_at FROM users ORDER BY created_at;`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.TelegramChatID, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetTelegramChatID links a user to a telegram chat for notification delivery.
func (s *Store) SetTelegramChatID(ctx context.Context, userID string, chatID int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE users SET telegram_chat_id = ? WHERE id = ?;`, chatID, userID)
		return err
	})
}

// watermarkColumn maps a source name to its users column.
func watermarkColumn(source string) (string, error) {
	switch source {
	case "email":
		return "email_watermark", nil
	case "calendar":
		return "calendar_watermark", nil
	default:
		return "", fmt.Errorf("unknown watermark source %q", source)
	}
}

// Watermark returns the last-seen timestamp for (user, source). A zero time
// means the source has never been synced.
func (s *Store) Watermark(ctx context.Context, userID, source string) (time.Time, error) {
	col, err := watermarkColumn(source)
	if err != nil {
		return time.Time{}, err
	}
	var t sql.NullTime
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE id = ?;`, col), userID).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrUserNotFound
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// AdvanceWatermark moves the watermark forward, never backward. Called only
// after the corresponding record has been persisted, so a crash between
// fetch and persist is safe to retry.
func (s *Store) AdvanceWatermark(ctx context.Context, userID, source string, to time.Time) error {
	col, err := watermarkColumn(source)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE users SET %s = ? WHERE id = ? AND (%s IS NULL OR %s < ?);`, col, col, col),
			to, userID, to)
		return err
	})
}
