package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Synced provider records. Each carries the provider-native id under a
// UNIQUE(user_id, provider_id) constraint; InsertX reports whether the row
// was actually inserted, which is the detectors' dedup primitive. A false
// return means the event was already materialized and must not re-trigger
// instruction execution.

// EmailRecord is a synced inbound email.
type EmailRecord struct {
	ID         string
	UserID     string
	GmailID    string
	Sender     string
	Subject    string
	Body       string
	ReceivedAt time.Time
	CreatedAt  time.Time
}

// InsertEmail inserts a synced email unless its gmail id is already known.
// Returns (inserted=false, nil) for a duplicate.
func (s *Store) InsertEmail(ctx context.Context, rec EmailRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO emails (id, user_id, gmail_id, sender, subject, body, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, gmail_id) DO NOTHING;`,
			rec.ID, rec.UserID, rec.GmailID, rec.Sender, rec.Subject, rec.Body, rec.ReceivedAt)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert email: %w", err)
	}
	return affected > 0, nil
}

// HasEmail reports whether a gmail id has already been materialized.
func (s *Store) HasEmail(ctx context.Context, userID, gmailID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM emails WHERE user_id = ? AND gmail_id = ?;`,
		userID, gmailID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return n > 0, nil
}

// ContactRecord is a synced CRM contact.
type ContactRecord struct {
	ID        string
	UserID    string
	HubspotID string
	Email     string
	FirstName string
	LastName  string
	Company   string
	CreatedAt time.Time
}

// InsertContact inserts a synced contact unless its CRM id is already known.
func (s *Store) InsertContact(ctx context.Context, rec ContactRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO contacts (id, user_id, hubspot_id, email, first_name, last_name, company)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, hubspot_id) DO NOTHING;`,
			rec.ID, rec.UserID, rec.HubspotID, rec.Email, rec.FirstName, rec.LastName, rec.Company)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert contact: %w", err)
	}
	return affected > 0, nil
}

// ContactCRMIDForRecord resolves an internal contact record id to its CRM
// id. Returns ok=false when no such record exists. The tool layer uses
// this to catch calls that pass the wrong id space.
func (s *Store) ContactCRMIDForRecord(ctx context.Context, userID, recordID string) (string, bool, error) {
	var crmID string
	err := s.db.QueryRowContext(ctx,
		`SELECT hubspot_id FROM contacts WHERE user_id = ? AND id = ?;`,
		userID, recordID).Scan(&crmID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve contact record: %w", err)
	}
	return crmID, true, nil
}

// HasContact reports whether a CRM contact id has already been materialized.
func (s *Store) HasContact(ctx context.Context, userID, hubspotID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM contacts WHERE user_id = ? AND hubspot_id = ?;`,
		userID, hubspotID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check contact: %w", err)
	}
	return n > 0, nil
}

// CalendarRecord is a synced calendar event.
type CalendarRecord struct {
	ID        string
	UserID    string
	GoogleID  string
	Title     string
	StartAt   time.Time
	EndAt     time.Time
	Attendees []string
	Organizer string
	CreatedAt time.Time
}

// InsertCalendarEvent inserts a synced event unless its provider id is
// already known.
func (s *Store) InsertCalendarEvent(ctx context.Context, rec CalendarRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	attendees, err := json.Marshal(rec.Attendees)
	if err != nil {
		return false, fmt.Errorf("encode attendees: %w", err)
	}
	var affected int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO calendar_events (id, user_id, google_id, title, start_at, end_at, attendees, organizer)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, google_id) DO NOTHING;`,
			rec.ID, rec.UserID, rec.GoogleID, rec.Title, rec.StartAt, rec.EndAt, string(attendees), rec.Organizer)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("insert calendar event: %w", err)
	}
	return affected > 0, nil
}

// HasCalendarEvent reports whether a provider event id has already been
// materialized.
func (s *Store) HasCalendarEvent(ctx context.Context, userID, googleID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM calendar_events WHERE user_id = ? AND google_id = ?;`,
		userID, googleID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check calendar event: %w", err)
	}
	return n > 0, nil
}
