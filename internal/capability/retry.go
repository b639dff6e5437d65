package capability

import (
	"context"
	"log/slog"
	"time"
)

// retryDelay is the pause before the single transient retry.
const retryDelay = 500 * time.Millisecond

// retryOnce runs f, and runs it one more time if the first attempt failed
// with a transient classification. Auth and validation failures never retry.
func retryOnce(ctx context.Context, op string, f func() error) error {
	err := f()
	if err == nil || !IsTransient(err) {
		return err
	}
	slog.Debug("transient adapter error, retrying once", "op", op, "error", err)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(retryDelay):
	}
	return f()
}

// RetryingMailer decorates a Mailer with the retry-once transient policy.
type RetryingMailer struct {
	Inner Mailer
}

func (r RetryingMailer) Send(ctx context.Context, userID string, msg OutboundEmail) (string, error) {
	var id string
	err := retryOnce(ctx, "mail.send", func() error {
		var err error
		id, err = r.Inner.Send(ctx, userID, msg)
		return err
	})
	return id, err
}

func (r RetryingMailer) Search(ctx context.Context, userID, query string, limit int) ([]EmailMessage, error) {
	var out []EmailMessage
	err := retryOnce(ctx, "mail.search", func() error {
		var err error
		out, err = r.Inner.Search(ctx, userID, query, limit)
		return err
	})
	return out, err
}

func (r RetryingMailer) ListNewSince(ctx context.Context, userID string, since time.Time, limit int) ([]EmailMessage, error) {
	var out []EmailMessage
	err := retryOnce(ctx, "mail.list_new", func() error {
		var err error
		out, err = r.Inner.ListNewSince(ctx, userID, since, limit)
		return err
	})
	return out, err
}

// RetryingCalendar decorates a Calendar with the retry-once transient policy.
type RetryingCalendar struct {
	Inner Calendar
}

func (r RetryingCalendar) CreateEvent(ctx context.Context, userID string, ev NewCalendarEvent) (string, error) {
	var id string
	err := retryOnce(ctx, "calendar.create", func() error {
		var err error
		id, err = r.Inner.CreateEvent(ctx, userID, ev)
		return err
	})
	return id, err
}

func (r RetryingCalendar) SearchRange(ctx context.Context, userID, query string, from, to time.Time, limit int) ([]CalendarEvent, error) {
	var out []CalendarEvent
	err := retryOnce(ctx, "calendar.search", func() error {
		var err error
		out, err = r.Inner.SearchRange(ctx, userID, query, from, to, limit)
		return err
	})
	return out, err
}

func (r RetryingCalendar) ListNewSince(ctx context.Context, userID string, since time.Time, limit int) ([]CalendarEvent, error) {
	var out []CalendarEvent
	err := retryOnce(ctx, "calendar.list_new", func() error {
		var err error
		out, err = r.Inner.ListNewSince(ctx, userID, since, limit)
		return err
	})
	return out, err
}

// RetryingCRM decorates a CRM with the retry-once transient policy.
type RetryingCRM struct {
	Inner CRM
}

func (r RetryingCRM) CreateContact(ctx context.Context, userID string, c NewContact) (CRMContactID, error) {
	var id CRMContactID
	err := retryOnce(ctx, "crm.create_contact", func() error {
		var err error
		id, err = r.Inner.CreateContact(ctx, userID, c)
		return err
	})
	return id, err
}

func (r RetryingCRM) SearchContacts(ctx context.Context, userID, query string, limit int) ([]Contact, error) {
	var out []Contact
	err := retryOnce(ctx, "crm.search_contacts", func() error {
		var err error
		out, err = r.Inner.SearchContacts(ctx, userID, query, limit)
		return err
	})
	return out, err
}

func (r RetryingCRM) AddNote(ctx context.Context, userID string, id CRMContactID, body string) error {
	return retryOnce(ctx, "crm.add_note", func() error {
		return r.Inner.AddNote(ctx, userID, id, body)
	})
}

func (r RetryingCRM) SearchNotes(ctx context.Context, userID, query string, limit int) ([]ContactNote, error) {
	var out []ContactNote
	err := retryOnce(ctx, "crm.search_notes", func() error {
		var err error
		out, err = r.Inner.SearchNotes(ctx, userID, query, limit)
		return err
	})
	return out, err
}

// WithRetry wraps all three adapters with the transient retry policy.
func WithRetry(a Adapters) Adapters {
	return Adapters{
		Mail:     RetryingMailer{Inner: a.Mail},
		Calendar: RetryingCalendar{Inner: a.Calendar},
		CRM:      RetryingCRM{Inner: a.CRM},
	}
}
