// Package capability defines the contracts the agent core uses to reach
// the user's email, calendar and CRM providers. The core never talks to a
// provider SDK directly; it consumes these interfaces and the typed errors
// in errors.go. Real HTTP-backed implementations live outside the core;
// the in-memory implementations here back tests and local mode.
package capability

import (
	"context"
	"time"
)

// CRMContactID is the provider-native contact identifier. Tool calls that
// mutate a contact must carry this id, never the internal RecordID. The
// two id spaces are deliberately distinct types so a mix-up fails loudly
// at the adapter boundary instead of silently corrupting a record.
type CRMContactID string

// RecordID is sidekick's internal storage id for a synced record.
type RecordID string

// EmailMessage is a provider email normalized for the core.
type EmailMessage struct {
	ProviderID string
	From       string
	To         []string
	Subject    string
	Body       string
	ReceivedAt time.Time
}

// OutboundEmail is a message to be sent on the user's behalf.
type OutboundEmail struct {
	To      []string
	Subject string
	Body    string
}

// CalendarEvent is a provider calendar entry normalized for the core.
type CalendarEvent struct {
	ProviderID string
	Title      string
	Start      time.Time
	End        time.Time
	Attendees  []string
	Organizer  string
}

// NewCalendarEvent is an event to be created on the user's calendar.
type NewCalendarEvent struct {
	Title     string
	Start     time.Time
	End       time.Time
	Attendees []string
}

// Contact is a CRM contact normalized for the core.
type Contact struct {
	ID        CRMContactID
	Email     string
	FirstName string
	LastName  string
	Company   string
}

// NewContact is a contact to be created in the CRM.
type NewContact struct {
	Email     string
	FirstName string
	LastName  string
	Company   string
}

// ContactNote is a note attached to a CRM contact.
type ContactNote struct {
	ContactID CRMContactID
	Body      string
	CreatedAt time.Time
}

// Mailer sends and searches the user's mail account.
type Mailer interface {
	Send(ctx context.Context, userID string, msg OutboundEmail) (providerID string, err error)
	Search(ctx context.Context, userID, query string, limit int) ([]EmailMessage, error)
	// ListNewSince returns messages received after the watermark, oldest
	// first, at most limit. A zero watermark means "everything".
	ListNewSince(ctx context.Context, userID string, since time.Time, limit int) ([]EmailMessage, error)
}

// Calendar creates and searches the user's calendar.
type Calendar interface {
	CreateEvent(ctx context.Context, userID string, ev NewCalendarEvent) (providerID string, err error)
	// SearchRange returns events overlapping [from, to). Range search is the
	// primary query shape; "upcoming" is just from=now.
	SearchRange(ctx context.Context, userID string, query string, from, to time.Time, limit int) ([]CalendarEvent, error)
	ListNewSince(ctx context.Context, userID string, since time.Time, limit int) ([]CalendarEvent, error)
}

// CRM creates, searches and annotates contacts.
type CRM interface {
	CreateContact(ctx context.Context, userID string, c NewContact) (CRMContactID, error)
	SearchContacts(ctx context.Context, userID, query string, limit int) ([]Contact, error)
	AddNote(ctx context.Context, userID string, id CRMContactID, body string) error
	SearchNotes(ctx context.Context, userID, query string, limit int) ([]ContactNote, error)
}

// Adapters bundles the three provider capabilities for injection.
type Adapters struct {
	Mail     Mailer
	Calendar Calendar
	CRM      CRM
}
