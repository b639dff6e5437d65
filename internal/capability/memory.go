package capability

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemMailer is an in-memory Mailer for tests and local mode.
type MemMailer struct {
	mu     sync.Mutex
	nextID int
	Inbox  map[string][]EmailMessage // userID → received mail
	Sent   map[string][]OutboundEmail

	// Fail, when non-nil, is returned by every call. Used to simulate
	// provider outages and token expiry.
	Fail error
}

func NewMemMailer() *MemMailer {
	return &MemMailer{
		Inbox: make(map[string][]EmailMessage),
		Sent:  make(map[string][]OutboundEmail),
	}
}

// Deliver seeds a received message into a user's inbox.
func (m *MemMailer) Deliver(userID string, msg EmailMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Inbox[userID] = append(m.Inbox[userID], msg)
}

func (m *MemMailer) Send(ctx context.Context, userID string, msg OutboundEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return "", m.Fail
	}
	m.nextID++
	m.Sent[userID] = append(m.Sent[userID], msg)
	return fmt.Sprintf("sent-%d", m.nextID), nil
}

func (m *MemMailer) Search(ctx context.Context, userID, query string, limit int) ([]EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	q := strings.ToLower(query)
	var out []EmailMessage
	for _, msg := range m.Inbox[userID] {
		if q == "" || strings.Contains(strings.ToLower(msg.Subject), q) ||
			strings.Contains(strings.ToLower(msg.Body), q) ||
			strings.Contains(strings.ToLower(msg.From), q) {
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemMailer) ListNewSince(ctx context.Context, userID string, since time.Time, limit int) ([]EmailMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return nil, m.Fail
	}
	var out []EmailMessage
	for _, msg := range m.Inbox[userID] {
		if msg.ReceivedAt.After(since) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemCalendar is an in-memory Calendar for tests and local mode.
type MemCalendar struct {
	mu     sync.Mutex
	nextID int
	Events map[string][]CalendarEvent // userID → events
	added  map[string][]time.Time     // creation timestamps, parallel to Events

	Fail error
}

func NewMemCalendar() *MemCalendar {
	return &MemCalendar{
		Events: make(map[string][]CalendarEvent),
		added:  make(map[string][]time.Time),
	}
}

// Seed inserts an existing provider event with an explicit sync timestamp.
func (c *MemCalendar) Seed(userID string, ev CalendarEvent, addedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events[userID] = append(c.Events[userID], ev)
	c.added[userID] = append(c.added[userID], addedAt)
}

func (c *MemCalendar) CreateEvent(ctx context.Context, userID string, ev NewCalendarEvent) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return "", c.Fail
	}
	c.nextID++
	id := fmt.Sprintf("cal-%d", c.nextID)
	c.Events[userID] = append(c.Events[userID], CalendarEvent{
		ProviderID: id,
		Title:      ev.Title,
		Start:      ev.Start,
		End:        ev.End,
		Attendees:  ev.Attendees,
	})
	c.added[userID] = append(c.added[userID], time.Now())
	return id, nil
}

func (c *MemCalendar) SearchRange(ctx context.Context, userID, query string, from, to time.Time, limit int) ([]CalendarEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	q := strings.ToLower(query)
	var out []CalendarEvent
	for _, ev := range c.Events[userID] {
		if !to.IsZero() && !ev.Start.Before(to) {
			continue
		}
		if !from.IsZero() && ev.End.Before(from) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(ev.Title), q) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *MemCalendar) ListNewSince(ctx context.Context, userID string, since time.Time, limit int) ([]CalendarEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	var out []CalendarEvent
	for i, ev := range c.Events[userID] {
		if c.added[userID][i].After(since) {
			out = append(out, ev)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemCRM is an in-memory CRM for tests and local mode.
type MemCRM struct {
	mu       sync.Mutex
	nextID   int
	Contacts map[string][]Contact     // userID → contacts
	Notes    map[string][]ContactNote // userID → notes

	Fail error
}

func NewMemCRM() *MemCRM {
	return &MemCRM{
		Contacts: make(map[string][]Contact),
		Notes:    make(map[string][]ContactNote),
	}
}

func (c *MemCRM) CreateContact(ctx context.Context, userID string, nc NewContact) (CRMContactID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return "", c.Fail
	}
	c.nextID++
	id := CRMContactID(fmt.Sprintf("crm-%d", c.nextID))
	c.Contacts[userID] = append(c.Contacts[userID], Contact{
		ID:        id,
		Email:     nc.Email,
		FirstName: nc.FirstName,
		LastName:  nc.LastName,
		Company:   nc.Company,
	})
	return id, nil
}

func (c *MemCRM) SearchContacts(ctx context.Context, userID, query string, limit int) ([]Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	q := strings.ToLower(query)
	var out []Contact
	for _, ct := range c.Contacts[userID] {
		if q == "" || strings.Contains(strings.ToLower(ct.Email), q) ||
			strings.Contains(strings.ToLower(ct.FirstName+" "+ct.LastName), q) ||
			strings.Contains(strings.ToLower(ct.Company), q) {
			out = append(out, ct)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (c *MemCRM) AddNote(ctx context.Context, userID string, id CRMContactID, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return c.Fail
	}
	found := false
	for _, ct := range c.Contacts[userID] {
		if ct.ID == id {
			found = true
			break
		}
	}
	if !found {
		return NotFound("crm.add_note", fmt.Errorf("no contact with id %q", id))
	}
	c.Notes[userID] = append(c.Notes[userID], ContactNote{
		ContactID: id,
		Body:      body,
		CreatedAt: time.Now(),
	})
	return nil
}

func (c *MemCRM) SearchNotes(ctx context.Context, userID, query string, limit int) ([]ContactNote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Fail != nil {
		return nil, c.Fail
	}
	q := strings.ToLower(query)
	var out []ContactNote
	for _, n := range c.Notes[userID] {
		if q == "" || strings.Contains(strings.ToLower(n.Body), q) {
			out = append(out, n)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// NewMemAdapters bundles fresh in-memory adapters.
func NewMemAdapters() (Adapters, *MemMailer, *MemCalendar, *MemCRM) {
	mail := NewMemMailer()
	cal := NewMemCalendar()
	crm := NewMemCRM()
	return Adapters{Mail: mail, Calendar: cal, CRM: crm}, mail, cal, crm
}
