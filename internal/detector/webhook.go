package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/copper/sidekick/internal/engine"
	"github.com/copper/sidekick/internal/persistence"
)

// CRM webhook event types.
const (
	CRMEventContactCreated = "contact.created"
	CRMEventContactUpdated = "contact.updated"
)

// CRMWebhookPayload is the pushed CRM change notification.
type CRMWebhookPayload struct {
	EventType  string            `json:"event_type"`
	OccurredAt time.Time         `json:"occurred_at"`
	Contact    CRMWebhookContact `json:"contact"`
}

type CRMWebhookContact struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
}

// CRMWebhook normalizes pushed CRM payloads into the same Event shape the
// pollers produce, with the same dedup and self-loop rules. Created
// contacts materialize a synced record; the provider-id constraint makes
// redelivered webhooks and echoes of agent-created contacts silent.
type CRMWebhook struct {
	store *persistence.Store
}

func NewCRMWebhook(store *persistence.Store) *CRMWebhook {
	return &CRMWebhook{store: store}
}

// Normalize parses a webhook body for one user. A nil event with nil
// error means the payload was valid but suppressed (duplicate or
// self-originated).
func (w *CRMWebhook) Normalize(ctx context.Context, user *persistence.User, body []byte) (*engine.Event, error) {
	var p CRMWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode crm webhook: %w", err)
	}
	if p.Contact.ID == "" {
		return nil, fmt.Errorf("crm webhook missing contact id")
	}
	if p.OccurredAt.IsZero() {
		p.OccurredAt = time.Now().UTC()
	}

	switch p.EventType {
	case CRMEventContactCreated:
		inserted, err := w.store.InsertContact(ctx, persistence.ContactRecord{
			UserID:    user.ID,
			HubspotID: p.Contact.ID,
			Email:     p.Contact.Email,
			FirstName: p.Contact.FirstName,
			LastName:  p.Contact.LastName,
			Company:   p.Contact.Company,
		})
		if err != nil {
			return nil, fmt.Errorf("materialize contact %s: %w", p.Contact.ID, err)
		}
		if !inserted {
			slog.Debug("contact already materialized", "user_id", user.ID, "hubspot_id", p.Contact.ID)
			return nil, nil
		}
		if sameAddress(p.Contact.Email, user.Email) {
			slog.Debug("self-authored contact suppressed", "user_id", user.ID, "hubspot_id", p.Contact.ID)
			return nil, nil
		}
		return &engine.Event{
			UserID:        user.ID,
			Trigger:       persistence.TriggerNewContact,
			SourceID:      p.Contact.ID,
			OccurredAt:    p.OccurredAt,
			Summary:       renderContact(p.Contact),
			Correspondent: p.Contact.Email,
		}, nil

	case CRMEventContactUpdated:
		if sameAddress(p.Contact.Email, user.Email) {
			return nil, nil
		}
		return &engine.Event{
			UserID:        user.ID,
			Trigger:       persistence.TriggerCRMUpdate,
			SourceID:      fmt.Sprintf("%s@%d", p.Contact.ID, p.OccurredAt.Unix()),
			OccurredAt:    p.OccurredAt,
			Summary:       renderContact(p.Contact),
			Correspondent: p.Contact.Email,
		}, nil

	default:
		return nil, fmt.Errorf("unknown crm webhook event type %q", p.EventType)
	}
}

func renderContact(c CRMWebhookContact) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Contact: %s %s\n", c.FirstName, c.LastName)
	if c.Email != "" {
		fmt.Fprintf(&sb, "Email: %s\n", c.Email)
	}
	if c.Company != "" {
		fmt.Fprintf(&sb, "Company: %s\n", c.Company)
	}
	fmt.Fprintf(&sb, "CRM id: %s\n", c.ID)
	return sb.String()
}
