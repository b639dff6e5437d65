package detector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/engine"
	"github.com/copper/sidekick/internal/persistence"
)

// EmailDetector polls the user's mailbox for messages received after the
// email watermark.
type EmailDetector struct {
	store    *persistence.Store
	mail     capability.Mailer
	notifier engine.Notifier

	mu       sync.RWMutex
	pageSize int
}

func NewEmailDetector(store *persistence.Store, mail capability.Mailer, notifier engine.Notifier, cfg config.DetectorConfig) *EmailDetector {
	return &EmailDetector{store: store, mail: mail, notifier: notifier, pageSize: cfg.PageSize}
}

func (d *EmailDetector) Name() string { return SourceEmail }

// UpdateConfig swaps the poll tunables on config reload.
func (d *EmailDetector) UpdateConfig(cfg config.DetectorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageSize = cfg.PageSize
}

func (d *EmailDetector) limit() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pageSize
}

// Detect returns the user's unseen inbound mail as events, oldest first.
// Every returned event has its email record already persisted; the
// watermark advances per message, so a crash mid-page re-fetches only the
// tail and the provider-id constraint absorbs the overlap.
func (d *EmailDetector) Detect(ctx context.Context, user *persistence.User) ([]engine.Event, error) {
	wm, err := d.store.Watermark(ctx, user.ID, SourceEmail)
	if err != nil {
		return nil, fmt.Errorf("email watermark: %w", err)
	}

	msgs, err := d.mail.ListNewSince(ctx, user.ID, wm, d.limit())
	if err != nil {
		notifyAuthExpired(ctx, d.notifier, user.ID, "email", err)
		return nil, fmt.Errorf("list new mail: %w", err)
	}
	if len(msgs) == 0 {
		slog.Debug("no new mail", "user_id", user.ID)
		return nil, nil
	}

	var events []engine.Event
	for _, msg := range msgs {
		inserted, err := d.store.InsertEmail(ctx, persistence.EmailRecord{
			UserID:     user.ID,
			GmailID:    msg.ProviderID,
			Sender:     msg.From,
			Subject:    msg.Subject,
			Body:       msg.Body,
			ReceivedAt: msg.ReceivedAt,
		})
		if err != nil {
			// Stop the page here; the watermark still points at the
			// last persisted message.
			return events, fmt.Errorf("materialize email %s: %w", msg.ProviderID, err)
		}
		if err := d.store.AdvanceWatermark(ctx, user.ID, SourceEmail, msg.ReceivedAt); err != nil {
			return events, fmt.Errorf("advance email watermark: %w", err)
		}
		if !inserted {
			slog.Debug("email already materialized", "user_id", user.ID, "gmail_id", msg.ProviderID)
			continue
		}
		if sameAddress(msg.From, user.Email) {
			slog.Debug("self-sent mail suppressed", "user_id", user.ID, "gmail_id", msg.ProviderID)
			continue
		}

		trigger, err := d.classifyTrigger(ctx, user.ID, msg)
		if err != nil {
			slog.Warn("trigger classification failed, treating as new mail", "user_id", user.ID, "error", err)
			trigger = persistence.TriggerNewEmail
		}
		events = append(events, engine.Event{
			UserID:        user.ID,
			Trigger:       trigger,
			SourceID:      msg.ProviderID,
			OccurredAt:    msg.ReceivedAt,
			Summary:       renderEmail(msg),
			Correspondent: msg.From,
		})
	}
	return events, nil
}

// classifyTrigger decides which instruction trigger an inbound message
// fires. RSVP notification mail maps to calendar responses; mail from a
// correspondent we are waiting on, or an ordinary reply, maps to email
// responses; everything else is new mail.
func (d *EmailDetector) classifyTrigger(ctx context.Context, userID string, msg capability.EmailMessage) (persistence.TriggerType, error) {
	subject := strings.TrimSpace(msg.Subject)
	for _, prefix := range []string{"Accepted:", "Declined:", "Tentative:"} {
		if strings.HasPrefix(subject, prefix) {
			return persistence.TriggerCalendarResponse, nil
		}
	}

	waiting, err := d.store.FindOpenWaitingTasks(ctx, userID, msg.From)
	if err != nil {
		return persistence.TriggerNewEmail, err
	}
	if len(waiting) > 0 {
		return persistence.TriggerEmailResponse, nil
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return persistence.TriggerEmailResponse, nil
	}
	return persistence.TriggerNewEmail, nil
}

func renderEmail(msg capability.EmailMessage) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "From: %s\n", msg.From)
	if len(msg.To) > 0 {
		fmt.Fprintf(&sb, "To: %s\n", strings.Join(msg.To, ", "))
	}
	fmt.Fprintf(&sb, "Subject: %s\n\n%s", msg.Subject, msg.Body)
	return sb.String()
}
