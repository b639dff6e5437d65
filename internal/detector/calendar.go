package detector

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/engine"
	"github.com/copper/sidekick/internal/persistence"
)

// CalendarDetector polls the user's calendar for events created after the
// calendar watermark.
type CalendarDetector struct {
	store    *persistence.Store
	cal      capability.Calendar
	notifier engine.Notifier

	mu       sync.RWMutex
	pageSize int
}

func NewCalendarDetector(store *persistence.Store, cal capability.Calendar, notifier engine.Notifier, cfg config.DetectorConfig) *CalendarDetector {
	return &CalendarDetector{store: store, cal: cal, notifier: notifier, pageSize: cfg.PageSize}
}

func (d *CalendarDetector) Name() string { return SourceCalendar }

func (d *CalendarDetector) UpdateConfig(cfg config.DetectorConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pageSize = cfg.PageSize
}

func (d *CalendarDetector) limit() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pageSize
}

// Detect returns unseen calendar events, oldest first. Events the user
// organized are materialized but never dispatched; agent-created events
// also land here via the poll echo and dedup on the provider id.
func (d *CalendarDetector) Detect(ctx context.Context, user *persistence.User) ([]engine.Event, error) {
	wm, err := d.store.Watermark(ctx, user.ID, SourceCalendar)
	if err != nil {
		return nil, fmt.Errorf("calendar watermark: %w", err)
	}

	limit := d.limit()
	pollStart := time.Now().UTC()
	items, err := d.cal.ListNewSince(ctx, user.ID, wm, limit)
	if err != nil {
		notifyAuthExpired(ctx, d.notifier, user.ID, "calendar", err)
		return nil, fmt.Errorf("list new calendar events: %w", err)
	}
	if len(items) == 0 {
		slog.Debug("no new calendar events", "user_id", user.ID)
		return nil, nil
	}

	var events []engine.Event
	for _, item := range items {
		inserted, err := d.store.InsertCalendarEvent(ctx, persistence.CalendarRecord{
			UserID:    user.ID,
			GoogleID:  item.ProviderID,
			Title:     item.Title,
			StartAt:   item.Start,
			EndAt:     item.End,
			Attendees: item.Attendees,
			Organizer: item.Organizer,
		})
		if err != nil {
			return events, fmt.Errorf("materialize calendar event %s: %w", item.ProviderID, err)
		}
		if !inserted {
			slog.Debug("calendar event already materialized", "user_id", user.ID, "google_id", item.ProviderID)
			continue
		}
		if sameAddress(item.Organizer, user.Email) {
			slog.Debug("self-organized event suppressed", "user_id", user.ID, "google_id", item.ProviderID)
			continue
		}

		events = append(events, engine.Event{
			UserID:        user.ID,
			Trigger:       persistence.TriggerNewCalendarEvent,
			SourceID:      item.ProviderID,
			OccurredAt:    item.Start,
			Summary:       renderCalendarEvent(item),
			Correspondent: item.Organizer,
		})
	}

	// The listing watermark is the provider-side creation time, which the
	// normalized event does not carry, so the watermark advances to the
	// poll start only once the whole page is persisted. A full page means
	// there may be older unseen items; leave the watermark alone and let
	// the next cycle re-walk, with the provider-id constraint absorbing
	// the overlap.
	if len(items) < limit {
		if err := d.store.AdvanceWatermark(ctx, user.ID, SourceCalendar, pollStart); err != nil {
			return events, fmt.Errorf("advance calendar watermark: %w", err)
		}
	}
	return events, nil
}

func renderCalendarEvent(ev capability.CalendarEvent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Event: %s\n", ev.Title)
	fmt.Fprintf(&sb, "Start: %s\n", ev.Start.Format(time.RFC3339))
	fmt.Fprintf(&sb, "End: %s\n", ev.End.Format(time.RFC3339))
	if ev.Organizer != "" {
		fmt.Fprintf(&sb, "Organizer: %s\n", ev.Organizer)
	}
	if len(ev.Attendees) > 0 {
		fmt.Fprintf(&sb, "Attendees: %s\n", strings.Join(ev.Attendees, ", "))
	}
	return sb.String()
}
