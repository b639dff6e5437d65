package detector

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/config"
	"github.com/copper/sidekick/internal/persistence"
)

type fixture struct {
	store  *persistence.Store
	mailer *capability.MemMailer
	cal    *capability.MemCalendar
	user   *persistence.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	userID, err := store.CreateUser(ctx, "alex@example.com", "Alex")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	user, err := store.GetUser(ctx, userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return &fixture{
		store:  store,
		mailer: capability.NewMemMailer(),
		cal:    capability.NewMemCalendar(),
		user:   user,
	}
}

func testDetectorConfig() config.DetectorConfig {
	return config.DetectorConfig{PageSize: 50}
}

// stubNotifier records notification types.
type stubNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *stubNotifier) Notify(_ context.Context, _ string, notifType, _, _, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, notifType)
}

func mail(id, from, subject, body string, at time.Time) capability.EmailMessage {
	return capability.EmailMessage{
		ProviderID: id,
		From:       from,
		To:         []string{"alex@example.com"},
		Subject:    subject,
		Body:       body,
		ReceivedAt: at,
	}
}

func TestEmailDetectOrderedAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.mailer.Deliver(f.user.ID, mail("m2", "bob@corp.com", "second", "b", now))
	f.mailer.Deliver(f.user.ID, mail("m1", "ann@corp.com", "first", "a", now.Add(-time.Hour)))

	d := NewEmailDetector(f.store, f.mailer, nil, testDetectorConfig())

	events, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].SourceID != "m1" || events[1].SourceID != "m2" {
		t.Fatalf("events out of order: %s, %s", events[0].SourceID, events[1].SourceID)
	}
	if events[0].Correspondent != "ann@corp.com" {
		t.Fatalf("correspondent = %s", events[0].Correspondent)
	}
	if !strings.Contains(events[0].Summary, "Subject: first") {
		t.Fatalf("summary = %q", events[0].Summary)
	}

	// Records are persisted and a second cycle sees nothing.
	if ok, _ := f.store.HasEmail(ctx, f.user.ID, "m1"); !ok {
		t.Fatal("record not materialized")
	}
	again, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second cycle produced %d events", len(again))
	}
}

func TestEmailDetectSuppressesSelfSentMail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailer.Deliver(f.user.ID, mail("m1", "Alex@Example.com", "note to self", "x", time.Now().UTC()))

	d := NewEmailDetector(f.store, f.mailer, nil, testDetectorConfig())
	events, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("self-sent mail produced %d events", len(events))
	}
	// The record still materializes so tool searches can see it.
	if ok, _ := f.store.HasEmail(ctx, f.user.ID, "m1"); !ok {
		t.Fatal("self-sent mail should still be materialized")
	}
}

func TestEmailDetectClassifiesTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	task, err := f.store.CreateTask(ctx, f.user.ID, "Await reply", "", `{"contact":"waiting@corp.com"}`, 0)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := f.store.UpdateTaskStatus(ctx, task.ID, persistence.TaskWaitingForResponse, "", ""); err != nil {
		t.Fatalf("to waiting: %v", err)
	}

	f.mailer.Deliver(f.user.ID, mail("m1", "new@corp.com", "hello", "x", now.Add(1*time.Second)))
	f.mailer.Deliver(f.user.ID, mail("m2", "waiting@corp.com", "update", "x", now.Add(2*time.Second)))
	f.mailer.Deliver(f.user.ID, mail("m3", "other@corp.com", "Re: proposal", "x", now.Add(3*time.Second)))
	f.mailer.Deliver(f.user.ID, mail("m4", "other@corp.com", "Accepted: sync meeting", "x", now.Add(4*time.Second)))

	d := NewEmailDetector(f.store, f.mailer, nil, testDetectorConfig())
	events, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	want := []persistence.TriggerType{
		persistence.TriggerNewEmail,
		persistence.TriggerEmailResponse,
		persistence.TriggerEmailResponse,
		persistence.TriggerCalendarResponse,
	}
	for i, ev := range events {
		if ev.Trigger != want[i] {
			t.Errorf("event %s trigger = %s, want %s", ev.SourceID, ev.Trigger, want[i])
		}
	}
}

func TestEmailDetectPageSizeBound(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		f.mailer.Deliver(f.user.ID, mail(
			string(rune('a'+i)), "bob@corp.com", "s", "b", now.Add(time.Duration(i)*time.Second)))
	}

	cfg := testDetectorConfig()
	cfg.PageSize = 3
	d := NewEmailDetector(f.store, f.mailer, nil, cfg)

	events, err := d.Detect(context.Background(), f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("page = %d events, want 3", len(events))
	}
	// The next cycle continues from the watermark.
	events, err = d.Detect(context.Background(), f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("second page = %d events, want 3", len(events))
	}
	if events[0].SourceID != "d" {
		t.Fatalf("second page starts at %s", events[0].SourceID)
	}
}

func TestEmailDetectAuthExpiredNotifies(t *testing.T) {
	f := newFixture(t)
	f.mailer.Fail = capability.AuthExpired("mail.list", errors.New("401 invalid_grant"))
	notifier := &stubNotifier{}
	d := NewEmailDetector(f.store, f.mailer, notifier, testDetectorConfig())

	events, err := d.Detect(context.Background(), f.user)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(events) != 0 {
		t.Fatal("failed cycle must yield zero events")
	}
	if len(notifier.types) != 1 || notifier.types[0] != "provider_auth" {
		t.Fatalf("notifications = %v", notifier.types)
	}
}

func TestEmailDetectTransientErrorDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	f.mailer.Fail = capability.Transient("mail.list", errors.New("503"))
	notifier := &stubNotifier{}
	d := NewEmailDetector(f.store, f.mailer, notifier, testDetectorConfig())

	if _, err := d.Detect(context.Background(), f.user); err == nil {
		t.Fatal("expected error")
	}
	if len(notifier.types) != 0 {
		t.Fatalf("transient failure must not notify, got %v", notifier.types)
	}
}

func TestCalendarDetectSuppressesSelfOrganized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.cal.Seed(f.user.ID, capability.CalendarEvent{
		ProviderID: "g1",
		Title:      "client kickoff",
		Start:      now.Add(24 * time.Hour),
		End:        now.Add(25 * time.Hour),
		Organizer:  "client@corp.com",
		Attendees:  []string{"alex@example.com"},
	}, now.Add(-time.Minute))
	f.cal.Seed(f.user.ID, capability.CalendarEvent{
		ProviderID: "g2",
		Title:      "my own block",
		Start:      now.Add(26 * time.Hour),
		End:        now.Add(27 * time.Hour),
		Organizer:  "alex@example.com",
	}, now.Add(-time.Minute))

	d := NewCalendarDetector(f.store, f.cal, nil, testDetectorConfig())
	events, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 1 || events[0].SourceID != "g1" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Trigger != persistence.TriggerNewCalendarEvent {
		t.Fatalf("trigger = %s", events[0].Trigger)
	}
	// Both are materialized regardless.
	if ok, _ := f.store.HasCalendarEvent(ctx, f.user.ID, "g2"); !ok {
		t.Fatal("self-organized event should still be materialized")
	}

	// A second cycle re-lists nothing new.
	again, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("second detect: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second cycle produced %d events", len(again))
	}
}

func TestCalendarDetectSkipsAgentCreatedEcho(t *testing.T) {
	// An event the agent just created comes back from the poll with the
	// same provider id the tool layer materialized.
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := f.cal.CreateEvent(ctx, f.user.ID, capability.NewCalendarEvent{
		Title: "follow-up call",
		Start: now.Add(48 * time.Hour),
		End:   now.Add(49 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if _, err := f.store.InsertCalendarEvent(ctx, persistence.CalendarRecord{
		UserID:   f.user.ID,
		GoogleID: string(id),
		Title:    "follow-up call",
		StartAt:  now.Add(48 * time.Hour),
		EndAt:    now.Add(49 * time.Hour),
	}); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	d := NewCalendarDetector(f.store, f.cal, nil, testDetectorConfig())
	events, err := d.Detect(ctx, f.user)
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("echo produced %d events", len(events))
	}
}

func crmPayload(t *testing.T, eventType, id, email string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"event_type":  eventType,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
		"contact": map[string]string{
			"id":         id,
			"email":      email,
			"first_name": "Pat",
			"last_name":  "Lee",
			"company":    "Corp",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCRMWebhookContactCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewCRMWebhook(f.store)

	ev, err := w.Normalize(ctx, f.user, crmPayload(t, CRMEventContactCreated, "hs-1", "pat@corp.com"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev == nil || ev.Trigger != persistence.TriggerNewContact || ev.SourceID != "hs-1" {
		t.Fatalf("event = %+v", ev)
	}
	if !strings.Contains(ev.Summary, "pat@corp.com") {
		t.Fatalf("summary = %q", ev.Summary)
	}

	// Redelivery is silent.
	ev, err = w.Normalize(ctx, f.user, crmPayload(t, CRMEventContactCreated, "hs-1", "pat@corp.com"))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if ev != nil {
		t.Fatal("redelivered webhook must not produce an event")
	}
}

func TestCRMWebhookSelfContactSuppressed(t *testing.T) {
	f := newFixture(t)
	w := NewCRMWebhook(f.store)

	ev, err := w.Normalize(context.Background(), f.user, crmPayload(t, CRMEventContactCreated, "hs-2", "alex@example.com"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev != nil {
		t.Fatal("self-authored contact must be suppressed")
	}
}

func TestCRMWebhookContactUpdated(t *testing.T) {
	f := newFixture(t)
	w := NewCRMWebhook(f.store)

	ev, err := w.Normalize(context.Background(), f.user, crmPayload(t, CRMEventContactUpdated, "hs-3", "pat@corp.com"))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if ev == nil || ev.Trigger != persistence.TriggerCRMUpdate {
		t.Fatalf("event = %+v", ev)
	}
}

func TestCRMWebhookRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	w := NewCRMWebhook(f.store)
	ctx := context.Background()

	if _, err := w.Normalize(ctx, f.user, []byte("not json")); err == nil {
		t.Fatal("malformed body must error")
	}
	if _, err := w.Normalize(ctx, f.user, []byte(`{"event_type":"contact.created","contact":{}}`)); err == nil {
		t.Fatal("missing contact id must error")
	}
	if _, err := w.Normalize(ctx, f.user, crmPayload(t, "contact.deleted", "hs-4", "x@corp.com")); err == nil {
		t.Fatal("unknown event type must error")
	}
}
