package toolcat

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/persistence"
)

type fixture struct {
	catalog *Catalog
	store   *persistence.Store
	mailer  *capability.MemMailer
	cal     *capability.MemCalendar
	crm     *capability.MemCRM
	user    *persistence.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	adapters, mailer, cal, crm := capability.NewMemAdapters()
	catalog, err := New(adapters, store)
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}

	userID, err := store.CreateUser(context.Background(), "alex@example.com", "Alex")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	user, err := store.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return &fixture{catalog: catalog, store: store, mailer: mailer, cal: cal, crm: crm, user: user}
}

func decodeOutput(t *testing.T, out json.RawMessage) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("output is not a JSON object: %v\n%s", err, out)
	}
	return m
}

func TestCatalogHasAllTools(t *testing.T) {
	f := newFixture(t)
	want := []string{
		"search_emails", "search_contacts", "search_contact_notes", "search_calendar",
		"send_email", "create_contact", "add_contact_note", "create_calendar_event",
		"create_task", "update_task_status", "save_instruction", "list_instructions",
	}
	defs := f.catalog.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("catalog has %d tools, want %d", len(defs), len(want))
	}
	for i, name := range want {
		if defs[i].Name != name {
			t.Errorf("tool %d = %s, want %s", i, defs[i].Name, name)
		}
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	f := newFixture(t)
	out := f.catalog.Execute(context.Background(), f.user, "delete_everything", json.RawMessage(`{}`))
	if !out.Invalid {
		t.Fatal("unknown tool should be invalid")
	}
	m := decodeOutput(t, out.Output)
	errObj := m["error"].(map[string]any)
	if errObj["code"] != "UNKNOWN_TOOL" {
		t.Fatalf("code = %v", errObj["code"])
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	f := newFixture(t)

	// Missing required query.
	out := f.catalog.Execute(context.Background(), f.user, "search_emails", json.RawMessage(`{"limit": 5}`))
	if !out.Invalid {
		t.Fatal("missing required field should be invalid")
	}
	if out.Err != nil {
		t.Fatalf("validation failure is not an execution error: %v", out.Err)
	}
	m := decodeOutput(t, out.Output)
	errObj := m["error"].(map[string]any)
	if errObj["code"] != "INVALID_ARGUMENTS" {
		t.Fatalf("code = %v", errObj["code"])
	}

	// Wrong type.
	out = f.catalog.Execute(context.Background(), f.user, "search_emails", json.RawMessage(`{"query": 42}`))
	if !out.Invalid {
		t.Fatal("wrong type should be invalid")
	}

	// Malformed JSON.
	out = f.catalog.Execute(context.Background(), f.user, "search_emails", json.RawMessage(`{"query":`))
	if !out.Invalid {
		t.Fatal("malformed JSON should be invalid")
	}
}

func TestSearchEmails(t *testing.T) {
	f := newFixture(t)
	f.mailer.Deliver(f.user.ID, capability.EmailMessage{
		ProviderID: "m1", From: "client@corp.com", Subject: "Q3 proposal",
		Body: "see attachment", ReceivedAt: time.Now().UTC(),
	})

	out := f.catalog.Execute(context.Background(), f.user, "search_emails", json.RawMessage(`{"query":"proposal"}`))
	if out.Err != nil || out.Invalid {
		t.Fatalf("execute: invalid=%v err=%v", out.Invalid, out.Err)
	}
	if out.Mutating {
		t.Fatal("search_emails is not mutating")
	}
	m := decodeOutput(t, out.Output)
	if m["count"] != float64(1) {
		t.Fatalf("count = %v", m["count"])
	}
}

func TestSendEmail(t *testing.T) {
	f := newFixture(t)
	out := f.catalog.Execute(context.Background(), f.user, "send_email",
		json.RawMessage(`{"to":["client@corp.com"],"subject":"Re: Q3","body":"On it."}`))
	if out.Err != nil || out.Invalid || out.Refused {
		t.Fatalf("execute: %+v", out)
	}
	if !out.Mutating {
		t.Fatal("send_email is mutating")
	}
	m := decodeOutput(t, out.Output)
	if m["sent"] != true || m["message_id"] == "" {
		t.Fatalf("output = %v", m)
	}
}

func TestCreateContactSelfRefusal(t *testing.T) {
	f := newFixture(t)
	out := f.catalog.Execute(context.Background(), f.user, "create_contact",
		json.RawMessage(`{"email":"ALEX@example.com","first_name":"Alex"}`))
	if !out.Refused {
		t.Fatal("creating a contact for the user's own address must be refused")
	}
	if out.Err != nil {
		t.Fatalf("refusal is not an error: %v", out.Err)
	}
	m := decodeOutput(t, out.Output)
	if m["refused"] != true {
		t.Fatalf("output = %v", m)
	}

	// The CRM must not have been touched.
	contacts, err := f.crm.SearchContacts(context.Background(), f.user.ID, "alex", 10)
	if err != nil || len(contacts) != 0 {
		t.Fatalf("CRM contacts = %d, %v; want 0", len(contacts), err)
	}
}

func TestCreateContactMaterializesSyncRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	out := f.catalog.Execute(ctx, f.user, "create_contact",
		json.RawMessage(`{"email":"lead@corp.com","first_name":"Pat","company":"Corp"}`))
	if out.Err != nil || out.Refused || out.Invalid {
		t.Fatalf("execute: %+v", out)
	}
	m := decodeOutput(t, out.Output)
	crmID, _ := m["contact_id"].(string)
	if crmID == "" {
		t.Fatal("missing contact_id")
	}

	// The webhook echo of this create must dedup.
	has, err := f.store.HasContact(ctx, f.user.ID, crmID)
	if err != nil || !has {
		t.Fatalf("synced record missing: %v, %v", has, err)
	}
}

func TestAddContactNoteIDSpaceGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	crmID, err := f.crm.CreateContact(ctx, f.user.ID, capability.NewContact{Email: "lead@corp.com"})
	if err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	inserted, err := f.store.InsertContact(ctx, persistence.ContactRecord{
		UserID: f.user.ID, HubspotID: string(crmID), Email: "lead@corp.com",
	})
	if err != nil || !inserted {
		t.Fatalf("insert record: %v", err)
	}
	var recordID string
	if err := f.store.DB().QueryRow(`SELECT id FROM contacts WHERE hubspot_id = ?;`, string(crmID)).Scan(&recordID); err != nil {
		t.Fatalf("load record id: %v", err)
	}

	// Internal record id is rejected with a pointer to the right id.
	args, _ := json.Marshal(map[string]string{"contact_id": recordID, "body": "called them"})
	out := f.catalog.Execute(ctx, f.user, "add_contact_note", args)
	if out.Err == nil || !capability.IsValidation(out.Err) {
		t.Fatalf("internal id should fail validation, got %+v", out)
	}

	// CRM id works.
	args, _ = json.Marshal(map[string]string{"contact_id": string(crmID), "body": "called them"})
	out = f.catalog.Execute(ctx, f.user, "add_contact_note", args)
	if out.Err != nil || out.Invalid {
		t.Fatalf("CRM id execute: %+v", out)
	}
}

func TestAddContactNoteUnknownContact(t *testing.T) {
	f := newFixture(t)
	out := f.catalog.Execute(context.Background(), f.user, "add_contact_note",
		json.RawMessage(`{"contact_id":"hs-nope","body":"note"}`))
	if out.Err == nil {
		t.Fatal("unknown contact should error")
	}
	m := decodeOutput(t, out.Output)
	errObj := m["error"].(map[string]any)
	if errObj["code"] != string(capability.KindNotFound) {
		t.Fatalf("code = %v", errObj["code"])
	}
}

func TestCreateCalendarEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	args, _ := json.Marshal(map[string]any{
		"title": "Kickoff",
		"start": start.Format(time.RFC3339),
		"end":   start.Add(time.Hour).Format(time.RFC3339),
	})
	out := f.catalog.Execute(ctx, f.user, "create_calendar_event", args)
	if out.Err != nil || out.Invalid {
		t.Fatalf("execute: %+v", out)
	}
	m := decodeOutput(t, out.Output)
	eventID, _ := m["event_id"].(string)
	if eventID == "" {
		t.Fatal("missing event_id")
	}
	has, err := f.store.HasCalendarEvent(ctx, f.user.ID, eventID)
	if err != nil || !has {
		t.Fatalf("poller dedup record missing: %v, %v", has, err)
	}

	// end before start is a validation error.
	args, _ = json.Marshal(map[string]any{
		"title": "Broken",
		"start": start.Format(time.RFC3339),
		"end":   start.Add(-time.Hour).Format(time.RFC3339),
	})
	out = f.catalog.Execute(ctx, f.user, "create_calendar_event", args)
	if out.Err == nil || !capability.IsValidation(out.Err) {
		t.Fatalf("expected validation error, got %+v", out)
	}
}

func TestTaskTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.catalog.Execute(ctx, f.user, "create_task",
		json.RawMessage(`{"title":"Follow up","context":{"contact":"client@corp.com"},"priority":2}`))
	if out.Err != nil || out.Invalid {
		t.Fatalf("create_task: %+v", out)
	}
	taskID := decodeOutput(t, out.Output)["task_id"].(string)

	args, _ := json.Marshal(map[string]string{"task_id": taskID, "status": "WAITING_FOR_RESPONSE"})
	out = f.catalog.Execute(ctx, f.user, "update_task_status", args)
	if out.Err != nil {
		t.Fatalf("update: %+v", out)
	}

	// Backwards transition surfaces as a validation error the oracle can see.
	args, _ = json.Marshal(map[string]string{"task_id": taskID, "status": "IN_PROGRESS"})
	out = f.catalog.Execute(ctx, f.user, "update_task_status", args)
	if out.Err == nil || !capability.IsValidation(out.Err) {
		t.Fatalf("backwards transition: %+v", out)
	}

	// Unknown task.
	args, _ = json.Marshal(map[string]string{"task_id": "nope", "status": "COMPLETED"})
	out = f.catalog.Execute(ctx, f.user, "update_task_status", args)
	m := decodeOutput(t, out.Output)
	if m["error"].(map[string]any)["code"] != string(capability.KindNotFound) {
		t.Fatalf("unknown task output = %v", m)
	}
}

func TestInstructionTools(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out := f.catalog.Execute(ctx, f.user, "save_instruction",
		json.RawMessage(`{"instruction":"summarize new email from clients","trigger_type":"NEW_EMAIL"}`))
	if out.Err != nil || out.Invalid {
		t.Fatalf("save: %+v", out)
	}

	// Bad trigger enum is caught by the schema, before the store.
	out = f.catalog.Execute(ctx, f.user, "save_instruction",
		json.RawMessage(`{"instruction":"x","trigger_type":"WHENEVER"}`))
	if !out.Invalid {
		t.Fatalf("bad trigger should be invalid: %+v", out)
	}

	out = f.catalog.Execute(ctx, f.user, "list_instructions", nil)
	if out.Err != nil || out.Invalid {
		t.Fatalf("list: %+v", out)
	}
	m := decodeOutput(t, out.Output)
	if m["count"] != float64(1) {
		t.Fatalf("count = %v", m["count"])
	}
}

func TestSearchCalendarDefaultWindow(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	f.cal.Seed(f.user.ID, capability.CalendarEvent{
		ProviderID: "soon", Title: "Demo", Start: now.Add(48 * time.Hour), End: now.Add(49 * time.Hour),
	}, now)
	f.cal.Seed(f.user.ID, capability.CalendarEvent{
		ProviderID: "far", Title: "Offsite", Start: now.Add(60 * 24 * time.Hour), End: now.Add(61 * 24 * time.Hour),
	}, now)

	out := f.catalog.Execute(context.Background(), f.user, "search_calendar", json.RawMessage(`{}`))
	if out.Err != nil || out.Invalid {
		t.Fatalf("execute: %+v", out)
	}
	m := decodeOutput(t, out.Output)
	if m["count"] != float64(1) {
		t.Fatalf("default window should only see the near event, count = %v", m["count"])
	}
}

func TestTransientAdapterErrorSurfaced(t *testing.T) {
	f := newFixture(t)
	f.mailer.Fail = capability.Transient("mail.search", context.DeadlineExceeded)

	out := f.catalog.Execute(context.Background(), f.user, "search_emails", json.RawMessage(`{"query":"x"}`))
	if out.Err == nil {
		t.Fatal("expected adapter error")
	}
	m := decodeOutput(t, out.Output)
	if m["error"].(map[string]any)["code"] != string(capability.KindTransient) {
		t.Fatalf("output = %v", m)
	}
}
