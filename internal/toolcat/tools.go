package toolcat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/copper/sidekick/internal/capability"
	"github.com/copper/sidekick/internal/persistence"
)

// Argument structs carry the json shape of each tool. The raw schemas
// below are the validation source of truth; these structs must stay in
// step with them.

type SearchEmailsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type SearchContactsArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type SearchContactNotesArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type SearchCalendarArgs struct {
	Query string `json:"query,omitempty"`
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type SendEmailArgs struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

type CreateContactArgs struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Company   string `json:"company,omitempty"`
}

type AddContactNoteArgs struct {
	ContactID string `json:"contact_id"`
	Body      string `json:"body"`
}

type CreateCalendarEventArgs struct {
	Title     string   `json:"title"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	Attendees []string `json:"attendees,omitempty"`
}

type CreateTaskArgs struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Priority    int             `json:"priority,omitempty"`
}

type UpdateTaskStatusArgs struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type SaveInstructionArgs struct {
	Instruction string          `json:"instruction"`
	TriggerType string          `json:"trigger_type"`
	Conditions  json.RawMessage `json:"conditions,omitempty"`
}

type ListInstructionsArgs struct{}

type toolSpec struct {
	name        string
	description string
	mutating    bool
	schemaJSON  string
	handler     func(c *Catalog) handlerFunc
}

const defaultSearchLimit = 20
const maxSearchLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

var toolSpecs = []toolSpec{
	{
		name:        "search_emails",
		description: "Search the user's mailbox by keyword. Returns sender, subject, body and received time for each match.",
		schemaJSON: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args SearchEmailsArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("mail.search", err)
				}
				msgs, err := c.adapters.Mail.Search(ctx, user.ID, args.Query, clampLimit(args.Limit))
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(msgs))
				for _, m := range msgs {
					out = append(out, map[string]any{
						"id":          m.ProviderID,
						"from":        m.From,
						"subject":     m.Subject,
						"body":        m.Body,
						"received_at": m.ReceivedAt.Format(time.RFC3339),
					})
				}
				return map[string]any{"emails": out, "count": len(out)}, nil
			}
		},
	},
	{
		name:        "search_contacts",
		description: "Search CRM contacts by name, email or company. Returns the CRM contact id needed for add_contact_note.",
		schemaJSON: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args SearchContactsArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("crm.search_contacts", err)
				}
				contacts, err := c.adapters.CRM.SearchContacts(ctx, user.ID, args.Query, clampLimit(args.Limit))
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(contacts))
				for _, ct := range contacts {
					out = append(out, map[string]any{
						"contact_id": string(ct.ID),
						"email":      ct.Email,
						"first_name": ct.FirstName,
						"last_name":  ct.LastName,
						"company":    ct.Company,
					})
				}
				return map[string]any{"contacts": out, "count": len(out)}, nil
			}
		},
	},
	{
		name:        "search_contact_notes",
		description: "Search notes attached to CRM contacts by keyword.",
		schemaJSON: `{
			"type": "object",
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"required": ["query"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args SearchContactNotesArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("crm.search_notes", err)
				}
				notes, err := c.adapters.CRM.SearchNotes(ctx, user.ID, args.Query, clampLimit(args.Limit))
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(notes))
				for _, n := range notes {
					out = append(out, map[string]any{
						"contact_id": string(n.ContactID),
						"body":       n.Body,
						"created_at": n.CreatedAt.Format(time.RFC3339),
					})
				}
				return map[string]any{"notes": out, "count": len(out)}, nil
			}
		},
	},
	{
		name:        "search_calendar",
		description: "Search the user's calendar. Optional RFC3339 from/to bound the window; the default window is the next 14 days.",
		schemaJSON: `{
			"type": "object",
			"properties": {
				"query": {"type": "string"},
				"from": {"type": "string"},
				"to": {"type": "string"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 50}
			},
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args SearchCalendarArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("calendar.search", err)
				}
				from, to, err := calendarWindow(args.From, args.To)
				if err != nil {
					return nil, capability.Validation("calendar.search", err)
				}
				events, err := c.adapters.Calendar.SearchRange(ctx, user.ID, args.Query, from, to, clampLimit(args.Limit))
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(events))
				for _, ev := range events {
					out = append(out, map[string]any{
						"id":        ev.ProviderID,
						"title":     ev.Title,
						"start":     ev.Start.Format(time.RFC3339),
						"end":       ev.End.Format(time.RFC3339),
						"attendees": ev.Attendees,
						"organizer": ev.Organizer,
					})
				}
				return map[string]any{"events": out, "count": len(out)}, nil
			}
		},
	},
	{
		name:        "send_email",
		description: "Send an email from the user's account. Use complete, ready-to-send subject and body text.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"to": {"type": "array", "items": {"type": "string", "minLength": 3}, "minItems": 1},
				"subject": {"type": "string", "minLength": 1},
				"body": {"type": "string", "minLength": 1}
			},
			"required": ["to", "subject", "body"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args SendEmailArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("mail.send", err)
				}
				providerID, err := c.adapters.Mail.Send(ctx, user.ID, capability.OutboundEmail{
					To:      args.To,
					Subject: args.Subject,
					Body:    args.Body,
				})
				if err != nil {
					return nil, err
				}
				return map[string]any{"sent": true, "message_id": providerID}, nil
			}
		},
	},
	{
		name:        "create_contact",
		description: "Create a new CRM contact. Refused for the user's own email address.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"email": {"type": "string", "minLength": 3},
				"first_name": {"type": "string"},
				"last_name": {"type": "string"},
				"company": {"type": "string"}
			},
			"required": ["email"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args CreateContactArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("crm.create_contact", err)
				}
				if strings.EqualFold(strings.TrimSpace(args.Email), strings.TrimSpace(user.Email)) {
					return &Refusal{Reason: fmt.Sprintf("%s is the user's own address; a contact will not be created for it", args.Email)}, nil
				}
				crmID, err := c.adapters.CRM.CreateContact(ctx, user.ID, capability.NewContact{
					Email:     args.Email,
					FirstName: args.FirstName,
					LastName:  args.LastName,
					Company:   args.Company,
				})
				if err != nil {
					return nil, err
				}
				// Materialize the synced copy so the CRM webhook echo of this
				// create dedups instead of re-triggering instructions.
				if c.store != nil {
					if _, err := c.store.InsertContact(ctx, persistence.ContactRecord{
						UserID:    user.ID,
						HubspotID: string(crmID),
						Email:     args.Email,
						FirstName: args.FirstName,
						LastName:  args.LastName,
						Company:   args.Company,
					}); err != nil {
						slog.Warn("failed to materialize created contact", "user_id", user.ID, "error", err)
					}
				}
				return map[string]any{"created": true, "contact_id": string(crmID)}, nil
			}
		},
	},
	{
		name:        "add_contact_note",
		description: "Attach a note to an existing CRM contact. contact_id must be the CRM contact id from search_contacts or create_contact.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"contact_id": {"type": "string", "minLength": 1},
				"body": {"type": "string", "minLength": 1}
			},
			"required": ["contact_id", "body"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args AddContactNoteArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("crm.add_note", err)
				}
				// Catch internal record ids passed where the CRM id belongs.
				if c.store != nil {
					if crmID, isRecord, err := c.store.ContactCRMIDForRecord(ctx, user.ID, args.ContactID); err == nil && isRecord {
						return nil, capability.Validation("crm.add_note", fmt.Errorf(
							"%s is an internal record id; use CRM contact id %s", args.ContactID, crmID))
					}
				}
				if err := c.adapters.CRM.AddNote(ctx, user.ID, capability.CRMContactID(args.ContactID), args.Body); err != nil {
					return nil, err
				}
				return map[string]any{"added": true, "contact_id": args.ContactID}, nil
			}
		},
	},
	{
		name:        "create_calendar_event",
		description: "Create an event on the user's calendar. start and end are RFC3339 timestamps.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"start": {"type": "string", "minLength": 1},
				"end": {"type": "string", "minLength": 1},
				"attendees": {"type": "array", "items": {"type": "string"}}
			},
			"required": ["title", "start", "end"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args CreateCalendarEventArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("calendar.create_event", err)
				}
				start, err := time.Parse(time.RFC3339, args.Start)
				if err != nil {
					return nil, capability.Validation("calendar.create_event", fmt.Errorf("start is not RFC3339: %w", err))
				}
				end, err := time.Parse(time.RFC3339, args.End)
				if err != nil {
					return nil, capability.Validation("calendar.create_event", fmt.Errorf("end is not RFC3339: %w", err))
				}
				if !end.After(start) {
					return nil, capability.Validation("calendar.create_event", errors.New("end must be after start"))
				}
				providerID, err := c.adapters.Calendar.CreateEvent(ctx, user.ID, capability.NewCalendarEvent{
					Title:     args.Title,
					Start:     start,
					End:       end,
					Attendees: args.Attendees,
				})
				if err != nil {
					return nil, err
				}
				// Materialize so the poller dedups the event it would
				// otherwise re-detect next cycle.
				if c.store != nil {
					if _, err := c.store.InsertCalendarEvent(ctx, persistence.CalendarRecord{
						UserID:    user.ID,
						GoogleID:  providerID,
						Title:     args.Title,
						StartAt:   start,
						EndAt:     end,
						Attendees: args.Attendees,
						Organizer: user.Email,
					}); err != nil {
						slog.Warn("failed to materialize created event", "user_id", user.ID, "error", err)
					}
				}
				return map[string]any{"created": true, "event_id": providerID}, nil
			}
		},
	},
	{
		name:        "create_task",
		description: "Open a task in the ledger to track pending work, typically something waiting on an external reply.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"title": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"context": {"type": "object"},
				"priority": {"type": "integer", "minimum": 0, "maximum": 10}
			},
			"required": ["title"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args CreateTaskArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("tasks.create", err)
				}
				contextJSON := "{}"
				if len(args.Context) > 0 {
					contextJSON = string(args.Context)
				}
				task, err := c.store.CreateTask(ctx, user.ID, args.Title, args.Description, contextJSON, args.Priority)
				if err != nil {
					return nil, err
				}
				return map[string]any{"created": true, "task_id": task.ID, "status": task.Status}, nil
			}
		},
	},
	{
		name:        "update_task_status",
		description: "Move a task to a new status. Statuses only move forward: PENDING, IN_PROGRESS, WAITING_FOR_RESPONSE, then COMPLETED, FAILED or CANCELLED.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"task_id": {"type": "string", "minLength": 1},
				"status": {"type": "string", "enum": ["PENDING", "IN_PROGRESS", "WAITING_FOR_RESPONSE", "COMPLETED", "FAILED", "CANCELLED"]},
				"result": {"type": "string"},
				"error": {"type": "string"}
			},
			"required": ["task_id", "status"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args UpdateTaskStatusArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("tasks.update", err)
				}
				task, err := c.store.UpdateTaskStatus(ctx, args.TaskID, args.Status, args.Result, args.Error)
				if errors.Is(err, persistence.ErrTaskNotFound) {
					return nil, capability.NotFound("tasks.update", err)
				}
				if errors.Is(err, persistence.ErrInvalidTransition) {
					return nil, capability.Validation("tasks.update", err)
				}
				if err != nil {
					return nil, err
				}
				return map[string]any{"updated": true, "task_id": task.ID, "status": task.Status}, nil
			}
		},
	},
	{
		name:        "save_instruction",
		description: "Save a new standing instruction so future matching events are handled automatically.",
		mutating:    true,
		schemaJSON: `{
			"type": "object",
			"properties": {
				"instruction": {"type": "string", "minLength": 1},
				"trigger_type": {"type": "string", "enum": ["NEW_EMAIL", "NEW_CONTACT", "NEW_CALENDAR_EVENT", "EMAIL_RESPONSE", "CALENDAR_RESPONSE", "CRM_UPDATE"]},
				"conditions": {"type": "object"}
			},
			"required": ["instruction", "trigger_type"],
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				var args SaveInstructionArgs
				if err := json.Unmarshal(raw, &args); err != nil {
					return nil, capability.Validation("instructions.save", err)
				}
				conditions := ""
				if len(args.Conditions) > 0 {
					conditions = string(args.Conditions)
				}
				id, err := c.store.SaveInstruction(ctx, user.ID, args.Instruction,
					persistence.TriggerType(args.TriggerType), conditions)
				if err != nil {
					return nil, err
				}
				return map[string]any{"saved": true, "instruction_id": id}, nil
			}
		},
	},
	{
		name:        "list_instructions",
		description: "List the user's standing instructions, active and inactive.",
		schemaJSON: `{
			"type": "object",
			"properties": {},
			"additionalProperties": false
		}`,
		handler: func(c *Catalog) handlerFunc {
			return func(ctx context.Context, user *persistence.User, raw json.RawMessage) (any, error) {
				instrs, err := c.store.ListInstructions(ctx, user.ID)
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(instrs))
				for _, in := range instrs {
					out = append(out, map[string]any{
						"instruction_id": in.ID,
						"instruction":    in.InstructionText,
						"trigger_type":   string(in.TriggerType),
						"active":         in.IsActive,
					})
				}
				return map[string]any{"instructions": out, "count": len(out)}, nil
			}
		},
	},
}

// calendarWindow resolves the optional from/to strings into a concrete
// half-open range. The default window is the next 14 days.
func calendarWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now
	if fromStr != "" {
		parsed, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from is not RFC3339: %w", err)
		}
		from = parsed
	}
	to := from.Add(14 * 24 * time.Hour)
	if toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to is not RFC3339: %w", err)
		}
		to = parsed
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}
