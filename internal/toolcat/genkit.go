package toolcat

import (
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// RegisterGenkit declares the catalog's tools on a Genkit instance so the
// model sees their names and argument shapes. The handlers are stubs:
// generation runs with tool-request return enabled, and the run loop
// validates and executes proposed calls itself.
func (c *Catalog) RegisterGenkit(g *genkit.Genkit) []ai.ToolRef {
	return []ai.ToolRef{
		declare[SearchEmailsArgs](g, c, "search_emails"),
		declare[SearchContactsArgs](g, c, "search_contacts"),
		declare[SearchContactNotesArgs](g, c, "search_contact_notes"),
		declare[SearchCalendarArgs](g, c, "search_calendar"),
		declare[SendEmailArgs](g, c, "send_email"),
		declare[CreateContactArgs](g, c, "create_contact"),
		declare[AddContactNoteArgs](g, c, "add_contact_note"),
		declare[CreateCalendarEventArgs](g, c, "create_calendar_event"),
		declare[CreateTaskArgs](g, c, "create_task"),
		declare[UpdateTaskStatusArgs](g, c, "update_task_status"),
		declare[SaveInstructionArgs](g, c, "save_instruction"),
		declare[ListInstructionsArgs](g, c, "list_instructions"),
	}
}

func declare[In any](g *genkit.Genkit, c *Catalog, name string) ai.Tool {
	description := name
	if t, ok := c.tools[name]; ok {
		description = t.Description
	}
	return genkit.DefineTool(g, name, description,
		func(_ *ai.ToolContext, _ In) (map[string]any, error) {
			return nil, fmt.Errorf("%s is executed by the run loop", name)
		})
}
