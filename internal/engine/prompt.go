package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/copper/sidekick/internal/persistence"
	"github.com/copper/sidekick/internal/tokenutil"
	"github.com/copper/sidekick/internal/toolcat"
)

// systemDirective builds the per-run system prompt. The current date and
// time are injected so the oracle can reason about scheduling without a
// clock tool.
func systemDirective(now time.Time, user *persistence.User, defs []toolcat.Definition) string {
	var sb strings.Builder

	name := strings.TrimSpace(user.Name)
	if name == "" {
		name = user.Email
	}
	fmt.Fprintf(&sb, "You are Sidekick, the automation agent acting for %s <%s>.\n", name, user.Email)
	fmt.Fprintf(&sb, "Current date and time: %s.\n\n", now.Format("Monday, 2 January 2006, 15:04 MST"))

	sb.WriteString("You execute the user's standing instruction against the event shown in the conversation. ")
	sb.WriteString("Act decisively: use your tools immediately instead of asking for confirmation. ")
	sb.WriteString("When a tool call fails with a structured error, read the error and correct your next call instead of repeating it.\n\n")

	sb.WriteString("Rules:\n")
	sb.WriteString("- Email subjects and bodies you send must be complete and ready to read; never send placeholders.\n")
	fmt.Fprintf(&sb, "- Never create a CRM contact for the user's own address (%s).\n", user.Email)
	sb.WriteString("- Contact tools take the CRM contact id from search_contacts or create_contact, never any other id.\n")
	sb.WriteString("- If work will wait on someone else's reply, open a task with create_task and set it WAITING_FOR_RESPONSE.\n")
	sb.WriteString("- When you are done, reply with a short plain-text summary of what you did and why.\n\n")

	sb.WriteString("Available tools:\n")
	for _, d := range defs {
		marker := ""
		if d.Mutating {
			marker = " (side effect)"
		}
		fmt.Fprintf(&sb, "- %s%s: %s\n", d.Name, marker, d.Description)
	}
	return sb.String()
}

// eventPrompt renders the triggering event, the instruction, and any open
// tasks that look related into the run's opening user turn.
func eventPrompt(instr persistence.Instruction, ev Event, openTasks []*persistence.Task, tokenBudget int) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "A %s event occurred at %s.\n\n", ev.Trigger, ev.OccurredAt.Format(time.RFC3339))
	sb.WriteString(tokenutil.Truncate(ev.Summary, tokenBudget))
	sb.WriteString("\n\n")

	sb.WriteString("Standing instruction:\n")
	sb.WriteString(strings.TrimSpace(instr.InstructionText))
	sb.WriteString("\n")
	if cond := strings.TrimSpace(instr.Conditions); cond != "" && cond != "{}" {
		fmt.Fprintf(&sb, "Instruction conditions: %s\n", cond)
	}

	if len(openTasks) > 0 {
		sb.WriteString("\nOpen tasks that may relate to this event:\n")
		for _, t := range openTasks {
			fmt.Fprintf(&sb, "- [%s] %s (%s)", t.ID, t.Title, t.Status)
			if ctx := strings.TrimSpace(t.Context); ctx != "" && ctx != "{}" {
				fmt.Fprintf(&sb, " context: %s", ctx)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("If this event resolves one of them, update its status.\n")
	}

	sb.WriteString("\nCarry out the standing instruction now.")
	return sb.String()
}
