package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerType categorizes the events a standing instruction reacts to.
type TriggerType string

const (
	TriggerNewEmail         TriggerType = "NEW_EMAIL"
	TriggerNewContact       TriggerType = "NEW_CONTACT"
	TriggerNewCalendarEvent TriggerType = "NEW_CALENDAR_EVENT"
	TriggerEmailResponse    TriggerType = "EMAIL_RESPONSE"
	TriggerCalendarResponse TriggerType = "CALENDAR_RESPONSE"
	TriggerCRMUpdate        TriggerType = "CRM_UPDATE"
)

// ValidTrigger reports whether t is a known trigger type.
func ValidTrigger(t TriggerType) bool {
	switch t {
	case TriggerNewEmail, TriggerNewContact, TriggerNewCalendarEvent,
		TriggerEmailResponse, TriggerCalendarResponse, TriggerCRMUpdate:
		return true
	}
	return false
}

// Instruction is a user-authored standing rule. Never physically deleted;
// deactivation is the only off switch so run history stays referenceable.
type Instruction struct {
	ID              string
	UserID          string
	InstructionText string
	TriggerType     TriggerType
	IsActive        bool
	Conditions      string // opaque JSON
	CreatedAt       time.Time
}

// ErrInstructionNotFound is returned when an instruction id matches nothing.
var ErrInstructionNotFound = errors.New("instruction not found")

// SaveInstruction stores a new standing instruction and returns its id.
// Created either from an explicit user command or by the agent itself via
// the save_instruction tool.
func (s *Store) SaveInstruction(ctx context.Context, userID, text string, trigger TriggerType, conditions string) (string, error) {
	if !ValidTrigger(trigger) {
		return "", fmt.Errorf("invalid trigger type %q", trigger)
	}
	if conditions == "" {
		conditions = "{}"
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO standing_instructions (id, user_id, instruction_text, trigger_type, conditions)
			 VALUES (?, ?, ?, ?, ?);`,
			id, userID, text, string(trigger), conditions)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("save instruction: %w", err)
	}
	return id, nil
}

// ActiveInstructions returns the active instructions for (user, trigger),
// newest first. An empty result means "do nothing", not an error.
func (s *Store) ActiveInstructions(ctx context.Context, userID string, trigger TriggerType) ([]Instruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, instruction_text, trigger_type, is_active, COALESCE(conditions, '{}'), created_at
		 FROM standing_instructions
		 WHERE user_id = ? AND trigger_type = ? AND is_active = 1
		 ORDER BY created_at DESC, id DESC;`,
		userID, string(trigger))
	if err != nil {
		return nil, fmt.Errorf("query active instructions: %w", err)
	}
	defer rows.Close()
	return scanInstructions(rows)
}

// ListInstructions returns all of a user's instructions, newest first.
func (s *Store) ListInstructions(ctx context.Context, userID string) ([]Instruction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, instruction_text, trigger_type, is_active, COALESCE(conditions, '{}'), created_at
		 FROM standing_instructions
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC;`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list instructions: %w", err)
	}
	defer rows.Close()
	return scanInstructions(rows)
}

func scanInstructions(rows *sql.Rows) ([]Instruction, error) {
	var out []Instruction
	for rows.Next() {
		var ins Instruction
		var trigger string
		var active int
		if err := rows.Scan(&ins.ID, &ins.UserID, &ins.InstructionText, &trigger, &active, &ins.Conditions, &ins.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		ins.TriggerType = TriggerType(trigger)
		ins.IsActive = active != 0
		out = append(out, ins)
	}
	return out, rows.Err()
}

// SetInstructionActive toggles an instruction without deleting it.
func (s *Store) SetInstructionActive(ctx context.Context, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE standing_instructions SET is_active = ? WHERE id = ?;`, v, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set instruction active: %w", err)
	}
	if affected == 0 {
		return ErrInstructionNotFound
	}
	return nil
}
