package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Agent run outcomes.
const (
	RunRunning   = "RUNNING"
	RunCompleted = "COMPLETED"
	RunExhausted = "EXHAUSTED"
	RunErrored   = "ERRORED"
)

var ErrRunNotFound = errors.New("agent run not found")

// AgentRun records one execution of a standing instruction against a
// triggering event.
type AgentRun struct {
	ID            string
	UserID        string
	InstructionID string
	TriggerType   string
	SourceID      string
	Outcome       string
	Rounds        int
	FinalText     string
	Error         string
	CreatedAt     time.Time
	FinishedAt    *time.Time
}

// RunRound is one propose/execute cycle within a run, stored as the raw
// JSON of proposed tool calls and their results.
type RunRound struct {
	RunID        string
	Round        int
	ProposedJSON string
	ResultsJSON  string
	CreatedAt    time.Time
}

// CreateRun opens a RUNNING run for an instruction/event pair.
func (s *Store) CreateRun(ctx context.Context, userID, instructionID, triggerType, sourceID string) (*AgentRun, error) {
	run := &AgentRun{
		ID:            uuid.NewString(),
		UserID:        userID,
		InstructionID: instructionID,
		TriggerType:   triggerType,
		SourceID:      sourceID,
		Outcome:       RunRunning,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO agent_runs (id, user_id, instruction_id, trigger_type, source_id, outcome)
			 VALUES (?, ?, ?, ?, ?, ?);`,
			run.ID, run.UserID, run.InstructionID, run.TriggerType, run.SourceID, run.Outcome)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return s.GetRun(ctx, run.ID)
}

// AppendRound persists one propose/execute cycle and bumps the run's round
// counter.
func (s *Store) AppendRound(ctx context.Context, runID string, round int, proposedJSON, resultsJSON string) error {
	if proposedJSON == "" {
		proposedJSON = "[]"
	}
	if resultsJSON == "" {
		resultsJSON = "[]"
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO agent_run_rounds (run_id, round, proposed_json, results_json)
			 VALUES (?, ?, ?, ?);`,
			runID, round, proposedJSON, resultsJSON)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE agent_runs SET rounds = ? WHERE id = ? AND rounds < ?;`,
			round, runID, round)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	return nil
}

// FinishRun closes a run with its terminal outcome.
func (s *Store) FinishRun(ctx context.Context, runID, outcome, finalText, errMsg string) error {
	switch outcome {
	case RunCompleted, RunExhausted, RunErrored:
	default:
		return fmt.Errorf("invalid run outcome %q", outcome)
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE agent_runs SET outcome = ?, final_text = ?, error = ?, finished_at = CURRENT_TIMESTAMP
			 WHERE id = ? AND outcome = ?;`,
			outcome, finalText, errMsg, runID, RunRunning)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, instruction_id, trigger_type, source_id, outcome, rounds,
		        COALESCE(final_text, ''), COALESCE(error, ''), created_at, finished_at
		 FROM agent_runs WHERE id = ?;`, id)
	var r AgentRun
	err := row.Scan(&r.ID, &r.UserID, &r.InstructionID, &r.TriggerType, &r.SourceID,
		&r.Outcome, &r.Rounds, &r.FinalText, &r.Error, &r.CreatedAt, &r.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// ListRuns returns a user's runs newest first.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]*AgentRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, instruction_id, trigger_type, source_id, outcome, rounds,
		        COALESCE(final_text, ''), COALESCE(error, ''), created_at, finished_at
		 FROM agent_runs WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?;`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*AgentRun
	for rows.Next() {
		var r AgentRun
		err := rows.Scan(&r.ID, &r.UserID, &r.InstructionID, &r.TriggerType, &r.SourceID,
			&r.Outcome, &r.Rounds, &r.FinalText, &r.Error, &r.CreatedAt, &r.FinishedAt)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListRunRounds returns a run's rounds in order.
func (s *Store) ListRunRounds(ctx context.Context, runID string) ([]*RunRound, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, round, proposed_json, results_json, created_at
		 FROM agent_run_rounds WHERE run_id = ? ORDER BY round ASC;`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run rounds: %w", err)
	}
	defer rows.Close()

	var out []*RunRound
	for rows.Next() {
		var r RunRound
		if err := rows.Scan(&r.RunID, &r.Round, &r.ProposedJSON, &r.ResultsJSON, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run round: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
