package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task statuses. Transitions only move forward through the lifecycle;
// CANCELLED is reachable from any non-terminal status.
const (
	TaskPending            = "PENDING"
	TaskInProgress         = "IN_PROGRESS"
	TaskWaitingForResponse = "WAITING_FOR_RESPONSE"
	TaskCompleted          = "COMPLETED"
	TaskFailed             = "FAILED"
	TaskCancelled          = "CANCELLED"
)

var ErrTaskNotFound = errors.New("task not found")

// ErrInvalidTransition is returned when a status update would move a task
// backwards or out of a terminal state.
var ErrInvalidTransition = errors.New("invalid task status transition")

var taskStatusRank = map[string]int{
	TaskPending:            0,
	TaskInProgress:         1,
	TaskWaitingForResponse: 2,
	TaskCompleted:          3,
	TaskFailed:             3,
	TaskCancelled:          3,
}

func taskStatusTerminal(status string) bool {
	return status == TaskCompleted || status == TaskFailed || status == TaskCancelled
}

// validTransition reports whether from -> to is an allowed status move.
func validTransition(from, to string) bool {
	if from == to {
		return false
	}
	if taskStatusTerminal(from) {
		return false
	}
	if to == TaskCancelled {
		return true
	}
	fromRank, ok := taskStatusRank[from]
	if !ok {
		return false
	}
	toRank, ok := taskStatusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Task is a ledger entry the agent opens to track pending work, usually
// something that waits on an external reply.
type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	Status      string
	Priority    int
	Context     string
	Result      string
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Open reports whether the task is still in a non-terminal status.
func (t *Task) Open() bool {
	return !taskStatusTerminal(t.Status)
}

// CreateTask inserts a new PENDING task and returns it.
func (s *Store) CreateTask(ctx context.Context, userID, title, description, contextJSON string, priority int) (*Task, error) {
	if title == "" {
		return nil, errors.New("task title required")
	}
	if contextJSON == "" {
		contextJSON = "{}"
	}
	task := &Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Status:      TaskPending,
		Priority:    priority,
		Context:     contextJSON,
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tasks (id, user_id, title, description, status, priority, context)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			task.ID, task.UserID, task.Title, task.Description, task.Status, task.Priority, task.Context)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return s.GetTask(ctx, task.ID)
}

// GetTask loads a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, status, priority,
		        COALESCE(context, '{}'), COALESCE(result, ''), COALESCE(error, ''),
		        started_at, completed_at, created_at, updated_at
		 FROM tasks WHERE id = ?;`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.Context, &t.Result, &t.Error, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return &t, nil
}

// UpdateTaskStatus moves a task to a new status, enforcing the forward-only
// lifecycle. result and errMsg are recorded on terminal transitions.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status, result, errMsg string) (*Task, error) {
	if _, ok := taskStatusRank[status]; !ok {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !validTransition(current.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, status)
	}

	now := time.Now().UTC()
	var startedAt, completedAt any
	if status == TaskInProgress && current.StartedAt == nil {
		startedAt = now
	}
	if taskStatusTerminal(status) {
		completedAt = now
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?,
			        result = CASE WHEN ? != '' THEN ? ELSE result END,
			        error = CASE WHEN ? != '' THEN ? ELSE error END,
			        started_at = COALESCE(?, started_at),
			        completed_at = COALESCE(?, completed_at),
			        updated_at = CURRENT_TIMESTAMP
			 WHERE id = ?;`,
			status, result, result, errMsg, errMsg, startedAt, completedAt, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	return s.GetTask(ctx, id)
}

// ListOpenTasks returns the user's non-terminal tasks, highest priority
// first, newest first within a priority.
func (s *Store) ListOpenTasks(ctx context.Context, userID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, status, priority,
		        COALESCE(context, '{}'), COALESCE(result, ''), COALESCE(error, ''),
		        started_at, completed_at, created_at, updated_at
		 FROM tasks
		 WHERE user_id = ? AND status IN (?, ?, ?)
		 ORDER BY priority DESC, created_at DESC
		 LIMIT ?;`,
		userID, TaskPending, TaskInProgress, TaskWaitingForResponse, limit)
	if err != nil {
		return nil, fmt.Errorf("list open tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		var t Task
		err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &t.Status, &t.Priority,
			&t.Context, &t.Result, &t.Error, &t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// FindOpenWaitingTasks returns WAITING_FOR_RESPONSE tasks whose stored
// context mentions the given correspondent. Matching is a substring probe
// over the context JSON; the agent decides relevance from there.
func (s *Store) FindOpenWaitingTasks(ctx context.Context, userID, correspondent string) ([]*Task, error) {
	if strings.TrimSpace(correspondent) == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, description, status, priority,
		        COALESCE(context, '{}'), COALESCE(result, ''), COALESCE(error, ''),
		        started_at, completed_at, created_at, updated_at
		 FROM tasks
		 WHERE user_id = ? AND status = ?
		   AND (context LIKE '%' || ? || '%' OR description LIKE '%' || ? || '%')
		 ORDER BY created_at DESC;`,
		userID, TaskWaitingForResponse, correspondent, correspondent)
	if err != nil {
		return nil, fmt.Errorf("find waiting tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SweepStaleTasks fails PENDING tasks that have sat untouched longer than
// retention. Returns the number of tasks failed.
func (s *Store) SweepStaleTasks(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error = 'stale: no progress within retention window',
			        completed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			 WHERE status = ? AND created_at < ?;`,
			TaskFailed, TaskPending, cutoff)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sweep stale tasks: %w", err)
	}
	return affected, nil
}
