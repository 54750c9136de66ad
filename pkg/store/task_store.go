package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateTask inserts a new task and returns the fresh copy.
func (s *Store) CreateTask(ctx context.Context, task *Task) (*Task, error) {
	if task.AgentID == "" {
		return nil, &ValidationError{Message: "agent_id is required"}
	}

	inserted := *task
	if inserted.TaskID == "" {
		inserted.TaskID = uuid.NewString()
	}
	if inserted.Status == "" {
		inserted.Status = TaskStatusPending
	}
	now := time.Now().UTC()
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	query := s.q(`
INSERT INTO react_tasks (task_id, session_id, agent_id, usr, user_message, objective, status,
    iteration, max_iteration, prompt_tokens, completion_tokens, total_tokens, error_log, answer,
    created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		inserted.TaskID, inserted.SessionID, inserted.AgentID, inserted.User,
		inserted.UserMessage, inserted.Objective, inserted.Status,
		inserted.Iteration, inserted.MaxIteration,
		inserted.Totals.PromptTokens, inserted.Totals.CompletionTokens, inserted.Totals.TotalTokens,
		inserted.ErrorLog, inserted.Answer, inserted.CreatedAt, inserted.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	return s.GetTask(ctx, inserted.TaskID)
}

const taskColumns = `task_id, session_id, agent_id, usr, user_message, objective, status,
    iteration, max_iteration, prompt_tokens, completion_tokens, total_tokens, error_log, answer,
    created_at, updated_at`

func (s *Store) scanTask(row interface{ Scan(...interface{}) error }) (*Task, error) {
	var task Task
	var sessionID, objective, errorLog, answer sql.NullString
	err := row.Scan(
		&task.TaskID, &sessionID, &task.AgentID, &task.User,
		&task.UserMessage, &objective, &task.Status,
		&task.Iteration, &task.MaxIteration,
		&task.Totals.PromptTokens, &task.Totals.CompletionTokens, &task.Totals.TotalTokens,
		&errorLog, &answer, &task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.SessionID = sessionID.String
	task.Objective = objective.String
	task.ErrorLog = errorLog.String
	task.Answer = answer.String
	return &task, nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	query := s.q(`SELECT ` + taskColumns + ` FROM react_tasks WHERE task_id = ?`)
	task, err := s.scanTask(s.db.QueryRowContext(ctx, query, taskID))
	if err == sql.ErrNoRows {
		return nil, notFound("task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	return task, nil
}

// UpdateTask writes every mutable field, bumps updated_at, and returns the
// fresh copy.
func (s *Store) UpdateTask(ctx context.Context, task *Task) (*Task, error) {
	query := s.q(`
UPDATE react_tasks
SET session_id = ?, objective = ?, status = ?, iteration = ?,
    prompt_tokens = ?, completion_tokens = ?, total_tokens = ?,
    error_log = ?, answer = ?, updated_at = ?
WHERE task_id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		task.SessionID, task.Objective, task.Status, task.Iteration,
		task.Totals.PromptTokens, task.Totals.CompletionTokens, task.Totals.TotalTokens,
		task.ErrorLog, task.Answer, time.Now().UTC(), task.TaskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, notFound("task", task.TaskID)
	}

	return s.GetTask(ctx, task.TaskID)
}

// ListTasksBySession returns a session's tasks ordered by creation time.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	query := s.q(`SELECT ` + taskColumns + ` FROM react_tasks WHERE session_id = ? ORDER BY created_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := s.scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task and cascades to its recursions, plan steps and
// state snapshots.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{
		`DELETE FROM react_recursion_states WHERE task_id = ?`,
		`DELETE FROM react_plan_steps WHERE task_id = ?`,
		`DELETE FROM react_recursions WHERE task_id = ?`,
		`DELETE FROM react_tasks WHERE task_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, s.q(stmt), taskID); err != nil {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	return tx.Commit()
}
