package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const recursionColumns = `trace_id, task_id, iteration_index, observe, thought, abstract,
    action_type, action_output, tool_call_results, short_term_memory, plan_step_id, status,
    error_log, prompt_tokens, completion_tokens, total_tokens, created_at, updated_at`

// CreateRecursion inserts a new recursion record and returns the fresh copy.
func (s *Store) CreateRecursion(ctx context.Context, recursion *Recursion) (*Recursion, error) {
	if recursion.TaskID == "" {
		return nil, &ValidationError{Message: "task_id is required"}
	}

	inserted := *recursion
	if inserted.TraceID == "" {
		inserted.TraceID = uuid.NewString()
	}
	if inserted.Status == "" {
		inserted.Status = RecursionStatusRunning
	}
	now := time.Now().UTC()
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	actionOutput, toolCallResults, err := marshalRecursionJSON(&inserted)
	if err != nil {
		return nil, err
	}

	query := s.q(`
INSERT INTO react_recursions (trace_id, task_id, iteration_index, observe, thought, abstract,
    action_type, action_output, tool_call_results, short_term_memory, plan_step_id, status,
    error_log, prompt_tokens, completion_tokens, total_tokens, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		inserted.TraceID, inserted.TaskID, inserted.IterationIndex,
		inserted.Observe, inserted.Thought, inserted.Abstract,
		inserted.ActionType, actionOutput, toolCallResults,
		inserted.ShortTermMemory, inserted.PlanStepID, inserted.Status, inserted.ErrorLog,
		inserted.Tokens.PromptTokens, inserted.Tokens.CompletionTokens, inserted.Tokens.TotalTokens,
		inserted.CreatedAt, inserted.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert recursion: %w", err)
	}

	return s.GetRecursion(ctx, inserted.TraceID)
}

func marshalRecursionJSON(recursion *Recursion) (actionOutput, toolCallResults string, err error) {
	if recursion.ActionOutput != nil {
		raw, err := json.Marshal(recursion.ActionOutput)
		if err != nil {
			return "", "", fmt.Errorf("failed to serialize action output: %w", err)
		}
		actionOutput = string(raw)
	}
	if recursion.ToolCallResults != nil {
		raw, err := json.Marshal(recursion.ToolCallResults)
		if err != nil {
			return "", "", fmt.Errorf("failed to serialize tool call results: %w", err)
		}
		toolCallResults = string(raw)
	}
	return actionOutput, toolCallResults, nil
}

func (s *Store) scanRecursion(row interface{ Scan(...interface{}) error }) (*Recursion, error) {
	var recursion Recursion
	var observe, thought, abstract, actionType, actionOutput, toolCallResults sql.NullString
	var shortTermMemory, planStepID, errorLog sql.NullString
	err := row.Scan(
		&recursion.TraceID, &recursion.TaskID, &recursion.IterationIndex,
		&observe, &thought, &abstract,
		&actionType, &actionOutput, &toolCallResults,
		&shortTermMemory, &planStepID, &recursion.Status, &errorLog,
		&recursion.Tokens.PromptTokens, &recursion.Tokens.CompletionTokens, &recursion.Tokens.TotalTokens,
		&recursion.CreatedAt, &recursion.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	recursion.Observe = observe.String
	recursion.Thought = thought.String
	recursion.Abstract = abstract.String
	recursion.ActionType = actionType.String
	recursion.ShortTermMemory = shortTermMemory.String
	recursion.PlanStepID = planStepID.String
	recursion.ErrorLog = errorLog.String

	if actionOutput.String != "" {
		if err := json.Unmarshal([]byte(actionOutput.String), &recursion.ActionOutput); err != nil {
			return nil, fmt.Errorf("failed to parse action output: %w", err)
		}
	}
	if toolCallResults.String != "" {
		if err := json.Unmarshal([]byte(toolCallResults.String), &recursion.ToolCallResults); err != nil {
			return nil, fmt.Errorf("failed to parse tool call results: %w", err)
		}
	}
	return &recursion, nil
}

func (s *Store) GetRecursion(ctx context.Context, traceID string) (*Recursion, error) {
	query := s.q(`SELECT ` + recursionColumns + ` FROM react_recursions WHERE trace_id = ?`)
	recursion, err := s.scanRecursion(s.db.QueryRowContext(ctx, query, traceID))
	if err == sql.ErrNoRows {
		return nil, notFound("recursion", traceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recursion: %w", err)
	}
	return recursion, nil
}

// UpdateRecursion writes every mutable field and returns the fresh copy.
func (s *Store) UpdateRecursion(ctx context.Context, recursion *Recursion) (*Recursion, error) {
	actionOutput, toolCallResults, err := marshalRecursionJSON(recursion)
	if err != nil {
		return nil, err
	}

	query := s.q(`
UPDATE react_recursions
SET observe = ?, thought = ?, abstract = ?, action_type = ?, action_output = ?,
    tool_call_results = ?, short_term_memory = ?, plan_step_id = ?, status = ?, error_log = ?,
    prompt_tokens = ?, completion_tokens = ?, total_tokens = ?, updated_at = ?
WHERE trace_id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		recursion.Observe, recursion.Thought, recursion.Abstract,
		recursion.ActionType, actionOutput, toolCallResults,
		recursion.ShortTermMemory, recursion.PlanStepID, recursion.Status, recursion.ErrorLog,
		recursion.Tokens.PromptTokens, recursion.Tokens.CompletionTokens, recursion.Tokens.TotalTokens,
		time.Now().UTC(), recursion.TraceID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update recursion: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, notFound("recursion", recursion.TraceID)
	}

	return s.GetRecursion(ctx, recursion.TraceID)
}

// ListRecursions returns a task's recursions in iteration order.
func (s *Store) ListRecursions(ctx context.Context, taskID string) ([]*Recursion, error) {
	query := s.q(`SELECT ` + recursionColumns + ` FROM react_recursions WHERE task_id = ? ORDER BY iteration_index ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recursions: %w", err)
	}
	defer rows.Close()

	var recursions []*Recursion
	for rows.Next() {
		recursion, err := s.scanRecursion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recursion: %w", err)
		}
		recursions = append(recursions, recursion)
	}
	return recursions, rows.Err()
}

// LastRecursion returns the highest-iteration recursion of a task, or
// ErrNotFound when the task has none yet.
func (s *Store) LastRecursion(ctx context.Context, taskID string) (*Recursion, error) {
	query := s.q(`SELECT ` + recursionColumns + ` FROM react_recursions WHERE task_id = ? ORDER BY iteration_index DESC LIMIT 1`)
	recursion, err := s.scanRecursion(s.db.QueryRowContext(ctx, query, taskID))
	if err == sql.ErrNoRows {
		return nil, notFound("recursion for task", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recursion: %w", err)
	}
	return recursion, nil
}
