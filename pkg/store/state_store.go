package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRecursionState stores the exact state JSON that was fed to the LLM for
// one recursion, keyed by trace id.
func (s *Store) SaveRecursionState(ctx context.Context, state *RecursionState) error {
	query := s.q(`
INSERT INTO react_recursion_states (trace_id, task_id, iteration_index, state, created_at)
VALUES (?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		state.TraceID, state.TaskID, state.IterationIndex, state.State, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert recursion state: %w", err)
	}
	return nil
}

func (s *Store) scanRecursionState(row interface{ Scan(...interface{}) error }) (*RecursionState, error) {
	var state RecursionState
	if err := row.Scan(&state.TraceID, &state.TaskID, &state.IterationIndex, &state.State, &state.CreatedAt); err != nil {
		return nil, err
	}
	return &state, nil
}

// GetRecursionStateByIteration returns the snapshot for one iteration.
func (s *Store) GetRecursionStateByIteration(ctx context.Context, taskID string, iterationIndex int) (*RecursionState, error) {
	query := s.q(`
SELECT trace_id, task_id, iteration_index, state, created_at
FROM react_recursion_states WHERE task_id = ? AND iteration_index = ?`)

	state, err := s.scanRecursionState(s.db.QueryRowContext(ctx, query, taskID, iterationIndex))
	if err == sql.ErrNoRows {
		return nil, notFound("recursion state", fmt.Sprintf("%s/%d", taskID, iterationIndex))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query recursion state: %w", err)
	}
	return state, nil
}

// ListRecursionStates returns all snapshots of a task in iteration order.
func (s *Store) ListRecursionStates(ctx context.Context, taskID string) ([]*RecursionState, error) {
	query := s.q(`
SELECT trace_id, task_id, iteration_index, state, created_at
FROM react_recursion_states WHERE task_id = ? ORDER BY iteration_index ASC`)

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query recursion states: %w", err)
	}
	defer rows.Close()

	var states []*RecursionState
	for rows.Next() {
		state, err := s.scanRecursionState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recursion state: %w", err)
		}
		states = append(states, state)
	}
	return states, rows.Err()
}
