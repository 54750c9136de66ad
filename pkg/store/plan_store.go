package store

import (
	"context"
	"fmt"
)

// ReplacePlan swaps a task's plan wholesale; RE_PLAN semantics.
func (s *Store) ReplacePlan(ctx context.Context, taskID string, steps []PlanStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM react_plan_steps WHERE task_id = ?`), taskID); err != nil {
		return fmt.Errorf("failed to clear plan: %w", err)
	}

	insert := s.q(`INSERT INTO react_plan_steps (task_id, step_id, description, status, position) VALUES (?, ?, ?, ?, ?)`)
	for position, step := range steps {
		status := step.Status
		if status == "" {
			status = PlanStepStatusPending
		}
		if _, err := tx.ExecContext(ctx, insert, taskID, step.StepID, step.Description, status, position); err != nil {
			return fmt.Errorf("failed to insert plan step: %w", err)
		}
	}

	return tx.Commit()
}

// ListPlanSteps returns the plan in step order.
func (s *Store) ListPlanSteps(ctx context.Context, taskID string) ([]PlanStep, error) {
	query := s.q(`SELECT task_id, step_id, description, status, position FROM react_plan_steps WHERE task_id = ? ORDER BY position ASC`)
	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan steps: %w", err)
	}
	defer rows.Close()

	var steps []PlanStep
	for rows.Next() {
		var step PlanStep
		if err := rows.Scan(&step.TaskID, &step.StepID, &step.Description, &step.Status, &step.Position); err != nil {
			return nil, fmt.Errorf("failed to scan plan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdatePlanStepStatus moves one step through pending/running/done/error.
func (s *Store) UpdatePlanStepStatus(ctx context.Context, taskID, stepID, status string) error {
	query := s.q(`UPDATE react_plan_steps SET status = ? WHERE task_id = ? AND step_id = ?`)
	result, err := s.db.ExecContext(ctx, query, status, taskID, stepID)
	if err != nil {
		return fmt.Errorf("failed to update plan step: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return notFound("plan step", stepID)
	}
	return nil
}
