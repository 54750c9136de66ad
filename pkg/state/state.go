// Package state defines the typed state-machine records re-injected into the
// LLM prompt on every recursion, and the assembler that rebuilds them from
// persisted rows.
package state

import (
	"encoding/json"
	"fmt"
)

// GlobalState mirrors the task header.
type GlobalState struct {
	TaskID       string `json:"task_id"`
	Iteration    int    `json:"iteration"`
	MaxIteration int    `json:"max_iteration"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

// CurrentRecursion identifies the recursion being executed right now.
type CurrentRecursion struct {
	TraceID        string `json:"trace_id"`
	IterationIndex int    `json:"iteration_index"`
	Status         string `json:"status"`
}

// RecursionSummary is the compact per-recursion record routed into plan steps
// (or the orphan list when the recursion has no plan step).
type RecursionSummary struct {
	TraceID  string      `json:"trace_id"`
	Status   string      `json:"status"`
	Result   interface{} `json:"result"`
	ErrorLog string      `json:"error_log"`
}

// PlanStepState is one plan entry with its recursion history.
type PlanStepState struct {
	StepID      string             `json:"step_id"`
	Description string             `json:"description"`
	Status      string             `json:"status"`
	Recursions  []RecursionSummary `json:"recursions"`
}

// ShortTermNote is a per-recursion memory note left by REFLECT (or attached
// by any action).
type ShortTermNote struct {
	TraceID string `json:"trace_id"`
	Memory  string `json:"memory"`
}

type MemoryState struct {
	ShortTerm    []ShortTermNote `json:"short_term"`
	LongTermRefs []string        `json:"long_term_refs"`
}

// ContextBody is the task-scoped reasoning context. Recursions holds the
// orphaned summaries that no plan step adopted.
type ContextBody struct {
	Objective   string             `json:"objective"`
	Constraints []string           `json:"constraints"`
	Plan        []PlanStepState    `json:"plan"`
	Recursions  []RecursionSummary `json:"recursions"`
	Memory      MemoryState        `json:"memory"`
}

type ActionResult struct {
	ActionType string                 `json:"action_type"`
	Output     map[string]interface{} `json:"output"`
}

type ActionRecord struct {
	Result ActionResult `json:"result"`
}

// LastRecursion is the detailed view of the previous step, with tool results
// merged into the action output.
type LastRecursion struct {
	TraceID         string                   `json:"trace_id"`
	Observe         string                   `json:"observe"`
	Thought         string                   `json:"thought"`
	Action          ActionRecord             `json:"action"`
	ToolCallResults []map[string]interface{} `json:"tool_call_results,omitempty"`
}

// ReactContext is the complete state machine JSON. LastRecursion is absent
// only on iteration 0.
type ReactContext struct {
	Global           GlobalState      `json:"global"`
	CurrentRecursion CurrentRecursion `json:"current_recursion"`
	Context          ContextBody      `json:"context"`
	LastRecursion    *LastRecursion   `json:"last_recursion,omitempty"`
}

// Encode produces the wire JSON fed to the LLM.
func (c *ReactContext) Encode() ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode react context: %w", err)
	}
	return raw, nil
}

// Decode parses a stored state snapshot back into the typed form.
func Decode(raw []byte) (*ReactContext, error) {
	var c ReactContext
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to decode react context: %w", err)
	}
	return &c, nil
}
