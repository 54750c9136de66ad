// Package store is the SQL persistence layer. It speaks sqlite, postgres and
// mysql through database/sql and returns fresh copies from every write.
package store

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError is a caller mistake surfaced as HTTP 400.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Message
}

// Task statuses.
const (
	TaskStatusPending      = "pending"
	TaskStatusRunning      = "running"
	TaskStatusWaitingInput = "waiting_input"
	TaskStatusCompleted    = "completed"
	TaskStatusFailed       = "failed"
	TaskStatusCancelled    = "cancelled"
)

// IsTerminalTaskStatus reports whether a task status is append-only.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Recursion statuses.
const (
	RecursionStatusRunning = "running"
	RecursionStatusDone    = "done"
	RecursionStatusError   = "error"
)

// Plan step statuses.
const (
	PlanStepStatusPending = "pending"
	PlanStepStatusRunning = "running"
	PlanStepStatusDone    = "done"
	PlanStepStatusError   = "error"
)

// Session statuses.
const (
	SessionStatusActive       = "active"
	SessionStatusWaitingInput = "waiting_input"
	SessionStatusClosed       = "closed"
)

// Action types a recursion may record.
const (
	ActionCallTool = "CALL_TOOL"
	ActionRePlan   = "RE_PLAN"
	ActionAnswer   = "ANSWER"
	ActionClarify  = "CLARIFY"
	ActionReflect  = "REFLECT"
	ActionError    = "ERROR"
)

type Agent struct {
	ID           string
	Name         string
	Description  string
	LLMID        string
	MaxIteration int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type LLMRecord struct {
	ID          string
	Name        string
	Endpoint    string
	Model       string
	APIKey      string
	Protocol    string
	Streaming   bool
	ExtraConfig map[string]interface{}
}

type AgentTool struct {
	AgentID  string
	ToolName string
}

type Session struct {
	SessionID   string
	AgentID     string
	User        string
	Status      string
	Subject     string
	Object      string
	ChatHistory ChatHistory
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type ChatHistory struct {
	Version  int           `json:"version"`
	Messages []ChatMessage `json:"messages"`
}

type ChatMessage struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

type MemoryItem struct {
	ID         int     `json:"id"`
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`

	// Decision items only.
	Source     string `json:"source,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
	Reversible *bool  `json:"reversible,omitempty"`
}

type Conversation struct {
	TaskIndex   int    `json:"task_index"`
	TaskID      string `json:"task_id"`
	UserInput   string `json:"user_input"`
	AgentAnswer string `json:"agent_answer"`
	Status      string `json:"status"`
	Summary     string `json:"summary"`
}

type SessionMemory struct {
	SessionID     string         `json:"session_id"`
	MemoryItems   []MemoryItem   `json:"memory_items"`
	Conversations []Conversation `json:"conversations"`
	Version       int            `json:"version"`

	// MaxMemoryID is the highest item id ever issued for this session. It
	// only grows, so deleted ids are never reused.
	MaxMemoryID int `json:"-"`
}

type TokenTotals struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Task struct {
	TaskID       string
	SessionID    string
	AgentID      string
	User         string
	UserMessage  string
	Objective    string
	Status       string
	Iteration    int
	MaxIteration int
	Totals       TokenTotals
	ErrorLog     string
	Answer       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Recursion struct {
	TraceID         string
	TaskID          string
	IterationIndex  int
	Observe         string
	Thought         string
	Abstract        string
	ActionType      string
	ActionOutput    map[string]interface{}
	ToolCallResults []map[string]interface{}
	ShortTermMemory string
	PlanStepID      string
	Status          string
	ErrorLog        string
	Tokens          TokenTotals
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type PlanStep struct {
	TaskID      string
	StepID      string
	Description string
	Status      string
	Position    int
}

type RecursionState struct {
	TraceID        string
	TaskID         string
	IterationIndex int
	State          string
	CreatedAt      time.Time
}

func notFound(entity, id string) error {
	return fmt.Errorf("%s %q: %w", entity, id, ErrNotFound)
}
