package engine

import (
	"time"

	"github.com/pivotagent/pivot/pkg/store"
)

// Event types emitted while a task runs.
const (
	EventRecursionStart = "recursion_start"
	EventObserve        = "observe"
	EventThought        = "thought"
	EventAbstract       = "abstract"
	EventAction         = "action"
	EventToolCall       = "tool_call"
	EventPlanUpdate     = "plan_update"
	EventAnswer         = "answer"
	EventError          = "error"
	EventTaskComplete   = "task_complete"
)

// Event is the envelope forwarded verbatim onto the SSE stream.
type Event struct {
	Type        string             `json:"type"`
	TaskID      string             `json:"task_id"`
	TraceID     string             `json:"trace_id,omitempty"`
	Iteration   int                `json:"iteration"`
	Delta       string             `json:"delta,omitempty"`
	Data        interface{}        `json:"data,omitempty"`
	Timestamp   string             `json:"timestamp"`
	Tokens      *store.TokenTotals `json:"tokens,omitempty"`
	TotalTokens int                `json:"total_tokens,omitempty"`
}

// Emitter receives engine events in emission order.
type Emitter func(Event)

func newEvent(eventType, taskID, traceID string, iteration int) Event {
	return Event{
		Type:      eventType,
		TaskID:    taskID,
		TraceID:   traceID,
		Iteration: iteration,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
