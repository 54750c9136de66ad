// Package tool implements the tool registry and the local and sidecar
// executors.
package tool

import (
	"context"
	"errors"
	"fmt"
)

// ContextArgKey is an opaque context payload callers may attach to tool
// arguments. It is stripped and logged before dispatch, never executed.
const ContextArgKey = "__pivot_context"

// Func is an in-process tool implementation.
type Func func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Definition is one registry entry. Handler is set for built-in tools;
// manifest-discovered tools carry a sidecar Command instead.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
	Handler     Func                   `json:"-"`
	Command     []string               `json:"command,omitempty"`
}

// Result is the per-call outcome recorded into tool_call_results.
type Result struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Success    bool                   `json:"success"`
}

// Executor runs one tool call and returns its raw result value.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error)
}

// ErrDuplicateName is returned when registering a name that already exists.
var ErrDuplicateName = errors.New("duplicate tool name")

// ErrUnknownTool is returned when dispatching a name the registry lacks.
var ErrUnknownTool = errors.New("unknown tool")

// ExecutionError is any tool failure: a handler error, a sidecar spawn
// failure, non-zero exit, or malformed output. Stderr is appended for
// diagnostics when captured.
type ExecutionError struct {
	Tool    string
	Message string
	Stderr  string
	Err     error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
	if e.Stderr != "" {
		msg += "; stderr: " + e.Stderr
	}
	return msg
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
