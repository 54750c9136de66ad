// Package llm provides a protocol-agnostic chat client over OpenAI-compatible
// and Anthropic-compatible HTTP APIs.
package llm

import (
	"context"
	"fmt"
)

// Protocol identifies the wire dialect an endpoint speaks.
type Protocol string

const (
	ProtocolOpenAICompatible    Protocol = "openai_compatible"
	ProtocolAnthropicCompatible Protocol = "anthropic_compatible"
)

// Roles used on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one chat turn. Fields absent on the wire stay empty.
type Message struct {
	Role             string     `json:"role"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name string `json:"name"`
	// Arguments is the raw JSON argument payload; providers may send either
	// an object or a string-encoded object.
	Arguments string `json:"arguments"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Response is the normalized response shape both protocols map into.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Created int64    `json:"created"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Content returns the first choice's content, or "".
func (r *Response) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// StreamChunk is one increment of a streamed response. The terminal chunk
// carries FinishReason and, when the upstream reported it, Usage.
type StreamChunk struct {
	ContentDelta   string
	ReasoningDelta string
	FinishReason   string
	Usage          *Usage
	Err            error
}

// Options tune a single chat call.
type Options struct {
	Temperature *float64
	MaxTokens   int
	// Tools, when non-nil, is passed through to providers that support native
	// tool calling. The recursion engine always leaves it nil.
	Tools []map[string]interface{}
}

// Client is the capability-typed chat client.
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (*Response, error)
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)
	Model() string
}

// Config describes one LLM endpoint, typically loaded from the llms table.
type Config struct {
	ID          string
	Name        string
	Endpoint    string
	Model       string
	APIKey      string
	Protocol    Protocol
	Streaming   bool
	ExtraConfig map[string]interface{}

	TimeoutSeconds int
}

// Error is an upstream LLM failure (HTTP >= 400, timeout, malformed payload).
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("llm error: %s returned HTTP %d: %s", e.Endpoint, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm error: %s: %s", e.Endpoint, e.Message)
}
