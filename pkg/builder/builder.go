// Package builder is the multi-turn agent builder: it turns conversational
// requirements into a scene-graph agent definition.
package builder

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pivotagent/pivot/pkg/llm"
	"github.com/pivotagent/pivot/pkg/scenegraph"
)

// BuildError means the model's reply could not be parsed into a build result.
type BuildError struct {
	Message string
}

func (e *BuildError) Error() string {
	return "build error: " + e.Message
}

// Result is the parsed builder reply.
type Result struct {
	Response string                 `json:"response"`
	Reason   string                 `json:"reason"`
	Agent    scenegraph.AgentDetail `json:"agent"`
}

const builderPrompt = `You are an agent designer. Across the conversation you refine a single
agent definition from the user's requirements. On every turn, reply with one
JSON object in exactly this shape:

{
  "response": "<what you tell the user about this revision>",
  "reason": "<why you shaped the agent this way>",
  "agent": {
    "name": "<agent name>",
    "description": "<one-paragraph description>",
    "scenes": [
      {
        "name": "<scene name>",
        "description": "<what happens in this scene>",
        "subscenes": [{"name": "...", "description": "..."}],
        "connections": [{"from": "...", "to": "...", "condition": "..."}]
      }
    ]
  }
}

Example. For the requirement "a barista bot that takes coffee orders":

{
  "response": "I drafted a barista agent with a greeting, an ordering flow and a checkout.",
  "reason": "Ordering naturally splits into drink selection and customization, so those are subscenes.",
  "agent": {
    "name": "Barista",
    "description": "A friendly coffee-shop assistant that greets customers, takes drink orders and confirms checkout.",
    "scenes": [
      {
        "name": "Greeting",
        "description": "Welcome the customer and ask what they would like.",
        "connections": [{"from": "Greeting", "to": "Ordering", "condition": "customer states a drink"}]
      },
      {
        "name": "Ordering",
        "description": "Capture the full drink order.",
        "subscenes": [
          {"name": "Drink Selection", "description": "Pick the base drink."},
          {"name": "Customization", "description": "Size, milk, extras."}
        ],
        "connections": [{"from": "Ordering", "to": "Checkout", "condition": "order confirmed"}]
      },
      {
        "name": "Checkout",
        "description": "Summarize the order and close."
      }
    ]
  }
}

Carry forward everything already agreed; each turn revises the same agent.`

// Builder keeps one rolling conversation per instance. Safe for concurrent
// use, though turns serialize on the history lock.
type Builder struct {
	client llm.Client

	mu      sync.Mutex
	history []llm.Message
}

func New(client llm.Client) *Builder {
	return &Builder{
		client:  client,
		history: []llm.Message{{Role: llm.RoleSystem, Content: builderPrompt}},
	}
}

// Build appends the user's requirement, asks the model for the next revision
// and parses the reply. The assistant turn joins the history only when it
// parsed, so a bad reply does not poison later turns.
func (b *Builder) Build(ctx context.Context, content string) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, llm.Message{Role: llm.RoleUser, Content: content})

	response, err := b.client.Chat(ctx, b.history, llm.Options{})
	if err != nil {
		b.history = b.history[:len(b.history)-1]
		return nil, err
	}

	result, err := parseResult(response.Content())
	if err != nil {
		b.history = b.history[:len(b.history)-1]
		return nil, err
	}

	b.history = append(b.history, llm.Message{Role: llm.RoleAssistant, Content: response.Content()})
	return result, nil
}

// Reset drops the conversation, keeping only the system prompt.
func (b *Builder) Reset() {
	b.mu.Lock()
	b.history = b.history[:1]
	b.mu.Unlock()
}

func parseResult(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, &BuildError{Message: "empty reply"}
	}

	if fenced, ok := extractFence(content); ok {
		content = fenced
	}

	var result Result
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, &BuildError{Message: "reply is not a JSON object: " + err.Error()}
	}
	if result.Response == "" || result.Reason == "" {
		return nil, &BuildError{Message: "reply is missing response or reason"}
	}
	if result.Agent.Name == "" || result.Agent.Description == "" || len(result.Agent.Scenes) == 0 {
		return nil, &BuildError{Message: "reply agent is missing name, description or scenes"}
	}
	return &result, nil
}

func extractFence(content string) (string, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(content, marker)
		if start < 0 {
			continue
		}
		rest := content[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return strings.TrimSpace(rest[:end]), true
	}
	return "", false
}
