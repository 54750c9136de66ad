// Package scenegraph implements the preview chat runtime: a streaming LLM
// response split into markdown sections, with scene-state updates parsed from
// fenced JSON and applied to an in-memory scene graph.
package scenegraph

import "time"

// Section names, in the order the model emits them.
const (
	SectionReason            = "reason"
	SectionResponse          = "response"
	SectionUpdatedScenes     = "updated_scenes"
	SectionMatchedConnection = "matched_connection"
)

// AgentDetail is the scene-graph definition the caller previews against.
type AgentDetail struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Scenes      []Scene `json:"scenes"`
}

type Scene struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Status      string       `json:"status,omitempty"`
	Subscenes   []Subscene   `json:"subscenes,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
}

type Subscene struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status,omitempty"`
}

type Connection struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// SceneUpdate is one entry of the Updated Scenes JSON block.
type SceneUpdate struct {
	SceneName    string `json:"scene_name"`
	SubsceneName string `json:"subscene_name,omitempty"`
	Status       string `json:"status,omitempty"`
}

// MatchedConnection is the Matched Connection JSON block.
type MatchedConnection struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
}

// Event is one streamed preview event.
type Event struct {
	Type      string      `json:"type"`
	Delta     string      `json:"delta,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp string      `json:"timestamp"`
}

func newEvent(eventType string) Event {
	return Event{Type: eventType, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}
