package scenegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pivotagent/pivot/pkg/llm"
)

const previewPrompt = `You are previewing a conversational agent defined as a scene graph.
Stay in character for the agent described below and advance the scene state
as the conversation demands.

Agent definition:
%s

Current scene: %s
Current subscene: %s

Respond in exactly this format:

## Reason
<why you respond this way and why the scene state changes, if it does>

## Response
<what the agent says to the user>

## Updated Scenes
` + "```json" + `
[{"scene_name": "...", "subscene_name": "...", "status": "..."}]
` + "```" + `

## Matched Connection
` + "```json" + `
{"from": "...", "to": "...", "condition": "..."}
` + "```" + `

Leave the JSON blocks as empty arrays or objects when nothing changed.`

// PreviewRequest is the preview chat input.
type PreviewRequest struct {
	AgentDetail         AgentDetail `json:"agent_detail"`
	Message             string      `json:"message"`
	CurrentSceneName    string      `json:"current_scene_name,omitempty"`
	CurrentSubsceneName string      `json:"current_subscene_name,omitempty"`
}

// Runtime streams preview conversations against a scene graph.
type Runtime struct {
	client llm.Client
}

func NewRuntime(client llm.Client) *Runtime {
	return &Runtime{client: client}
}

// Preview streams one turn. Reason and response text arrive as incremental
// events; scene updates are applied to the graph and emitted once, after the
// stream ends.
func (r *Runtime) Preview(ctx context.Context, req PreviewRequest, emit func(Event)) error {
	detail, err := json.MarshalIndent(req.AgentDetail, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode agent detail: %w", err)
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf(previewPrompt, detail, req.CurrentSceneName, req.CurrentSubsceneName)},
		{Role: llm.RoleUser, Content: req.Message},
	}

	chunks, err := r.client.ChatStream(ctx, messages, llm.Options{})
	if err != nil {
		return err
	}

	split := newSplitter(func(section, delta string) {
		event := newEvent(section)
		event.Delta = delta
		emit(event)
	})

	for chunk := range chunks {
		if chunk.Err != nil {
			return chunk.Err
		}
		if chunk.ContentDelta != "" {
			split.Feed(chunk.ContentDelta)
		}
	}
	split.Close()

	graph := req.AgentDetail
	updates := r.parseUpdates(split.Body(SectionUpdatedScenes))
	applyUpdates(&graph, updates)

	scenesEvent := newEvent(SectionUpdatedScenes)
	scenesEvent.Data = map[string]interface{}{
		"updates": updates,
		"scenes":  graph.Scenes,
	}
	emit(scenesEvent)

	var matched MatchedConnection
	if err := parseFencedJSON(split.Body(SectionMatchedConnection), &matched); err != nil {
		slog.Warn("preview: unparseable matched connection", "error", err)
	} else if matched.From != "" || matched.To != "" {
		event := newEvent(SectionMatchedConnection)
		event.Data = matched
		emit(event)
	}

	return nil
}

// parseUpdates accepts either an array of updates or a single update object.
func (r *Runtime) parseUpdates(body string) []SceneUpdate {
	if body == "" {
		return nil
	}

	var updates []SceneUpdate
	if err := parseFencedJSON(body, &updates); err == nil {
		return updates
	}

	var single SceneUpdate
	if err := parseFencedJSON(body, &single); err != nil {
		slog.Warn("preview: unparseable scene updates", "error", err)
		return nil
	}
	if single.SceneName == "" {
		return nil
	}
	return []SceneUpdate{single}
}

// applyUpdates mutates the graph in place. Names match case-insensitively;
// unknown names are ignored.
func applyUpdates(graph *AgentDetail, updates []SceneUpdate) {
	for _, update := range updates {
		for i := range graph.Scenes {
			scene := &graph.Scenes[i]
			if !strings.EqualFold(scene.Name, update.SceneName) {
				continue
			}
			if update.SubsceneName == "" {
				if update.Status != "" {
					scene.Status = update.Status
				}
				break
			}
			for j := range scene.Subscenes {
				if strings.EqualFold(scene.Subscenes[j].Name, update.SubsceneName) {
					if update.Status != "" {
						scene.Subscenes[j].Status = update.Status
					}
					break
				}
			}
			break
		}
	}
}
