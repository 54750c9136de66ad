package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pivotagent/pivot/pkg/builder"
	"github.com/pivotagent/pivot/pkg/scenegraph"
	"github.com/pivotagent/pivot/pkg/store"
)

type previewChatRequest struct {
	scenegraph.PreviewRequest
	LLMID string `json:"llm_id,omitempty"`
}

// handlePreviewChatStream streams one scene-graph preview turn as SSE.
func (s *Server) handlePreviewChatStream(w http.ResponseWriter, r *http.Request) {
	var req previewChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, &store.ValidationError{Message: "message is required"})
		return
	}
	if len(req.AgentDetail.Scenes) == 0 {
		writeError(w, &store.ValidationError{Message: "agent_detail must contain scenes"})
		return
	}

	client, err := s.resolveLLM(r.Context(), req.LLMID, "")
	if err != nil {
		writeError(w, err)
		return
	}

	stream, err := newSSEStream(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	runtime := scenegraph.NewRuntime(client)
	if err := runtime.Preview(r.Context(), req.PreviewRequest, func(event scenegraph.Event) {
		stream.Send(event)
	}); err != nil {
		errEvent := scenegraph.Event{Type: "error", Data: map[string]string{"error": err.Error()}}
		stream.Send(errEvent)
	}
}

type buildChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
	LLMID     string `json:"llm_id,omitempty"`
	Content   string `json:"content"`
}

type buildChatResponse struct {
	SessionID string                 `json:"session_id"`
	Response  string                 `json:"response"`
	Reason    string                 `json:"reason"`
	Agent     scenegraph.AgentDetail `json:"agent"`
}

// handleBuildChat runs one builder turn. The session id keys the rolling
// conversation; a new one is minted when the caller has none yet.
func (s *Server) handleBuildChat(w http.ResponseWriter, r *http.Request) {
	var req buildChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Content == "" {
		writeError(w, &store.ValidationError{Message: "content is required"})
		return
	}

	client, err := s.resolveLLM(r.Context(), req.LLMID, req.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s.mu.Lock()
	b, ok := s.builders[sessionID]
	if !ok {
		b = builder.New(client)
		s.builders[sessionID] = b
	}
	s.mu.Unlock()

	result, err := b.Build(r.Context(), req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, buildChatResponse{
		SessionID: sessionID,
		Response:  result.Response,
		Reason:    result.Reason,
		Agent:     result.Agent,
	})
}
