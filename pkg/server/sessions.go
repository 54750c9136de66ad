package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pivotagent/pivot/pkg/auth"
	"github.com/pivotagent/pivot/pkg/memory"
	"github.com/pivotagent/pivot/pkg/store"
)

type createSessionRequest struct {
	AgentID string `json:"agent_id"`
	Subject string `json:"subject,omitempty"`
	Object  string `json:"object,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.store.GetAgent(r.Context(), req.AgentID); err != nil {
		writeError(w, err)
		return
	}

	session, err := s.memory.CreateSession(r.Context(), &store.Session{
		AgentID: req.AgentID,
		User:    auth.UserFromContext(r.Context()),
		Subject: req.Subject,
		Object:  req.Object,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	sessions, err := s.memory.GetSessionsByUser(r.Context(),
		auth.UserFromContext(r.Context()), r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	payloads := make([]map[string]interface{}, 0, len(sessions))
	for _, session := range sessions {
		payloads = append(payloads, sessionPayload(session))
	}
	writeJSON(w, http.StatusOK, payloads)
}

// sessionForUser loads a session and hides other users' sessions behind 404.
func (s *Server) sessionForUser(r *http.Request) (*store.Session, error) {
	session, err := s.memory.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		return nil, err
	}
	if session.User != auth.UserFromContext(r.Context()) {
		return nil, store.ErrNotFound
	}
	return session, nil
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.memory.DeleteSession(r.Context(), session.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionMemory, err := s.memory.GetMemory(r.Context(), session.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionMemory)
}

func (s *Server) handleApplyMemoryDelta(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var delta memory.Delta
	if err := decodeBody(r, &delta); err != nil {
		writeError(w, err)
		return
	}

	sessionMemory, err := s.memory.ApplyDelta(r.Context(), session.SessionID, delta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionMemory)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session.ChatHistory)
}

func (s *Server) handleGetFullHistory(w http.ResponseWriter, r *http.Request) {
	session, err := s.sessionForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	history, err := s.memory.GetFullHistory(r.Context(), session.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func sessionPayload(session *store.Session) map[string]interface{} {
	return map[string]interface{}{
		"session_id":   session.SessionID,
		"agent_id":     session.AgentID,
		"user":         session.User,
		"status":       session.Status,
		"subject":      session.Subject,
		"object":       session.Object,
		"chat_history": session.ChatHistory,
		"created_at":   session.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":   session.UpdatedAt.UTC().Format(time.RFC3339),
	}
}
