package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pivotagent/pivot/pkg/auth"
	"github.com/pivotagent/pivot/pkg/engine"
	"github.com/pivotagent/pivot/pkg/memory"
	"github.com/pivotagent/pivot/pkg/store"
)

type reactChatRequest struct {
	AgentID   string `json:"agent_id"`
	Message   string `json:"message"`
	User      string `json:"user"`
	SessionID string `json:"session_id,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
}

// handleReactChatStream starts (or resumes) a task and streams its events.
// The authenticated subject is the task owner regardless of the body's user
// field.
func (s *Server) handleReactChatStream(w http.ResponseWriter, r *http.Request) {
	user := auth.UserFromContext(r.Context())

	var req reactChatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Message == "" {
		writeError(w, &store.ValidationError{Message: "message is required"})
		return
	}

	ctx := r.Context()
	task, err := s.prepareTask(ctx, user, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if task.SessionID != "" {
		if _, err := s.memory.AppendChatHistory(ctx, task.SessionID, memory.HistoryTypeUser, req.Message); err != nil {
			slog.Warn("failed to record chat history", "session_id", task.SessionID, "error", err)
		}
	}

	stream, err := newSSEStream(w, r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.engine.RunTask(ctx, task.TaskID, func(event engine.Event) { stream.Send(event) }); err != nil {
		// Best effort: the stream may already be dead.
		stream.Send(engine.Event{
			Type:      engine.EventError,
			TaskID:    task.TaskID,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Data:      map[string]interface{}{"error": err.Error()},
		})
		slog.Error("task run failed", "task_id", task.TaskID, "error", err)
		return
	}

	s.recordOutcome(task.TaskID)
}

// prepareTask resolves the resume-versus-create branch. A task_id resumes a
// waiting task with the message as the clarification reply; otherwise a new
// task is created with the agent's iteration budget.
func (s *Server) prepareTask(ctx context.Context, user string, req reactChatRequest) (*store.Task, error) {
	if req.TaskID != "" {
		task, err := s.store.GetTask(ctx, req.TaskID)
		if err != nil {
			return nil, err
		}
		if task.User != user {
			return nil, store.ErrNotFound
		}
		if err := s.engine.ResumeTask(ctx, req.TaskID, req.Message); err != nil {
			return nil, err
		}
		return task, nil
	}

	agent, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if req.SessionID != "" {
		if _, err := s.store.GetSession(ctx, req.SessionID); err != nil {
			return nil, err
		}
	}

	return s.store.CreateTask(ctx, &store.Task{
		SessionID:    req.SessionID,
		AgentID:      req.AgentID,
		User:         user,
		UserMessage:  req.Message,
		MaxIteration: agent.MaxIteration,
	})
}

// recordOutcome appends the finished task to its session's history and
// conversation log. The stream is already closed, so failures only log.
func (s *Server) recordOutcome(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil || task.SessionID == "" {
		return
	}
	if !store.IsTerminalTaskStatus(task.Status) {
		return
	}

	if task.Answer != "" {
		if _, err := s.memory.AppendChatHistory(ctx, task.SessionID, memory.HistoryTypeAssistant, task.Answer); err != nil {
			slog.Warn("failed to record answer", "session_id", task.SessionID, "error", err)
		}
	}
	if _, err := s.memory.AddConversation(ctx, task.SessionID, task, ""); err != nil {
		slog.Warn("failed to record conversation", "session_id", task.SessionID, "error", err)
	}
}

func (s *Server) taskForUser(r *http.Request) (*store.Task, error) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		return nil, err
	}
	if task.User != auth.UserFromContext(r.Context()) {
		return nil, store.ErrNotFound
	}
	return task, nil
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskPayload(task))
}

func (s *Server) handleListRecursions(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	recursions, err := s.store.ListRecursions(r.Context(), task.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	payloads := make([]map[string]interface{}, 0, len(recursions))
	for _, recursion := range recursions {
		payloads = append(payloads, recursionPayload(recursion))
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	states, err := s.store.ListRecursionStates(r.Context(), task.TaskID)
	if err != nil {
		writeError(w, err)
		return
	}
	payloads := make([]map[string]interface{}, 0, len(states))
	for _, state := range states {
		payloads = append(payloads, statePayload(state))
	}
	writeJSON(w, http.StatusOK, payloads)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	task, err := s.taskForUser(r)
	if err != nil {
		writeError(w, err)
		return
	}
	iteration, err := strconv.Atoi(chi.URLParam(r, "iterationIndex"))
	if err != nil {
		writeError(w, &store.ValidationError{Message: "iteration_index must be an integer"})
		return
	}
	state, err := s.store.GetRecursionStateByIteration(r.Context(), task.TaskID, iteration)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statePayload(state))
}

func taskPayload(task *store.Task) map[string]interface{} {
	return map[string]interface{}{
		"task_id":       task.TaskID,
		"session_id":    task.SessionID,
		"agent_id":      task.AgentID,
		"user":          task.User,
		"user_message":  task.UserMessage,
		"objective":     task.Objective,
		"status":        task.Status,
		"iteration":     task.Iteration,
		"max_iteration": task.MaxIteration,
		"tokens":        task.Totals,
		"error_log":     task.ErrorLog,
		"answer":        task.Answer,
		"created_at":    task.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":    task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func recursionPayload(recursion *store.Recursion) map[string]interface{} {
	return map[string]interface{}{
		"trace_id":          recursion.TraceID,
		"task_id":           recursion.TaskID,
		"iteration_index":   recursion.IterationIndex,
		"observe":           recursion.Observe,
		"thought":           recursion.Thought,
		"abstract":          recursion.Abstract,
		"action_type":       recursion.ActionType,
		"action_output":     recursion.ActionOutput,
		"tool_call_results": recursion.ToolCallResults,
		"short_term_memory": recursion.ShortTermMemory,
		"plan_step_id":      recursion.PlanStepID,
		"status":            recursion.Status,
		"error_log":         recursion.ErrorLog,
		"tokens":            recursion.Tokens,
		"created_at":        recursion.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":        recursion.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func statePayload(state *store.RecursionState) map[string]interface{} {
	return map[string]interface{}{
		"trace_id":        state.TraceID,
		"task_id":         state.TaskID,
		"iteration_index": state.IterationIndex,
		"state":           state.State,
		"created_at":      state.CreatedAt.UTC().Format(time.RFC3339),
	}
}
