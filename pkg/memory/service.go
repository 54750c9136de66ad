// Package memory maintains per-session long-term memory and conversation
// records on top of the store.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pivotagent/pivot/pkg/store"
)

const defaultConfidence = 0.5

// Chat history entry types.
const (
	HistoryTypeUser      = "user"
	HistoryTypeAssistant = "assistant"
	HistoryTypeRecursion = "recursion"
)

// Delta is an incremental memory change proposed by an agent or a caller.
// Add entries get fresh ids; Update and Delete address existing ids, and
// unknown ids are ignored.
type Delta struct {
	Add    []store.MemoryItem `json:"add,omitempty"`
	Update []store.MemoryItem `json:"update,omitempty"`
	Delete []DeleteRef        `json:"delete,omitempty"`
}

type DeleteRef struct {
	ID int `json:"id"`
}

// TaskHistory is one task's slice of the full session history.
type TaskHistory struct {
	TaskIndex   int                `json:"task_index"`
	TaskID      string             `json:"task_id"`
	UserMessage string             `json:"user_message"`
	Answer      string             `json:"answer"`
	Status      string             `json:"status"`
	CreatedAt   string             `json:"created_at"`
	Recursions  []*store.Recursion `json:"recursions"`
}

// Service serializes memory writes per session. Reads go straight through.
type Service struct {
	store *store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(st *store.Store) *Service {
	return &Service{store: st, locks: make(map[string]*sync.Mutex)}
}

// sessionLock returns the mutex guarding one session's memory document.
func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[sessionID] = lock
	}
	return lock
}

func (s *Service) CreateSession(ctx context.Context, session *store.Session) (*store.Session, error) {
	return s.store.CreateSession(ctx, session)
}

func (s *Service) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

func (s *Service) GetSessionsByUser(ctx context.Context, user, agentID string, limit int) ([]*store.Session, error) {
	return s.store.ListSessionsByUser(ctx, user, agentID, limit)
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Service) GetMemory(ctx context.Context, sessionID string) (*store.SessionMemory, error) {
	return s.store.GetSessionMemory(ctx, sessionID)
}

// ApplyDelta merges a delta into the session memory. New item ids continue
// monotonically from the highest id ever issued, so deleted ids are never
// reused.
func (s *Service) ApplyDelta(ctx context.Context, sessionID string, delta Delta) (*store.SessionMemory, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	memory, err := s.store.GetSessionMemory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, item := range delta.Add {
		memory.MaxMemoryID++
		item.ID = memory.MaxMemoryID
		if item.Confidence == 0 {
			item.Confidence = defaultConfidence
		}
		memory.MemoryItems = append(memory.MemoryItems, item)
	}

	for _, update := range delta.Update {
		for i := range memory.MemoryItems {
			if memory.MemoryItems[i].ID == update.ID {
				if update.Confidence == 0 {
					update.Confidence = defaultConfidence
				}
				memory.MemoryItems[i] = update
				break
			}
		}
	}

	for _, ref := range delta.Delete {
		for i := range memory.MemoryItems {
			if memory.MemoryItems[i].ID == ref.ID {
				memory.MemoryItems = append(memory.MemoryItems[:i], memory.MemoryItems[i+1:]...)
				break
			}
		}
	}

	memory.Version++
	if err := s.store.SaveSessionMemory(ctx, memory); err != nil {
		return nil, err
	}
	return memory, nil
}

// AddConversation appends a completed task's conversation record. Task
// indices are 1-based in arrival order.
func (s *Service) AddConversation(ctx context.Context, sessionID string, task *store.Task, summary string) (*store.SessionMemory, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	memory, err := s.store.GetSessionMemory(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	memory.Conversations = append(memory.Conversations, store.Conversation{
		TaskIndex:   len(memory.Conversations) + 1,
		TaskID:      task.TaskID,
		UserInput:   task.UserMessage,
		AgentAnswer: task.Answer,
		Status:      task.Status,
		Summary:     summary,
	})
	memory.Version++

	if err := s.store.SaveSessionMemory(ctx, memory); err != nil {
		return nil, err
	}
	return memory, nil
}

// AppendChatHistory records one chat turn on the session.
func (s *Service) AppendChatHistory(ctx context.Context, sessionID, entryType, content string) (*store.Session, error) {
	switch entryType {
	case HistoryTypeUser, HistoryTypeAssistant, HistoryTypeRecursion:
	default:
		return nil, &store.ValidationError{Message: fmt.Sprintf("unknown history entry type %q", entryType)}
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	session.ChatHistory.Messages = append(session.ChatHistory.Messages, store.ChatMessage{
		Type:      entryType,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	session.ChatHistory.Version++

	return s.store.UpdateSession(ctx, session)
}

// GetFullHistory returns every task of the session with its recursions, in
// task creation order.
func (s *Service) GetFullHistory(ctx context.Context, sessionID string) ([]*TaskHistory, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	tasks, err := s.store.ListTasksBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	history := make([]*TaskHistory, 0, len(tasks))
	for i, task := range tasks {
		recursions, err := s.store.ListRecursions(ctx, task.TaskID)
		if err != nil {
			return nil, err
		}
		history = append(history, &TaskHistory{
			TaskIndex:   i + 1,
			TaskID:      task.TaskID,
			UserMessage: task.UserMessage,
			Answer:      task.Answer,
			Status:      task.Status,
			CreatedAt:   task.CreatedAt.UTC().Format(time.RFC3339),
			Recursions:  recursions,
		})
	}
	return history, nil
}
