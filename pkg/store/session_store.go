package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `session_id, agent_id, usr, status, subject, object, chat_history, created_at, updated_at`

// CreateSession inserts a session with empty memory and chat history at
// version 1 and returns the fresh copy.
func (s *Store) CreateSession(ctx context.Context, session *Session) (*Session, error) {
	if session.AgentID == "" {
		return nil, &ValidationError{Message: "agent_id is required"}
	}
	if session.User == "" {
		return nil, &ValidationError{Message: "user is required"}
	}

	inserted := *session
	if inserted.SessionID == "" {
		inserted.SessionID = uuid.NewString()
	}
	if inserted.Status == "" {
		inserted.Status = SessionStatusActive
	}
	if inserted.ChatHistory.Version == 0 {
		inserted.ChatHistory = ChatHistory{Version: 1, Messages: []ChatMessage{}}
	}
	now := time.Now().UTC()
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	chatHistory, err := json.Marshal(inserted.ChatHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize chat history: %w", err)
	}

	query := s.q(`
INSERT INTO sessions (session_id, agent_id, usr, status, subject, object, chat_history, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.ExecContext(ctx, query,
		inserted.SessionID, inserted.AgentID, inserted.User, inserted.Status,
		inserted.Subject, inserted.Object, string(chatHistory),
		inserted.CreatedAt, inserted.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	memory := &SessionMemory{
		SessionID:     inserted.SessionID,
		MemoryItems:   []MemoryItem{},
		Conversations: []Conversation{},
		Version:       1,
	}
	if err := s.SaveSessionMemory(ctx, memory); err != nil {
		return nil, err
	}

	return s.GetSession(ctx, inserted.SessionID)
}

func (s *Store) scanSession(row interface{ Scan(...interface{}) error }) (*Session, error) {
	var session Session
	var subject, object, chatHistory sql.NullString
	err := row.Scan(
		&session.SessionID, &session.AgentID, &session.User, &session.Status,
		&subject, &object, &chatHistory, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Subject = subject.String
	session.Object = object.String
	if chatHistory.String != "" {
		if err := json.Unmarshal([]byte(chatHistory.String), &session.ChatHistory); err != nil {
			return nil, fmt.Errorf("failed to parse chat history: %w", err)
		}
	}
	return &session, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	query := s.q(`SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = ?`)
	session, err := s.scanSession(s.db.QueryRowContext(ctx, query, sessionID))
	if err == sql.ErrNoRows {
		return nil, notFound("session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// ListSessionsByUser returns a user's sessions newest-first, optionally
// scoped to one agent.
func (s *Store) ListSessionsByUser(ctx context.Context, user, agentID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE usr = ?`
	args := []interface{}{user}
	if agentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSession writes every mutable field, bumps updated_at, and returns the
// fresh copy.
func (s *Store) UpdateSession(ctx context.Context, session *Session) (*Session, error) {
	chatHistory, err := json.Marshal(session.ChatHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize chat history: %w", err)
	}

	query := s.q(`
UPDATE sessions
SET status = ?, subject = ?, object = ?, chat_history = ?, updated_at = ?
WHERE session_id = ?`)

	result, err := s.db.ExecContext(ctx, query,
		session.Status, session.Subject, session.Object, string(chatHistory),
		time.Now().UTC(), session.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return nil, notFound("session", session.SessionID)
	}

	return s.GetSession(ctx, session.SessionID)
}

// DeleteSession removes a session and cascades to its memory.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM session_memories WHERE session_id = ?`), sessionID); err != nil {
		return fmt.Errorf("failed to delete session memory: %w", err)
	}
	result, err := tx.ExecContext(ctx, s.q(`DELETE FROM sessions WHERE session_id = ?`), sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return notFound("session", sessionID)
	}

	return tx.Commit()
}

// GetSessionMemory loads a session's memory document.
func (s *Store) GetSessionMemory(ctx context.Context, sessionID string) (*SessionMemory, error) {
	query := s.q(`SELECT session_id, memory_items, conversations, version, max_memory_id FROM session_memories WHERE session_id = ?`)

	var memory SessionMemory
	var memoryItems, conversations sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&memory.SessionID, &memoryItems, &conversations, &memory.Version, &memory.MaxMemoryID)
	if err == sql.ErrNoRows {
		return nil, notFound("session memory", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session memory: %w", err)
	}

	memory.MemoryItems = []MemoryItem{}
	memory.Conversations = []Conversation{}
	if memoryItems.String != "" {
		if err := json.Unmarshal([]byte(memoryItems.String), &memory.MemoryItems); err != nil {
			return nil, fmt.Errorf("failed to parse memory items: %w", err)
		}
	}
	if conversations.String != "" {
		if err := json.Unmarshal([]byte(conversations.String), &memory.Conversations); err != nil {
			return nil, fmt.Errorf("failed to parse conversations: %w", err)
		}
	}
	return &memory, nil
}

// SaveSessionMemory upserts the memory document.
func (s *Store) SaveSessionMemory(ctx context.Context, memory *SessionMemory) error {
	memoryItems, err := json.Marshal(memory.MemoryItems)
	if err != nil {
		return fmt.Errorf("failed to serialize memory items: %w", err)
	}
	conversations, err := json.Marshal(memory.Conversations)
	if err != nil {
		return fmt.Errorf("failed to serialize conversations: %w", err)
	}

	update := s.q(`UPDATE session_memories SET memory_items = ?, conversations = ?, version = ?, max_memory_id = ? WHERE session_id = ?`)
	result, err := s.db.ExecContext(ctx, update,
		string(memoryItems), string(conversations), memory.Version, memory.MaxMemoryID, memory.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session memory: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected > 0 {
		return nil
	}

	insert := s.q(`INSERT INTO session_memories (session_id, memory_items, conversations, version, max_memory_id) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, insert,
		memory.SessionID, string(memoryItems), string(conversations), memory.Version, memory.MaxMemoryID); err != nil {
		return fmt.Errorf("failed to insert session memory: %w", err)
	}
	return nil
}
