package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const defaultMaxIteration = 30

// CreateAgent inserts an agent record. Agents are otherwise managed by
// external CRUD; this exists for bootstrap and tests.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	if agent.Name == "" {
		return nil, &ValidationError{Message: "agent name is required"}
	}

	inserted := *agent
	if inserted.ID == "" {
		inserted.ID = uuid.NewString()
	}
	if inserted.MaxIteration == 0 {
		inserted.MaxIteration = defaultMaxIteration
	}
	now := time.Now().UTC()
	inserted.CreatedAt = now
	inserted.UpdatedAt = now

	query := s.q(`
INSERT INTO agents (id, name, description, llm_id, max_iteration, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		inserted.ID, inserted.Name, inserted.Description, inserted.LLMID,
		inserted.MaxIteration, inserted.CreatedAt, inserted.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert agent: %w", err)
	}

	return s.GetAgent(ctx, inserted.ID)
}

func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	query := s.q(`SELECT id, name, description, llm_id, max_iteration, created_at, updated_at FROM agents WHERE id = ?`)

	var agent Agent
	var description sql.NullString
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&agent.ID, &agent.Name, &description, &agent.LLMID,
		&agent.MaxIteration, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("agent", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query agent: %w", err)
	}
	agent.Description = description.String
	return &agent, nil
}

// CreateLLM inserts an LLM configuration record.
func (s *Store) CreateLLM(ctx context.Context, record *LLMRecord) (*LLMRecord, error) {
	if record.Endpoint == "" {
		return nil, &ValidationError{Message: "llm endpoint is required"}
	}

	inserted := *record
	if inserted.ID == "" {
		inserted.ID = uuid.NewString()
	}

	extraConfig := ""
	if inserted.ExtraConfig != nil {
		raw, err := json.Marshal(inserted.ExtraConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize extra config: %w", err)
		}
		extraConfig = string(raw)
	}

	query := s.q(`
INSERT INTO llms (id, name, endpoint, model, api_key, protocol, streaming, extra_config)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		inserted.ID, inserted.Name, inserted.Endpoint, inserted.Model,
		inserted.APIKey, inserted.Protocol, inserted.Streaming, extraConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to insert llm: %w", err)
	}

	return s.GetLLM(ctx, inserted.ID)
}

func (s *Store) GetLLM(ctx context.Context, llmID string) (*LLMRecord, error) {
	query := s.q(`SELECT id, name, endpoint, model, api_key, protocol, streaming, extra_config FROM llms WHERE id = ?`)

	var record LLMRecord
	var apiKey, extraConfig sql.NullString
	err := s.db.QueryRowContext(ctx, query, llmID).Scan(
		&record.ID, &record.Name, &record.Endpoint, &record.Model,
		&apiKey, &record.Protocol, &record.Streaming, &extraConfig)
	if err == sql.ErrNoRows {
		return nil, notFound("llm", llmID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query llm: %w", err)
	}
	record.APIKey = apiKey.String
	if extraConfig.String != "" {
		if err := json.Unmarshal([]byte(extraConfig.String), &record.ExtraConfig); err != nil {
			return nil, fmt.Errorf("failed to parse extra config: %w", err)
		}
	}
	return &record, nil
}

// AssignTool links a tool name to an agent; the link is the engine's
// dispatch-time allowlist.
func (s *Store) AssignTool(ctx context.Context, agentID, toolName string) error {
	query := s.q(`INSERT INTO agent_tools (agent_id, tool_name) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, agentID, toolName); err != nil {
		return fmt.Errorf("failed to assign tool: %w", err)
	}
	return nil
}

// ListAgentTools returns the tool names assigned to an agent.
func (s *Store) ListAgentTools(ctx context.Context, agentID string) ([]string, error) {
	query := s.q(`SELECT tool_name FROM agent_tools WHERE agent_id = ? ORDER BY tool_name ASC`)
	rows, err := s.db.QueryContext(ctx, query, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent tools: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan agent tool: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
