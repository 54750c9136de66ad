package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := NewWithDB(db, "sqlite")
	require.NoError(t, err)
	return st
}

func seedAgent(t *testing.T, st *Store) *Agent {
	ctx := context.Background()
	record, err := st.CreateLLM(ctx, &LLMRecord{Name: "l", Endpoint: "http://localhost", Protocol: "openai_compatible"})
	require.NoError(t, err)
	agent, err := st.CreateAgent(ctx, &Agent{Name: "a", LLMID: record.ID})
	require.NoError(t, err)
	return agent
}

func TestParseDatabaseURL(t *testing.T) {
	cases := []struct {
		url     string
		dialect string
		driver  string
		dsn     string
	}{
		{"sqlite://state.db", "sqlite", "sqlite3", "state.db"},
		{"sqlite://", "sqlite", "sqlite3", "pivot.db"},
		{"postgres://u:p@host/db", "postgres", "postgres", "postgres://u:p@host/db"},
		{"postgresql://u:p@host/db", "postgres", "postgres", "postgresql://u:p@host/db"},
		{"mysql://u:p@tcp(host)/db", "mysql", "mysql", "u:p@tcp(host)/db?parseTime=true"},
		{"mysql://u:p@tcp(host)/db?tls=true", "mysql", "mysql", "u:p@tcp(host)/db?tls=true&parseTime=true"},
	}

	for _, tc := range cases {
		dialect, driver, dsn, err := parseDatabaseURL(tc.url)
		require.NoError(t, err, tc.url)
		assert.Equal(t, tc.dialect, dialect, tc.url)
		assert.Equal(t, tc.driver, driver, tc.url)
		assert.Equal(t, tc.dsn, dsn, tc.url)
	}

	_, _, _, err := parseDatabaseURL("redis://host")
	require.Error(t, err)
}

func TestPlaceholderRewriting(t *testing.T) {
	sqlite := &Store{dialect: "sqlite"}
	postgres := &Store{dialect: "postgres"}

	query := "SELECT * FROM t WHERE a = ? AND b = ?"
	assert.Equal(t, query, sqlite.q(query))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", postgres.q(query))
}

func TestTaskLifecycle(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, &Task{AgentID: agent.ID, User: "u1", UserMessage: "hello", MaxIteration: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, task.TaskID)
	assert.Equal(t, TaskStatusPending, task.Status)
	assert.Equal(t, 5, task.MaxIteration)

	task.Status = TaskStatusCompleted
	task.Answer = "done"
	task.Iteration = 3
	task.Totals = TokenTotals{PromptTokens: 30, CompletionTokens: 15, TotalTokens: 45}
	updated, err := st.UpdateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "done", updated.Answer)
	assert.Equal(t, 45, updated.Totals.TotalTokens)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	_, err = st.UpdateTask(ctx, &Task{TaskID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.CreateTask(ctx, &Task{User: "u1"})
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestRecursionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, &Task{AgentID: agent.ID, User: "u1", UserMessage: "go"})
	require.NoError(t, err)

	recursion, err := st.CreateRecursion(ctx, &Recursion{
		TaskID:         task.TaskID,
		IterationIndex: 0,
		Observe:        "looked",
		Thought:        "thinking",
		ActionType:     ActionCallTool,
		ActionOutput: map[string]interface{}{
			"tool_calls": []interface{}{
				map[string]interface{}{"function": map[string]interface{}{"name": "add"}},
			},
		},
		ToolCallResults: []map[string]interface{}{
			{"tool_call_id": "c1", "success": true, "result": float64(8)},
		},
		Tokens: TokenTotals{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, recursion.TraceID)
	assert.Equal(t, RecursionStatusRunning, recursion.Status)

	fetched, err := st.GetRecursion(ctx, recursion.TraceID)
	require.NoError(t, err)
	assert.Equal(t, "looked", fetched.Observe)
	require.Len(t, fetched.ToolCallResults, 1)
	assert.Equal(t, float64(8), fetched.ToolCallResults[0]["result"])
	calls := fetched.ActionOutput["tool_calls"].([]interface{})
	require.Len(t, calls, 1)

	fetched.Status = RecursionStatusDone
	fetched.ShortTermMemory = "note"
	updated, err := st.UpdateRecursion(ctx, fetched)
	require.NoError(t, err)
	assert.Equal(t, RecursionStatusDone, updated.Status)
	assert.Equal(t, "note", updated.ShortTermMemory)

	last, err := st.LastRecursion(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, recursion.TraceID, last.TraceID)

	listed, err := st.ListRecursions(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
}

func TestReplacePlanSwapsWholesale(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, &Task{AgentID: agent.ID, User: "u1", UserMessage: "go"})
	require.NoError(t, err)

	require.NoError(t, st.ReplacePlan(ctx, task.TaskID, []PlanStep{
		{StepID: "s1", Description: "first"},
		{StepID: "s2", Description: "second", Status: PlanStepStatusDone},
	}))

	steps, err := st.ListPlanSteps(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, PlanStepStatusPending, steps[0].Status)
	assert.Equal(t, PlanStepStatusDone, steps[1].Status)
	assert.Equal(t, 0, steps[0].Position)
	assert.Equal(t, 1, steps[1].Position)

	// A re-plan drops the old steps entirely.
	require.NoError(t, st.ReplacePlan(ctx, task.TaskID, []PlanStep{
		{StepID: "n1", Description: "new first"},
	}))
	steps, err = st.ListPlanSteps(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "n1", steps[0].StepID)

	require.NoError(t, st.UpdatePlanStepStatus(ctx, task.TaskID, "n1", PlanStepStatusError))
	err = st.UpdatePlanStepStatus(ctx, task.TaskID, "gone", PlanStepStatusDone)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecursionStateSnapshots(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, &Task{AgentID: agent.ID, User: "u1", UserMessage: "go"})
	require.NoError(t, err)

	for iteration := 0; iteration < 2; iteration++ {
		recursion, err := st.CreateRecursion(ctx, &Recursion{TaskID: task.TaskID, IterationIndex: iteration})
		require.NoError(t, err)
		require.NoError(t, st.SaveRecursionState(ctx, &RecursionState{
			TraceID:        recursion.TraceID,
			TaskID:         task.TaskID,
			IterationIndex: iteration,
			State:          fmt.Sprintf(`{"iteration":%d}`, iteration),
		}))
	}

	states, err := st.ListRecursionStates(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, 0, states[0].IterationIndex)
	assert.Equal(t, 1, states[1].IterationIndex)

	state, err := st.GetRecursionStateByIteration(ctx, task.TaskID, 1)
	require.NoError(t, err)
	assert.Contains(t, state.State, "1")

	_, err = st.GetRecursionStateByIteration(ctx, task.TaskID, 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionRoundTrip(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	session, err := st.CreateSession(ctx, &Session{AgentID: agent.ID, User: "u1", Subject: "travel"})
	require.NoError(t, err)
	assert.NotEmpty(t, session.SessionID)
	assert.Equal(t, 1, session.ChatHistory.Version)

	session.ChatHistory.Messages = append(session.ChatHistory.Messages, ChatMessage{
		Type: "user", Content: "hi", Timestamp: "2026-03-01T12:00:00Z",
	})
	session.ChatHistory.Version++
	updated, err := st.UpdateSession(ctx, session)
	require.NoError(t, err)
	require.Len(t, updated.ChatHistory.Messages, 1)
	assert.Equal(t, 2, updated.ChatHistory.Version)

	listed, err := st.ListSessionsByUser(ctx, "u1", agent.ID, 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	listed, err = st.ListSessionsByUser(ctx, "u1", "other-agent", 10)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestSessionMemoryPersistence(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	session, err := st.CreateSession(ctx, &Session{AgentID: agent.ID, User: "u1"})
	require.NoError(t, err)

	memory, err := st.GetSessionMemory(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, memory.Version)

	memory.MemoryItems = append(memory.MemoryItems, MemoryItem{ID: 1, Type: "fact", Content: "c", Confidence: 0.5})
	memory.MaxMemoryID = 1
	memory.Version++
	require.NoError(t, st.SaveSessionMemory(ctx, memory))

	reloaded, err := st.GetSessionMemory(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.Version)
	require.Len(t, reloaded.MemoryItems, 1)
	assert.Equal(t, 1, reloaded.MaxMemoryID)

	// The high-water mark survives even when every item is deleted.
	reloaded.MemoryItems = nil
	reloaded.Version++
	require.NoError(t, st.SaveSessionMemory(ctx, reloaded))
	reloaded, err = st.GetSessionMemory(ctx, session.SessionID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.MemoryItems)
	assert.Equal(t, 1, reloaded.MaxMemoryID)
}

func TestDeleteTaskCascades(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	task, err := st.CreateTask(ctx, &Task{AgentID: agent.ID, User: "u1", UserMessage: "go"})
	require.NoError(t, err)
	recursion, err := st.CreateRecursion(ctx, &Recursion{TaskID: task.TaskID, IterationIndex: 0})
	require.NoError(t, err)
	require.NoError(t, st.ReplacePlan(ctx, task.TaskID, []PlanStep{{StepID: "s1", Description: "d"}}))
	require.NoError(t, st.SaveRecursionState(ctx, &RecursionState{
		TraceID: recursion.TraceID, TaskID: task.TaskID, IterationIndex: 0, State: "{}",
	}))

	require.NoError(t, st.DeleteTask(ctx, task.TaskID))

	_, err = st.GetTask(ctx, task.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetRecursion(ctx, recursion.TraceID)
	assert.ErrorIs(t, err, ErrNotFound)
	steps, err := st.ListPlanSteps(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestAgentToolAssignments(t *testing.T) {
	st := newTestStore(t)
	agent := seedAgent(t, st)
	ctx := context.Background()

	require.NoError(t, st.AssignTool(ctx, agent.ID, "multiply"))
	require.NoError(t, st.AssignTool(ctx, agent.ID, "add"))

	names, err := st.ListAgentTools(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"add", "multiply"}, names)
}

func TestCreateAgentDefaultsIterationBudget(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	record, err := st.CreateLLM(ctx, &LLMRecord{Name: "l", Endpoint: "http://localhost", Protocol: "openai_compatible"})
	require.NoError(t, err)

	agent, err := st.CreateAgent(ctx, &Agent{Name: "a", LLMID: record.ID})
	require.NoError(t, err)
	assert.Equal(t, defaultMaxIteration, agent.MaxIteration)

	_, err = st.CreateAgent(ctx, &Agent{LLMID: record.ID})
	var validationErr *ValidationError
	assert.ErrorAs(t, err, &validationErr)
}

func TestLLMRecordExtraConfigRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	record, err := st.CreateLLM(ctx, &LLMRecord{
		Name:        "l",
		Endpoint:    "http://localhost",
		Model:       "m",
		APIKey:      "k",
		Protocol:    "anthropic_compatible",
		Streaming:   true,
		ExtraConfig: map[string]interface{}{"max_tokens": float64(1024)},
	})
	require.NoError(t, err)

	fetched, err := st.GetLLM(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, "k", fetched.APIKey)
	assert.True(t, fetched.Streaming)
	assert.Equal(t, float64(1024), fetched.ExtraConfig["max_tokens"])
}
