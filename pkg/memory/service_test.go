package memory

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivotagent/pivot/pkg/store"
)

func newTestService(t *testing.T) (*Service, *store.Store, *store.Session) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, "sqlite")
	require.NoError(t, err)

	ctx := context.Background()
	llmRecord, err := st.CreateLLM(ctx, &store.LLMRecord{Name: "l", Endpoint: "http://localhost", Protocol: "openai_compatible"})
	require.NoError(t, err)
	agent, err := st.CreateAgent(ctx, &store.Agent{Name: "a", LLMID: llmRecord.ID})
	require.NoError(t, err)

	service := NewService(st)
	session, err := service.CreateSession(ctx, &store.Session{AgentID: agent.ID, User: "u1"})
	require.NoError(t, err)
	return service, st, session
}

func TestCreateSessionInitializesMemoryAndHistory(t *testing.T) {
	service, _, session := newTestService(t)

	assert.Equal(t, 1, session.ChatHistory.Version)
	assert.Empty(t, session.ChatHistory.Messages)

	memory, err := service.GetMemory(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, memory.Version)
	assert.Empty(t, memory.MemoryItems)
	assert.Empty(t, memory.Conversations)
}

func TestApplyDeltaAddDefaultsConfidence(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	memory, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Add: []store.MemoryItem{{Type: "preference", Content: "vegetarian"}},
	})
	require.NoError(t, err)

	require.Len(t, memory.MemoryItems, 1)
	item := memory.MemoryItems[0]
	assert.Equal(t, 1, item.ID)
	assert.Equal(t, "preference", item.Type)
	assert.Equal(t, "vegetarian", item.Content)
	assert.Equal(t, 0.5, item.Confidence)
}

func TestApplyDeltaIDsContinueAfterDelete(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	_, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Add: []store.MemoryItem{
			{Type: "fact", Content: "one"},
			{Type: "fact", Content: "two"},
		},
	})
	require.NoError(t, err)

	_, err = service.ApplyDelta(ctx, session.SessionID, Delta{Delete: []DeleteRef{{ID: 1}}})
	require.NoError(t, err)

	memory, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Add: []store.MemoryItem{{Type: "fact", Content: "three"}},
	})
	require.NoError(t, err)

	// Item 2 survives, so the next id continues from it.
	require.Len(t, memory.MemoryItems, 2)
	assert.Equal(t, 2, memory.MemoryItems[0].ID)
	assert.Equal(t, 3, memory.MemoryItems[1].ID)
	assert.Equal(t, "three", memory.MemoryItems[1].Content)
}

func TestApplyDeltaDoesNotReuseDeletedMaxID(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	_, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Add: []store.MemoryItem{
			{Type: "fact", Content: "one"},
			{Type: "fact", Content: "two"},
		},
	})
	require.NoError(t, err)

	_, err = service.ApplyDelta(ctx, session.SessionID, Delta{Delete: []DeleteRef{{ID: 2}}})
	require.NoError(t, err)

	memory, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Add: []store.MemoryItem{{Type: "fact", Content: "three"}},
	})
	require.NoError(t, err)

	// Id 2 was the highest issued; the new item must not take it back.
	require.Len(t, memory.MemoryItems, 2)
	assert.Equal(t, 1, memory.MemoryItems[0].ID)
	assert.Equal(t, 3, memory.MemoryItems[1].ID)
	assert.Equal(t, "three", memory.MemoryItems[1].Content)
}

func TestApplyDeltaUpdateReplacesWholeItem(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	_, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Add: []store.MemoryItem{{Type: "preference", Content: "vegetarian", Confidence: 0.9}},
	})
	require.NoError(t, err)

	memory, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Update: []store.MemoryItem{{ID: 1, Type: "preference", Content: "vegan", Confidence: 0.7}},
	})
	require.NoError(t, err)

	require.Len(t, memory.MemoryItems, 1)
	assert.Equal(t, "vegan", memory.MemoryItems[0].Content)
	assert.Equal(t, 0.7, memory.MemoryItems[0].Confidence)

	// An update that omits confidence resets to the default, not the
	// previous value.
	memory, err = service.ApplyDelta(ctx, session.SessionID, Delta{
		Update: []store.MemoryItem{{ID: 1, Type: "preference", Content: "pescatarian"}},
	})
	require.NoError(t, err)

	require.Len(t, memory.MemoryItems, 1)
	assert.Equal(t, "pescatarian", memory.MemoryItems[0].Content)
	assert.Equal(t, 0.5, memory.MemoryItems[0].Confidence)
}

func TestApplyDeltaUnknownIDsIgnored(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	memory, err := service.ApplyDelta(ctx, session.SessionID, Delta{
		Update: []store.MemoryItem{{ID: 99, Type: "x", Content: "x"}},
		Delete: []DeleteRef{{ID: 42}},
	})
	require.NoError(t, err)
	assert.Empty(t, memory.MemoryItems)
}

func TestApplyDeltaSerializedPerSession(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.ApplyDelta(ctx, session.SessionID, Delta{
				Add: []store.MemoryItem{{Type: "fact", Content: "c"}},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	memory, err := service.GetMemory(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, memory.MemoryItems, 10)

	seen := make(map[int]bool)
	for _, item := range memory.MemoryItems {
		assert.False(t, seen[item.ID], "duplicate id %d", item.ID)
		seen[item.ID] = true
	}
}

func TestAddConversationIndexesByCount(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	first := &store.Task{TaskID: "t1", UserMessage: "q1", Answer: "a1", Status: store.TaskStatusCompleted}
	second := &store.Task{TaskID: "t2", UserMessage: "q2", Answer: "a2", Status: store.TaskStatusFailed}

	_, err := service.AddConversation(ctx, session.SessionID, first, "first summary")
	require.NoError(t, err)
	memory, err := service.AddConversation(ctx, session.SessionID, second, "")
	require.NoError(t, err)

	require.Len(t, memory.Conversations, 2)
	assert.Equal(t, 1, memory.Conversations[0].TaskIndex)
	assert.Equal(t, "t1", memory.Conversations[0].TaskID)
	assert.Equal(t, "a1", memory.Conversations[0].AgentAnswer)
	assert.Equal(t, 2, memory.Conversations[1].TaskIndex)
	assert.Equal(t, store.TaskStatusFailed, memory.Conversations[1].Status)
}

func TestAppendChatHistoryValidatesType(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	_, err := service.AppendChatHistory(ctx, session.SessionID, "robot", "hello")
	var validationErr *store.ValidationError
	require.ErrorAs(t, err, &validationErr)

	updated, err := service.AppendChatHistory(ctx, session.SessionID, HistoryTypeUser, "hello")
	require.NoError(t, err)
	require.Len(t, updated.ChatHistory.Messages, 1)
	assert.Equal(t, HistoryTypeUser, updated.ChatHistory.Messages[0].Type)
	assert.NotEmpty(t, updated.ChatHistory.Messages[0].Timestamp)
	assert.Equal(t, 2, updated.ChatHistory.Version)
}

func TestGetFullHistoryOrderedByTaskCreation(t *testing.T) {
	service, st, session := newTestService(t)
	ctx := context.Background()

	for _, message := range []string{"first", "second"} {
		task, err := st.CreateTask(ctx, &store.Task{
			SessionID:   session.SessionID,
			AgentID:     session.AgentID,
			User:        "u1",
			UserMessage: message,
		})
		require.NoError(t, err)
		_, err = st.CreateRecursion(ctx, &store.Recursion{TaskID: task.TaskID, IterationIndex: 0})
		require.NoError(t, err)
	}

	history, err := service.GetFullHistory(ctx, session.SessionID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].TaskIndex)
	assert.Equal(t, "first", history[0].UserMessage)
	assert.Len(t, history[0].Recursions, 1)
	assert.Equal(t, "second", history[1].UserMessage)
}

func TestDeleteSessionCascades(t *testing.T) {
	service, _, session := newTestService(t)
	ctx := context.Background()

	require.NoError(t, service.DeleteSession(ctx, session.SessionID))

	_, err := service.GetSession(ctx, session.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = service.GetMemory(ctx, session.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
