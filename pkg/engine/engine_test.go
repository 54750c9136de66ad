package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivotagent/pivot/pkg/llm"
	"github.com/pivotagent/pivot/pkg/store"
	"github.com/pivotagent/pivot/pkg/tool"
)

// scriptedLLM serves canned envelope responses over the OpenAI wire shape,
// one per request, in order.
type scriptedLLM struct {
	t         *testing.T
	server    *httptest.Server
	responses []string
	calls     int
	lastBody  map[string]interface{}
}

func newScriptedLLM(t *testing.T, responses ...string) *scriptedLLM {
	s := &scriptedLLM{t: t, responses: responses}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s.lastBody))
		require.Less(t, s.calls, len(s.responses), "llm called more times than scripted")

		content := s.responses[s.calls]
		s.calls++
		payload := map[string]interface{}{
			"id": fmt.Sprintf("resp-%d", s.calls),
			"choices": []map[string]interface{}{
				{"index": 0, "message": map[string]interface{}{"role": "assistant", "content": content}},
			},
			"usage": map[string]interface{}{
				"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15,
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(payload))
	}))
	t.Cleanup(s.server.Close)
	return s
}

type fixture struct {
	store  *store.Store
	engine *Engine
	agent  *store.Agent
}

// newFixture wires a full engine over in-memory sqlite, the built-in tools
// and the scripted LLM, with every built-in assigned to the agent.
func newFixture(t *testing.T, maxIteration int, script *scriptedLLM) *fixture {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, "sqlite")
	require.NoError(t, err)

	ctx := context.Background()
	llmRecord, err := st.CreateLLM(ctx, &store.LLMRecord{
		Name:     "scripted",
		Endpoint: script.server.URL,
		Model:    "test-model",
		Protocol: string(llm.ProtocolOpenAICompatible),
	})
	require.NoError(t, err)

	agent, err := st.CreateAgent(ctx, &store.Agent{
		Name:         "tester",
		LLMID:        llmRecord.ID,
		MaxIteration: maxIteration,
	})
	require.NoError(t, err)

	tools := tool.NewRegistry()
	require.NoError(t, tools.Discover())
	for _, def := range tools.List() {
		require.NoError(t, st.AssignTool(ctx, agent.ID, def.Name))
	}

	eng := New(st, llm.NewRegistry(), tools, tool.NewLocalExecutor(tools), 30)
	return &fixture{store: st, engine: eng, agent: agent}
}

func (f *fixture) createTask(t *testing.T, message string) *store.Task {
	task, err := f.store.CreateTask(context.Background(), &store.Task{
		AgentID:      f.agent.ID,
		User:         "u1",
		UserMessage:  message,
		MaxIteration: f.agent.MaxIteration,
	})
	require.NoError(t, err)
	return task
}

func (f *fixture) run(t *testing.T, taskID string) []Event {
	var events []Event
	err := f.engine.RunTask(context.Background(), taskID, func(event Event) {
		events = append(events, event)
	})
	require.NoError(t, err)
	return events
}

func callToolEnvelope(name string, args map[string]interface{}) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"observe": "state observed",
		"thought": "calling " + name,
		"action": map[string]interface{}{
			"result": map[string]interface{}{
				"action_type": "CALL_TOOL",
				"output": map[string]interface{}{
					"tool_calls": []map[string]interface{}{
						{"function": map[string]interface{}{"name": name, "arguments": args}},
					},
				},
			},
		},
	})
	return string(raw)
}

func answerEnvelope(answer string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"observe": "result available",
		"thought": "done",
		"action": map[string]interface{}{
			"result": map[string]interface{}{
				"action_type": "ANSWER",
				"output":      map[string]interface{}{"answer": answer},
			},
		},
	})
	return string(raw)
}

func TestRunTaskToolChainCompletes(t *testing.T) {
	script := newScriptedLLM(t,
		callToolEnvelope("add", map[string]interface{}{"a": 3, "b": 5}),
		callToolEnvelope("multiply", map[string]interface{}{"a": 8, "b": 2}),
		answerEnvelope("16"),
	)
	f := newFixture(t, 10, script)
	task := f.createTask(t, "compute (3+5)*2")

	events := f.run(t, task.TaskID)

	final, err := f.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
	assert.Equal(t, "16", final.Answer)
	assert.Equal(t, 3, final.Iteration)
	assert.Equal(t, 45, final.Totals.TotalTokens)

	recursions, err := f.store.ListRecursions(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, recursions, 3)
	sum := 0
	for i, recursion := range recursions {
		assert.Equal(t, i, recursion.IterationIndex)
		assert.Equal(t, store.RecursionStatusDone, recursion.Status)
		sum += recursion.Tokens.TotalTokens
	}
	assert.Equal(t, final.Totals.TotalTokens, sum)

	first := recursions[0].ToolCallResults
	require.Len(t, first, 1)
	assert.Equal(t, true, first[0]["success"])
	assert.Equal(t, float64(8), first[0]["result"])

	types := eventTypes(events)
	assert.Equal(t, EventRecursionStart, types[0])
	assert.Contains(t, types, EventToolCall)
	assert.Equal(t, EventTaskComplete, types[len(types)-1])
}

func TestRunTaskReplanAfterToolError(t *testing.T) {
	script := newScriptedLLM(t,
		callToolEnvelope("divide", map[string]interface{}{"a": 10, "b": 0}),
		`{"observe":"division failed","thought":"replan","action":{"result":{"action_type":"RE_PLAN","output":{"plan":[{"step_id":"s1","description":"divide by a safe value"}]}}}}`,
		callToolEnvelope("divide", map[string]interface{}{"a": 10, "b": 2}),
		answerEnvelope("5"),
	)
	f := newFixture(t, 10, script)
	task := f.createTask(t, "compute 10/0, recover")

	events := f.run(t, task.TaskID)

	recursions, err := f.store.ListRecursions(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, recursions, 4)

	failed := recursions[0].ToolCallResults
	require.Len(t, failed, 1)
	assert.Equal(t, false, failed[0]["success"])
	assert.Contains(t, failed[0]["error"], "division by zero")
	assert.Equal(t, store.RecursionStatusDone, recursions[0].Status)

	steps, err := f.store.ListPlanSteps(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "s1", steps[0].StepID)

	final, err := f.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
	assert.Equal(t, "5", final.Answer)

	assert.Contains(t, eventTypes(events), EventPlanUpdate)
}

func TestRunTaskClarifyPausesAndResumes(t *testing.T) {
	script := newScriptedLLM(t,
		`{"observe":"ambiguous","thought":"need the city","action":{"result":{"action_type":"CLARIFY","output":{"question":"which city?"}}}}`,
		answerEnvelope("Sunny in Tokyo"),
	)
	f := newFixture(t, 10, script)
	task := f.createTask(t, "what's the weather?")
	ctx := context.Background()

	f.run(t, task.TaskID)

	paused, err := f.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusWaitingInput, paused.Status)

	require.NoError(t, f.engine.ResumeTask(ctx, task.TaskID, "Tokyo"))

	last, err := f.store.LastRecursion(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "Tokyo", last.ActionOutput["reply"])
	assert.Equal(t, "which city?", last.ActionOutput["question"])

	f.run(t, task.TaskID)

	final, err := f.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
	assert.Equal(t, "Sunny in Tokyo", final.Answer)
}

func TestRunTaskIterationBudgetExhausted(t *testing.T) {
	script := newScriptedLLM(t,
		callToolEnvelope("current_time", map[string]interface{}{}),
		callToolEnvelope("current_time", map[string]interface{}{}),
	)
	f := newFixture(t, 2, script)
	task := f.createTask(t, "loop forever")

	events := f.run(t, task.TaskID)

	final, err := f.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	assert.Equal(t, "Maximum iteration reached", final.ErrorLog)
	assert.Equal(t, 2, final.Iteration)

	recursions, err := f.store.ListRecursions(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Len(t, recursions, 2)
	for _, recursion := range recursions {
		assert.Equal(t, store.RecursionStatusDone, recursion.Status)
	}

	types := eventTypes(events)
	assert.Equal(t, EventError, types[len(types)-1])
	assert.NotContains(t, types, EventTaskComplete)
}

func TestRunTaskZeroIterationBudget(t *testing.T) {
	script := newScriptedLLM(t)
	f := newFixture(t, 10, script)

	task, err := f.store.CreateTask(context.Background(), &store.Task{
		AgentID:     f.agent.ID,
		User:        "u1",
		UserMessage: "anything",
	})
	require.NoError(t, err)

	f.run(t, task.TaskID)

	final, err := f.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	assert.Equal(t, "Maximum iteration reached", final.ErrorLog)

	recursions, err := f.store.ListRecursions(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Empty(t, recursions)
	assert.Zero(t, script.calls)
}

func TestRunTaskEmptyResponseFails(t *testing.T) {
	script := newScriptedLLM(t, "")
	f := newFixture(t, 10, script)
	task := f.createTask(t, "anything")

	f.run(t, task.TaskID)

	final, err := f.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	assert.Contains(t, final.ErrorLog, "empty response")

	last, err := f.store.LastRecursion(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.RecursionStatusError, last.Status)
}

func TestRunTaskDisallowedToolRecordedNotFatal(t *testing.T) {
	script := newScriptedLLM(t,
		callToolEnvelope("web_request", map[string]interface{}{"url": "https://example.com"}),
		answerEnvelope("could not fetch"),
	)
	f := newFixture(t, 10, script)
	ctx := context.Background()

	// An agent that may only add.
	restricted, err := f.store.CreateAgent(ctx, &store.Agent{Name: "restricted", LLMID: f.agent.LLMID, MaxIteration: 10})
	require.NoError(t, err)
	require.NoError(t, f.store.AssignTool(ctx, restricted.ID, "add"))

	task, err := f.store.CreateTask(ctx, &store.Task{
		AgentID:      restricted.ID,
		User:         "u1",
		UserMessage:  "fetch a page",
		MaxIteration: 10,
	})
	require.NoError(t, err)

	f.run(t, task.TaskID)

	recursions, err := f.store.ListRecursions(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, recursions, 2)
	results := recursions[0].ToolCallResults
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0]["success"])
	assert.Equal(t, "tool not allowed: web_request", results[0]["error"])

	final, err := f.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusCompleted, final.Status)
}

func TestRunTaskNativeToolCallsRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{
					"role":    "assistant",
					"content": "",
					"tool_calls": []map[string]interface{}{
						{"id": "x", "type": "function", "function": map[string]interface{}{"name": "add", "arguments": "{}"}},
					},
				}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	}))
	defer server.Close()

	script := &scriptedLLM{server: server}
	f := newFixture(t, 10, script)
	task := f.createTask(t, "anything")

	f.run(t, task.TaskID)

	final, err := f.store.GetTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskStatusFailed, final.Status)
	assert.Contains(t, final.ErrorLog, "native tool calls")
}

func TestRunTaskWireContract(t *testing.T) {
	script := newScriptedLLM(t, answerEnvelope("done"))
	f := newFixture(t, 10, script)
	task := f.createTask(t, "say done")

	f.run(t, task.TaskID)

	messages, ok := script.lastBody["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, messages, 2)

	first := messages[0].(map[string]interface{})
	assert.Equal(t, "user", first["role"])
	assert.Equal(t, "say done", first["content"])

	second := messages[1].(map[string]interface{})
	assert.Equal(t, "system", second["role"])
	assert.Contains(t, second["content"], `"task_id"`)
	assert.NotContains(t, second["content"], statePlaceholder)

	_, hasTools := script.lastBody["tools"]
	assert.False(t, hasTools)
}

func TestResumeTaskRejectsTerminal(t *testing.T) {
	script := newScriptedLLM(t, answerEnvelope("done"))
	f := newFixture(t, 10, script)
	task := f.createTask(t, "finish quickly")

	f.run(t, task.TaskID)

	err := f.engine.ResumeTask(context.Background(), task.TaskID, "more")
	var validationErr *store.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func eventTypes(events []Event) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}
