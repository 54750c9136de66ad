package server

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pivotagent/pivot/pkg/auth"
	"github.com/pivotagent/pivot/pkg/engine"
	"github.com/pivotagent/pivot/pkg/llm"
	"github.com/pivotagent/pivot/pkg/memory"
	"github.com/pivotagent/pivot/pkg/store"
	"github.com/pivotagent/pivot/pkg/tool"
)

const testSecret = "server-test-secret"

// scriptedLLM serves canned assistant replies over the OpenAI wire shape,
// one per request, in order.
type scriptedLLM struct {
	server    *httptest.Server
	responses []string
	calls     int
}

func newScriptedLLM(t *testing.T, responses ...string) *scriptedLLM {
	s := &scriptedLLM{responses: responses}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Less(t, s.calls, len(s.responses), "llm called more times than scripted")
		content := s.responses[s.calls]
		s.calls++
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"role": "assistant", "content": content}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(s.server.Close)
	return s
}

type fixture struct {
	store  *store.Store
	agent  *store.Agent
	llmID  string
	server *httptest.Server
}

func newFixture(t *testing.T, llmEndpoint string) *fixture {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st, err := store.NewWithDB(db, "sqlite")
	require.NoError(t, err)

	ctx := context.Background()
	llmRecord, err := st.CreateLLM(ctx, &store.LLMRecord{
		Name:     "scripted",
		Endpoint: llmEndpoint,
		Model:    "test-model",
		Protocol: string(llm.ProtocolOpenAICompatible),
	})
	require.NoError(t, err)

	agent, err := st.CreateAgent(ctx, &store.Agent{
		Name:         "tester",
		LLMID:        llmRecord.ID,
		MaxIteration: 10,
	})
	require.NoError(t, err)

	tools := tool.NewRegistry()
	require.NoError(t, tools.Discover())
	for _, def := range tools.List() {
		require.NoError(t, st.AssignTool(ctx, agent.ID, def.Name))
	}

	llms := llm.NewRegistry()
	eng := engine.New(st, llms, tools, tool.NewLocalExecutor(tools), 30)
	validator, err := auth.NewJWTValidator(testSecret)
	require.NoError(t, err)

	s := New(st, eng, memory.NewService(st), llms, validator, Options{LLMTimeoutSeconds: 30})
	httpServer := httptest.NewServer(s.Router())
	t.Cleanup(httpServer.Close)

	return &fixture{store: st, agent: agent, llmID: llmRecord.ID, server: httpServer}
}

func bearerToken(t *testing.T, user string) string {
	t.Helper()
	token, err := jwt.NewBuilder().
		Subject(user).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	require.NoError(t, err)
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(testSecret)))
	require.NoError(t, err)
	return "Bearer " + string(signed)
}

func (f *fixture) request(t *testing.T, user, method, path string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", bearerToken(t, user))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func answerEnvelope(answer string) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"observe": "done",
		"thought": "answering",
		"action": map[string]interface{}{
			"result": map[string]interface{}{
				"action_type": "ANSWER",
				"output":      map[string]interface{}{"answer": answer},
			},
		},
	})
	return string(raw)
}

// readSSE collects the event payloads from one data-framed SSE body.
func readSSE(t *testing.T, resp *http.Response) []map[string]interface{} {
	t.Helper()
	var events []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func eventTypes(events []map[string]interface{}) []string {
	types := make([]string, 0, len(events))
	for _, event := range events {
		if kind, ok := event["type"].(string); ok {
			types = append(types, kind)
		}
	}
	return types
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	requests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/sessions"},
		{http.MethodGet, "/react/tasks/x"},
		{http.MethodPost, "/build/chat"},
	}
	for _, r := range requests {
		resp := f.request(t, "", r.method, r.path, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, r.path)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeResponse(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "u1", http.MethodPost, "/sessions", map[string]string{
		"agent_id": f.agent.ID,
		"subject":  "travel",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]interface{}
	decodeResponse(t, resp, &created)
	sessionID := created["session_id"].(string)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "travel", created["subject"])

	resp = f.request(t, "u1", http.MethodGet, "/sessions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []map[string]interface{}
	decodeResponse(t, resp, &listed)
	require.Len(t, listed, 1)

	// Another user cannot see or delete it.
	resp = f.request(t, "u2", http.MethodGet, "/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.request(t, "u2", http.MethodDelete, "/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.request(t, "u1", http.MethodDelete, "/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = f.request(t, "u1", http.MethodGet, "/sessions/"+sessionID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "u1", http.MethodPost, "/sessions", map[string]string{"agent_id": "nope"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestApplyMemoryDeltaEndpoint(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "u1", http.MethodPost, "/sessions", map[string]string{"agent_id": f.agent.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	decodeResponse(t, resp, &created)
	sessionID := created["session_id"].(string)

	resp = f.request(t, "u1", http.MethodPost, "/sessions/"+sessionID+"/memory", map[string]interface{}{
		"add": []map[string]interface{}{
			{"type": "preference", "content": "vegetarian"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessionMemory store.SessionMemory
	decodeResponse(t, resp, &sessionMemory)
	require.Len(t, sessionMemory.MemoryItems, 1)
	assert.Equal(t, 1, sessionMemory.MemoryItems[0].ID)
	assert.Equal(t, "preference", sessionMemory.MemoryItems[0].Type)
	assert.Equal(t, "vegetarian", sessionMemory.MemoryItems[0].Content)
	assert.Equal(t, 0.5, sessionMemory.MemoryItems[0].Confidence)

	resp = f.request(t, "u1", http.MethodGet, "/sessions/"+sessionID+"/memory", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeResponse(t, resp, &sessionMemory)
	require.Len(t, sessionMemory.MemoryItems, 1)
}

func TestReactChatStreamCompletesTask(t *testing.T) {
	script := newScriptedLLM(t, answerEnvelope("The answer is 42."))
	f := newFixture(t, script.server.URL)

	resp := f.request(t, "u1", http.MethodPost, "/sessions", map[string]string{"agent_id": f.agent.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	decodeResponse(t, resp, &created)
	sessionID := created["session_id"].(string)

	resp = f.request(t, "u1", http.MethodPost, "/react/chat/stream", map[string]string{
		"agent_id":   f.agent.ID,
		"session_id": sessionID,
		"message":    "what is the answer?",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readSSE(t, resp)
	types := eventTypes(events)
	require.NotEmpty(t, types)
	assert.Equal(t, "recursion_start", types[0])
	assert.Contains(t, types, "answer")
	assert.Equal(t, "task_complete", types[len(types)-1])

	last := events[len(events)-1]
	taskID := last["task_id"].(string)
	data := last["data"].(map[string]interface{})
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, "The answer is 42.", data["answer"])

	// The read API agrees with the stream.
	resp = f.request(t, "u1", http.MethodGet, "/react/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var task map[string]interface{}
	decodeResponse(t, resp, &task)
	assert.Equal(t, "completed", task["status"])
	assert.Equal(t, "The answer is 42.", task["answer"])

	resp = f.request(t, "u1", http.MethodGet, "/react/tasks/"+taskID+"/recursions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recursions []map[string]interface{}
	decodeResponse(t, resp, &recursions)
	require.Len(t, recursions, 1)
	assert.Equal(t, "ANSWER", recursions[0]["action_type"])

	resp = f.request(t, "u1", http.MethodGet, "/react/tasks/"+taskID+"/states/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Both turns land in the session history, and the conversation log grows.
	resp = f.request(t, "u1", http.MethodGet, "/sessions/"+sessionID+"/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history store.ChatHistory
	decodeResponse(t, resp, &history)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "user", history.Messages[0].Type)
	assert.Equal(t, "assistant", history.Messages[1].Type)

	resp = f.request(t, "u1", http.MethodGet, "/sessions/"+sessionID+"/memory", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sessionMemory store.SessionMemory
	decodeResponse(t, resp, &sessionMemory)
	require.Len(t, sessionMemory.Conversations, 1)
	assert.Equal(t, 1, sessionMemory.Conversations[0].TaskIndex)
}

func TestReactChatStreamRequiresMessage(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "u1", http.MethodPost, "/react/chat/stream", map[string]string{
		"agent_id": f.agent.ID,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReactChatStreamResumeTerminalTask(t *testing.T) {
	script := newScriptedLLM(t, answerEnvelope("done"))
	f := newFixture(t, script.server.URL)

	resp := f.request(t, "u1", http.MethodPost, "/react/chat/stream", map[string]string{
		"agent_id": f.agent.ID,
		"message":  "go",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp)
	taskID := events[len(events)-1]["task_id"].(string)

	resp = f.request(t, "u1", http.MethodPost, "/react/chat/stream", map[string]string{
		"task_id": taskID,
		"message": "more",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTaskHiddenFromOtherUsers(t *testing.T) {
	script := newScriptedLLM(t, answerEnvelope("done"))
	f := newFixture(t, script.server.URL)

	resp := f.request(t, "u1", http.MethodPost, "/react/chat/stream", map[string]string{
		"agent_id": f.agent.ID,
		"message":  "go",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readSSE(t, resp)
	taskID := events[len(events)-1]["task_id"].(string)

	resp = f.request(t, "u2", http.MethodGet, "/react/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReactChatStreamClientDisconnectCancelsTask(t *testing.T) {
	llmStarted := make(chan struct{})
	slowLLM := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The body must be drained before net/http starts watching the
		// connection for a client disconnect.
		_, _ = io.Copy(io.Discard, r.Body)
		close(llmStarted)
		<-r.Context().Done()
	}))
	t.Cleanup(slowLLM.Close)

	f := newFixture(t, slowLLM.URL)

	resp := f.request(t, "u1", http.MethodPost, "/sessions", map[string]string{"agent_id": f.agent.ID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created map[string]interface{}
	decodeResponse(t, resp, &created)
	sessionID := created["session_id"].(string)

	body, err := json.Marshal(map[string]string{
		"agent_id":   f.agent.ID,
		"session_id": sessionID,
		"message":    "go",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.server.URL+"/react/chat/stream", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", bearerToken(t, "u1"))
	req.Header.Set("Content-Type", "application/json")

	streamResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer streamResp.Body.Close()

	<-llmStarted
	cancel()

	// The engine notices the dead request and parks the task as cancelled.
	require.Eventually(t, func() bool {
		tasks, err := f.store.ListTasksBySession(context.Background(), sessionID)
		if err != nil || len(tasks) != 1 {
			return false
		}
		return tasks[0].Status == store.TaskStatusCancelled
	}, 5*time.Second, 20*time.Millisecond)

	tasks, err := f.store.ListTasksBySession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, tasks[0].ErrorLog)
}

func TestBuildChatMintsSession(t *testing.T) {
	reply := `{"response": "Built it.", "reason": "One scene suffices.",
		"agent": {"name": "Greeter", "description": "Greets.", "scenes": [{"name": "Hello", "description": "Say hi."}]}}`
	script := newScriptedLLM(t, reply, reply)
	f := newFixture(t, script.server.URL)

	resp := f.request(t, "u1", http.MethodPost, "/build/chat", map[string]string{
		"llm_id":  f.llmID,
		"content": "an agent that greets people",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var built buildChatResponse
	decodeResponse(t, resp, &built)
	assert.NotEmpty(t, built.SessionID)
	assert.Equal(t, "Built it.", built.Response)
	assert.Equal(t, "Greeter", built.Agent.Name)

	// A second turn on the same session reuses the rolling builder.
	resp = f.request(t, "u1", http.MethodPost, "/build/chat", map[string]string{
		"llm_id":     f.llmID,
		"session_id": built.SessionID,
		"content":    "make it friendlier",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second buildChatResponse
	decodeResponse(t, resp, &second)
	assert.Equal(t, built.SessionID, second.SessionID)
}

func TestBuildChatRequiresLLM(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "u1", http.MethodPost, "/build/chat", map[string]string{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreviewChatStreamValidation(t *testing.T) {
	f := newFixture(t, "http://localhost:1")

	resp := f.request(t, "u1", http.MethodPost, "/preview/chat/stream", map[string]interface{}{
		"message": "hi",
		"agent_detail": map[string]interface{}{
			"name": "empty", "description": "no scenes", "scenes": []interface{}{},
		},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPreviewChatStream(t *testing.T) {
	previewReply := "## Reason\nGreeting matched.\n## Response\nHello!\n" +
		"## Updated Scenes\n```json\n[{\"scene_name\":\"Greeting\",\"status\":\"done\"}]\n```\n" +
		"## Matched Connection\n```json\n{\"from\":\"Greeting\",\"to\":\"Ordering\"}\n```\n"

	streamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		chunk := map[string]interface{}{
			"choices": []map[string]interface{}{{"delta": map[string]string{"content": previewReply}}},
		}
		raw, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", raw)
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(streamServer.Close)

	f := newFixture(t, streamServer.URL)

	resp := f.request(t, "u1", http.MethodPost, "/preview/chat/stream", map[string]interface{}{
		"llm_id":  f.llmID,
		"message": "hello there",
		"agent_detail": map[string]interface{}{
			"name":        "Barista",
			"description": "Takes orders.",
			"scenes": []map[string]interface{}{
				{"name": "Greeting", "description": "Say hi.", "status": "active"},
				{"name": "Ordering", "description": "Take the order."},
			},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp)
	types := eventTypes(events)
	assert.Contains(t, types, "reason")
	assert.Contains(t, types, "response")
	assert.Contains(t, types, "updated_scenes")
	assert.Contains(t, types, "matched_connection")

	for _, event := range events {
		if event["type"] != "updated_scenes" {
			continue
		}
		data := event["data"].(map[string]interface{})
		scenes := data["scenes"].([]interface{})
		first := scenes[0].(map[string]interface{})
		assert.Equal(t, "done", first["status"])
	}
}
