// Package engine implements the recursion loop: one LLM call per iteration,
// a typed action dispatch, and the persistence that makes every iteration
// replayable.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/pivotagent/pivot/pkg/llm"
	"github.com/pivotagent/pivot/pkg/observability"
	"github.com/pivotagent/pivot/pkg/state"
	"github.com/pivotagent/pivot/pkg/store"
	"github.com/pivotagent/pivot/pkg/tool"
)

const maxIterationMessage = "Maximum iteration reached"

// run tracks one in-flight task so transports can cancel it on disconnect.
type run struct {
	cancel    context.CancelFunc
	mu        sync.Mutex
	cancelled bool
}

func (r *run) markCancelled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Engine drives tasks from pending to a terminal status.
type Engine struct {
	store    *store.Store
	llms     *llm.Registry
	tools    *tool.Registry
	executor tool.Executor

	llmTimeoutSeconds int

	mu   sync.Mutex
	runs map[string]*run
}

func New(st *store.Store, llms *llm.Registry, tools *tool.Registry, executor tool.Executor, llmTimeoutSeconds int) *Engine {
	return &Engine{
		store:             st,
		llms:              llms,
		tools:             tools,
		executor:          executor,
		llmTimeoutSeconds: llmTimeoutSeconds,
		runs:              make(map[string]*run),
	}
}

// Cancel aborts a running task. Returns false when the task is not running
// in this process.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	active, ok := e.runs[taskID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	active.markCancelled()
	return true
}

func (e *Engine) register(taskID string, active *run) {
	e.mu.Lock()
	e.runs[taskID] = active
	e.mu.Unlock()
}

func (e *Engine) unregister(taskID string) {
	e.mu.Lock()
	delete(e.runs, taskID)
	e.mu.Unlock()
}

// ResumeTask feeds a user reply back into a task paused by CLARIFY. The reply
// lands in the clarifying recursion's action output so the next iteration
// sees it in last_recursion, and the task flips back to running.
func (e *Engine) ResumeTask(ctx context.Context, taskID, reply string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if store.IsTerminalTaskStatus(task.Status) {
		return &store.ValidationError{Message: fmt.Sprintf("task %q already %s", taskID, task.Status)}
	}
	if task.Status != store.TaskStatusWaitingInput {
		return &store.ValidationError{Message: fmt.Sprintf("task %q is not waiting for input", taskID)}
	}

	last, err := e.store.LastRecursion(ctx, taskID)
	if err != nil {
		return err
	}
	if last.ActionType != store.ActionClarify {
		return &store.ValidationError{Message: fmt.Sprintf("task %q has no pending clarification", taskID)}
	}

	if last.ActionOutput == nil {
		last.ActionOutput = map[string]interface{}{}
	}
	last.ActionOutput["reply"] = reply
	if _, err := e.store.UpdateRecursion(ctx, last); err != nil {
		return err
	}

	task.Status = store.TaskStatusRunning
	_, err = e.store.UpdateTask(ctx, task)
	return err
}

// RunTask executes the recursion loop until the task reaches a terminal
// status or pauses on CLARIFY. Events are delivered to emit in order.
func (e *Engine) RunTask(ctx context.Context, taskID string, emit Emitter) error {
	started := time.Now()
	ctx, span := observability.GetTracer("engine").Start(ctx, observability.SpanTaskRun)
	span.SetAttributes(attribute.String(observability.AttrTaskID, taskID))
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	active := &run{cancel: cancel}
	e.register(taskID, active)
	defer func() {
		e.unregister(taskID)
		cancel()
	}()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	recursionsRun, err := e.loop(ctx, task, active, emit)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordTaskRun(ctx, time.Since(started), recursionsRun, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// loop is the iteration driver. It returns the number of recursions executed
// in this call and a non-nil error only for infrastructure failures; task
// level failures terminate the task and return nil.
func (e *Engine) loop(ctx context.Context, task *store.Task, active *run, emit Emitter) (int, error) {
	if store.IsTerminalTaskStatus(task.Status) {
		return 0, &store.ValidationError{Message: fmt.Sprintf("task %q already %s", task.TaskID, task.Status)}
	}

	agent, err := e.store.GetAgent(ctx, task.AgentID)
	if err != nil {
		return 0, err
	}
	llmRecord, err := e.store.GetLLM(ctx, agent.LLMID)
	if err != nil {
		return 0, err
	}
	client, err := e.llms.Resolve(e.llmConfig(llmRecord))
	if err != nil {
		return 0, err
	}
	allowedNames, err := e.store.ListAgentTools(ctx, task.AgentID)
	if err != nil {
		return 0, err
	}
	allowed := make(map[string]bool, len(allowedNames))
	for _, name := range allowedNames {
		allowed[name] = true
	}

	if task.Status != store.TaskStatusRunning {
		task.Status = store.TaskStatusRunning
		if task, err = e.store.UpdateTask(ctx, task); err != nil {
			return 0, err
		}
	}

	recursionsRun := 0
	for task.Iteration < task.MaxIteration {
		if e.checkCancelled(ctx, active) {
			return recursionsRun, e.cancelTask(task)
		}

		recursion, err := e.store.CreateRecursion(ctx, &store.Recursion{
			TaskID:         task.TaskID,
			IterationIndex: task.Iteration,
		})
		if err != nil {
			return recursionsRun, err
		}
		recursionsRun++

		done, err := e.runRecursion(ctx, task, recursion, client, allowed, active, emit)
		if err != nil || done {
			return recursionsRun, err
		}

		if task, err = e.store.GetTask(ctx, task.TaskID); err != nil {
			return recursionsRun, err
		}
	}

	// The loop only falls through when the iteration budget is spent.
	return recursionsRun, e.failTask(ctx, task, nil, maxIterationMessage, emit)
}

// runRecursion executes one iteration end to end. done reports that the task
// reached a terminal status or paused on CLARIFY.
func (e *Engine) runRecursion(ctx context.Context, task *store.Task, recursion *store.Recursion,
	client llm.Client, allowed map[string]bool, active *run, emit Emitter) (done bool, err error) {

	ctx, span := observability.GetTracer("engine").Start(ctx, observability.SpanRecursion)
	span.SetAttributes(
		attribute.String(observability.AttrTaskID, task.TaskID),
		attribute.Int(observability.AttrTaskIteration, recursion.IterationIndex),
	)
	defer span.End()

	emit(newEvent(EventRecursionStart, task.TaskID, recursion.TraceID, recursion.IterationIndex))

	stateJSON, err := e.snapshotState(ctx, task, recursion)
	if err != nil {
		return false, err
	}

	messages := []llm.Message{
		{Role: llm.RoleUser, Content: task.UserMessage},
		{Role: llm.RoleSystem, Content: RenderPrompt(stateJSON, e.tools.Catalog())},
	}

	response, err := client.Chat(ctx, messages, llm.Options{})
	if err != nil {
		if e.checkCancelled(ctx, active) || errors.Is(err, context.Canceled) {
			return true, e.cancelTask(task)
		}
		return true, e.failTask(ctx, task, recursion, err.Error(), emit)
	}
	e.accumulateTokens(task, recursion, response.Usage)

	if len(response.Choices) > 0 && len(response.Choices[0].Message.ToolCalls) > 0 {
		return true, e.failTask(ctx, task, recursion,
			"llm returned native tool calls; tools must go through CALL_TOOL", emit)
	}

	envelope, err := ParseEnvelope(response.Content())
	if err != nil {
		return true, e.failTask(ctx, task, recursion, err.Error(), emit)
	}

	recursion.Observe = envelope.Observe
	recursion.Thought = envelope.Thought
	recursion.Abstract = envelope.Abstract
	recursion.ActionType = envelope.Action.Result.ActionType
	recursion.ActionOutput = envelope.Action.Result.Output
	recursion.PlanStepID = stringField(recursion.ActionOutput, "plan_step_id")

	e.emitDelta(emit, EventObserve, task, recursion, envelope.Observe)
	e.emitDelta(emit, EventThought, task, recursion, envelope.Thought)
	e.emitDelta(emit, EventAbstract, task, recursion, envelope.Abstract)

	actionEvent := newEvent(EventAction, task.TaskID, recursion.TraceID, recursion.IterationIndex)
	actionEvent.Data = map[string]interface{}{
		"action_type": recursion.ActionType,
		"output":      recursion.ActionOutput,
	}
	emit(actionEvent)

	if recursion.ActionType == "" {
		return true, e.failTask(ctx, task, recursion, "action has no action_type", emit)
	}

	switch recursion.ActionType {
	case store.ActionCallTool:
		if err := e.dispatchToolCalls(ctx, task, recursion, allowed, emit); err != nil {
			return true, e.failTask(ctx, task, recursion, err.Error(), emit)
		}

	case store.ActionRePlan:
		if err := e.applyPlan(ctx, task, recursion, emit); err != nil {
			return true, e.failTask(ctx, task, recursion, err.Error(), emit)
		}

	case store.ActionAnswer:
		return true, e.completeTask(ctx, task, recursion, emit)

	case store.ActionClarify:
		return true, e.pauseTask(ctx, task, recursion)

	case store.ActionReflect:
		recursion.ShortTermMemory = stringField(recursion.ActionOutput, "memory")

	default:
		return true, e.failTask(ctx, task, recursion,
			fmt.Sprintf("unknown action type %q", recursion.ActionType), emit)
	}

	return false, e.finishRecursion(ctx, task, recursion)
}

// snapshotState assembles, persists and returns the state machine JSON for
// the current recursion.
func (e *Engine) snapshotState(ctx context.Context, task *store.Task, recursion *store.Recursion) (string, error) {
	recursions, err := e.store.ListRecursions(ctx, task.TaskID)
	if err != nil {
		return "", err
	}
	planSteps, err := e.store.ListPlanSteps(ctx, task.TaskID)
	if err != nil {
		return "", err
	}

	var constraints, longTermRefs []string
	if task.SessionID != "" {
		memory, err := e.store.GetSessionMemory(ctx, task.SessionID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if memory != nil {
			for _, item := range memory.MemoryItems {
				if item.Type == "constraint" {
					constraints = append(constraints, item.Content)
				}
				longTermRefs = append(longTermRefs, fmt.Sprintf("memory:%d", item.ID))
			}
		}
	}

	raw, err := state.Assemble(state.Input{
		Task:         task,
		Current:      recursion,
		Recursions:   recursions,
		PlanSteps:    planSteps,
		Constraints:  constraints,
		LongTermRefs: longTermRefs,
	}).Encode()
	if err != nil {
		return "", err
	}

	err = e.store.SaveRecursionState(ctx, &store.RecursionState{
		TraceID:        recursion.TraceID,
		TaskID:         task.TaskID,
		IterationIndex: recursion.IterationIndex,
		State:          string(raw),
	})
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// dispatchToolCalls runs every requested tool. Individual tool failures are
// recorded, not fatal; the model sees them in the next state snapshot.
func (e *Engine) dispatchToolCalls(ctx context.Context, task *store.Task, recursion *store.Recursion,
	allowed map[string]bool, emit Emitter) error {

	calls, err := extractToolCalls(recursion.ActionOutput)
	if err != nil {
		return err
	}

	results := make([]map[string]interface{}, 0, len(calls))
	for _, call := range calls {
		result := tool.Result{
			ToolCallID: call.id,
			Name:       call.name,
			Arguments:  call.arguments,
		}
		if !allowed[call.name] {
			result.Error = "tool not allowed: " + call.name
		} else {
			value, err := e.executor.Execute(ctx, call.name, call.arguments)
			if err != nil {
				result.Error = err.Error()
				slog.Warn("tool call failed", "task_id", task.TaskID, "tool", call.name, "error", err)
			} else {
				result.Result = value
				result.Success = true
			}
		}
		results = append(results, toolResultMap(result))
	}
	recursion.ToolCallResults = results

	event := newEvent(EventToolCall, task.TaskID, recursion.TraceID, recursion.IterationIndex)
	event.Data = map[string]interface{}{
		"tool_calls":   recursion.ActionOutput["tool_calls"],
		"tool_results": results,
	}
	emit(event)
	return nil
}

// applyPlan replaces the task plan wholesale with the steps from a RE_PLAN
// output. New steps always start pending.
func (e *Engine) applyPlan(ctx context.Context, task *store.Task, recursion *store.Recursion, emit Emitter) error {
	rawPlan, ok := recursion.ActionOutput["plan"].([]interface{})
	if !ok {
		return fmt.Errorf("RE_PLAN output has no plan array")
	}

	steps := make([]store.PlanStep, 0, len(rawPlan))
	for i, rawStep := range rawPlan {
		stepMap, ok := rawStep.(map[string]interface{})
		if !ok {
			return fmt.Errorf("plan step %d is not an object", i)
		}
		stepID := stringField(stepMap, "step_id")
		if stepID == "" {
			stepID = fmt.Sprintf("step_%d", i+1)
		}
		steps = append(steps, store.PlanStep{
			TaskID:      task.TaskID,
			StepID:      stepID,
			Description: stringField(stepMap, "description"),
			Status:      store.PlanStepStatusPending,
		})
	}

	if err := e.store.ReplacePlan(ctx, task.TaskID, steps); err != nil {
		return err
	}

	event := newEvent(EventPlanUpdate, task.TaskID, recursion.TraceID, recursion.IterationIndex)
	event.Data = map[string]interface{}{"plan": recursion.ActionOutput["plan"]}
	emit(event)
	return nil
}

// finishRecursion persists a completed non-terminal recursion and advances
// the task iteration counter.
func (e *Engine) finishRecursion(ctx context.Context, task *store.Task, recursion *store.Recursion) error {
	recursion.Status = store.RecursionStatusDone
	if _, err := e.store.UpdateRecursion(ctx, recursion); err != nil {
		return err
	}

	if recursion.PlanStepID != "" {
		status := store.PlanStepStatusDone
		for _, result := range recursion.ToolCallResults {
			if success, ok := result["success"].(bool); ok && !success {
				status = store.PlanStepStatusError
			}
		}
		if err := e.store.UpdatePlanStepStatus(ctx, task.TaskID, recursion.PlanStepID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	task.Iteration = recursion.IterationIndex + 1
	_, err := e.store.UpdateTask(ctx, task)
	return err
}

func (e *Engine) completeTask(ctx context.Context, task *store.Task, recursion *store.Recursion, emit Emitter) error {
	recursion.Status = store.RecursionStatusDone
	if _, err := e.store.UpdateRecursion(ctx, recursion); err != nil {
		return err
	}

	task.Iteration = recursion.IterationIndex + 1
	task.Status = store.TaskStatusCompleted
	task.Answer = stringField(recursion.ActionOutput, "answer")
	if _, err := e.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	answer := newEvent(EventAnswer, task.TaskID, recursion.TraceID, recursion.IterationIndex)
	answer.Delta = task.Answer
	answer.Tokens = &recursion.Tokens
	emit(answer)

	complete := newEvent(EventTaskComplete, task.TaskID, recursion.TraceID, recursion.IterationIndex)
	complete.Data = map[string]interface{}{"status": task.Status, "answer": task.Answer}
	complete.TotalTokens = task.Totals.TotalTokens
	emit(complete)
	return nil
}

// pauseTask stops the loop on CLARIFY without touching the iteration budget
// already consumed. The question stays in the recursion's action output.
func (e *Engine) pauseTask(ctx context.Context, task *store.Task, recursion *store.Recursion) error {
	recursion.Status = store.RecursionStatusDone
	if _, err := e.store.UpdateRecursion(ctx, recursion); err != nil {
		return err
	}

	task.Iteration = recursion.IterationIndex + 1
	task.Status = store.TaskStatusWaitingInput
	_, err := e.store.UpdateTask(ctx, task)
	return err
}

// failTask moves the task to failed, records the error log, and emits the
// error event. recursion may be nil when no recursion was created.
func (e *Engine) failTask(ctx context.Context, task *store.Task, recursion *store.Recursion, message string, emit Emitter) error {
	traceID := ""
	iteration := task.Iteration
	if recursion != nil {
		traceID = recursion.TraceID
		iteration = recursion.IterationIndex
		recursion.Status = store.RecursionStatusError
		recursion.ErrorLog = message
		if _, err := e.store.UpdateRecursion(ctx, recursion); err != nil {
			return err
		}
	}

	task.Status = store.TaskStatusFailed
	task.ErrorLog = message
	if _, err := e.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	event := newEvent(EventError, task.TaskID, traceID, iteration)
	event.Data = map[string]interface{}{"error": message}
	emit(event)
	return nil
}

// cancelTask moves the task to cancelled. No error event is emitted; the
// client is gone.
func (e *Engine) cancelTask(task *store.Task) error {
	// The request context is dead, so persistence uses a fresh one.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	task.Status = store.TaskStatusCancelled
	_, err := e.store.UpdateTask(ctx, task)
	return err
}

func (e *Engine) checkCancelled(ctx context.Context, active *run) bool {
	if active.isCancelled() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (e *Engine) accumulateTokens(task *store.Task, recursion *store.Recursion, usage llm.Usage) {
	recursion.Tokens = store.TokenTotals{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
	}
	task.Totals.PromptTokens += usage.PromptTokens
	task.Totals.CompletionTokens += usage.CompletionTokens
	task.Totals.TotalTokens += usage.TotalTokens
}

func (e *Engine) emitDelta(emit Emitter, eventType string, task *store.Task, recursion *store.Recursion, delta string) {
	if delta == "" {
		return
	}
	event := newEvent(eventType, task.TaskID, recursion.TraceID, recursion.IterationIndex)
	event.Delta = delta
	emit(event)
}

func (e *Engine) llmConfig(record *store.LLMRecord) llm.Config {
	return llm.Config{
		ID:             record.ID,
		Name:           record.Name,
		Endpoint:       record.Endpoint,
		Model:          record.Model,
		APIKey:         record.APIKey,
		Protocol:       llm.Protocol(record.Protocol),
		Streaming:      record.Streaming,
		ExtraConfig:    record.ExtraConfig,
		TimeoutSeconds: e.llmTimeoutSeconds,
	}
}

// toolCall is one parsed entry from a CALL_TOOL output.
type toolCall struct {
	id        string
	name      string
	arguments map[string]interface{}
}

// extractToolCalls parses output.tool_calls, synthesizing missing ids and
// accepting arguments as either an object or a JSON-encoded string. The
// synthesized ids are written back so the next state snapshot can merge
// results by id.
func extractToolCalls(output map[string]interface{}) ([]toolCall, error) {
	rawCalls, ok := output["tool_calls"].([]interface{})
	if !ok || len(rawCalls) == 0 {
		return nil, fmt.Errorf("CALL_TOOL output has no tool_calls array")
	}

	calls := make([]toolCall, 0, len(rawCalls))
	for i, rawCall := range rawCalls {
		callMap, ok := rawCall.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tool call %d is not an object", i)
		}
		function, ok := callMap["function"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("tool call %d has no function object", i)
		}
		name := stringField(function, "name")
		if name == "" {
			return nil, fmt.Errorf("tool call %d has no function name", i)
		}

		args, err := parseArguments(function["arguments"])
		if err != nil {
			return nil, fmt.Errorf("tool call %d: %w", i, err)
		}

		id := stringField(callMap, "tool_call_id")
		if id == "" {
			id = "call_" + uuid.NewString()
			callMap["tool_call_id"] = id
		}

		calls = append(calls, toolCall{id: id, name: name, arguments: args})
	}
	return calls, nil
}

func parseArguments(raw interface{}) (map[string]interface{}, error) {
	switch value := raw.(type) {
	case nil:
		return map[string]interface{}{}, nil
	case map[string]interface{}:
		return value, nil
	case string:
		if strings.TrimSpace(value) == "" {
			return map[string]interface{}{}, nil
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(value), &args); err != nil {
			return nil, fmt.Errorf("arguments string is not valid JSON: %w", err)
		}
		return args, nil
	default:
		return nil, fmt.Errorf("arguments must be an object or JSON string")
	}
}

func toolResultMap(result tool.Result) map[string]interface{} {
	out := map[string]interface{}{
		"tool_call_id": result.ToolCallID,
		"name":         result.Name,
		"success":      result.Success,
	}
	if result.Arguments != nil {
		out["arguments"] = result.Arguments
	}
	if result.Result != nil {
		out["result"] = result.Result
	}
	if result.Error != "" {
		out["error"] = result.Error
	}
	return out
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	value, _ := m[key].(string)
	return value
}
