package state

import (
	"time"

	"github.com/pivotagent/pivot/pkg/store"
)

// Input carries everything the assembler reads. Recursions must be in
// iteration order and PlanSteps in step order; Current is the recursion being
// executed now and is excluded from the history views.
type Input struct {
	Task         *store.Task
	Current      *store.Recursion
	Recursions   []*store.Recursion
	PlanSteps    []store.PlanStep
	Constraints  []string
	LongTermRefs []string
}

// Assemble rebuilds the full state machine JSON from persisted rows. This is
// the single source of truth re-injected into every LLM call.
func Assemble(in Input) *ReactContext {
	task := in.Task

	c := &ReactContext{
		Global: GlobalState{
			TaskID:       task.TaskID,
			Iteration:    task.Iteration,
			MaxIteration: task.MaxIteration,
			Status:       task.Status,
			CreatedAt:    task.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:    task.UpdatedAt.UTC().Format(time.RFC3339),
		},
		Context: ContextBody{
			Objective:   task.Objective,
			Constraints: emptyIfNil(in.Constraints),
			Plan:        []PlanStepState{},
			Recursions:  []RecursionSummary{},
			Memory: MemoryState{
				ShortTerm:    []ShortTermNote{},
				LongTermRefs: emptyIfNil(in.LongTermRefs),
			},
		},
	}
	if task.Objective == "" {
		c.Context.Objective = task.UserMessage
	}

	if in.Current != nil {
		c.CurrentRecursion = CurrentRecursion{
			TraceID:        in.Current.TraceID,
			IterationIndex: in.Current.IterationIndex,
			Status:         in.Current.Status,
		}
	}

	stepIndex := make(map[string]int, len(in.PlanSteps))
	for i, step := range in.PlanSteps {
		c.Context.Plan = append(c.Context.Plan, PlanStepState{
			StepID:      step.StepID,
			Description: step.Description,
			Status:      step.Status,
			Recursions:  []RecursionSummary{},
		})
		stepIndex[step.StepID] = i
	}

	var last *store.Recursion
	for _, recursion := range in.Recursions {
		if in.Current != nil && recursion.TraceID == in.Current.TraceID {
			continue
		}

		summary := RecursionSummary{
			TraceID:  recursion.TraceID,
			Status:   recursion.Status,
			Result:   recursion.ActionOutput,
			ErrorLog: recursion.ErrorLog,
		}

		// Routing rule: a recursion with a plan step goes into that step;
		// everything else is orphaned forever, even if a later plan reuses
		// the step id.
		if i, ok := stepIndex[recursion.PlanStepID]; ok && recursion.PlanStepID != "" {
			c.Context.Plan[i].Recursions = append(c.Context.Plan[i].Recursions, summary)
		} else {
			c.Context.Recursions = append(c.Context.Recursions, summary)
		}

		if recursion.ShortTermMemory != "" {
			c.Context.Memory.ShortTerm = append(c.Context.Memory.ShortTerm, ShortTermNote{
				TraceID: recursion.TraceID,
				Memory:  recursion.ShortTermMemory,
			})
		}

		if last == nil || recursion.IterationIndex > last.IterationIndex {
			last = recursion
		}
	}

	if last != nil {
		c.LastRecursion = buildLastRecursion(last)
	}

	return c
}

func buildLastRecursion(recursion *store.Recursion) *LastRecursion {
	output := mergeToolResults(recursion.ActionOutput, recursion.ToolCallResults)

	last := &LastRecursion{
		TraceID: recursion.TraceID,
		Observe: recursion.Observe,
		Thought: recursion.Thought,
		Action: ActionRecord{
			Result: ActionResult{
				ActionType: recursion.ActionType,
				Output:     output,
			},
		},
	}
	if recursion.ActionType == store.ActionCallTool {
		last.ToolCallResults = recursion.ToolCallResults
	}
	return last
}

// mergeToolResults enriches each action-output tool call in place with the
// matching result and success flag, keyed by tool_call_id. This is the
// representation the LLM sees when reasoning about the previous step.
func mergeToolResults(output map[string]interface{}, results []map[string]interface{}) map[string]interface{} {
	if output == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(output))
	for key, value := range output {
		merged[key] = value
	}

	rawCalls, ok := merged["tool_calls"].([]interface{})
	if !ok || len(results) == 0 {
		return merged
	}

	byID := make(map[string]map[string]interface{}, len(results))
	for _, result := range results {
		if id, ok := result["tool_call_id"].(string); ok {
			byID[id] = result
		}
	}

	mergedCalls := make([]interface{}, 0, len(rawCalls))
	for _, rawCall := range rawCalls {
		call, ok := rawCall.(map[string]interface{})
		if !ok {
			mergedCalls = append(mergedCalls, rawCall)
			continue
		}
		copied := make(map[string]interface{}, len(call)+2)
		for key, value := range call {
			copied[key] = value
		}
		if id, ok := call["tool_call_id"].(string); ok {
			if result, found := byID[id]; found {
				copied["result"] = result["result"]
				if errText, ok := result["error"].(string); ok && errText != "" {
					copied["result"] = errText
				}
				copied["success"] = result["success"]
			}
		}
		mergedCalls = append(mergedCalls, copied)
	}
	merged["tool_calls"] = mergedCalls
	return merged
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
