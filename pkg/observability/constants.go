package observability

const (
	AttrServiceName     = "service.name"
	AttrTaskID          = "task.id"
	AttrTaskIteration   = "task.iteration"
	AttrAgentID         = "agent.id"
	AttrToolName        = "tool.name"
	AttrActionType      = "action.type"
	AttrLLMModel        = "llm.model"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrErrorType       = "error.type"
	AttrStatusCode      = "http.status_code"

	SpanTaskRun       = "task.run"
	SpanRecursion     = "task.recursion"
	SpanLLMRequest    = "task.llm_request"
	SpanToolExecution = "task.tool_execution"

	DefaultServiceName = "pivot"
)
