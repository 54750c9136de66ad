package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pivotagent/pivot/pkg/observability"
)

// LocalExecutor calls tool handlers in-process.
type LocalExecutor struct {
	registry *Registry
}

func NewLocalExecutor(registry *Registry) *LocalExecutor {
	return &LocalExecutor{registry: registry}
}

// stripContext removes the opaque context payload from the arguments and logs
// it; it must never reach a tool.
func stripContext(name string, args map[string]interface{}) map[string]interface{} {
	payload, ok := args[ContextArgKey]
	if !ok {
		return args
	}
	slog.Debug("tool call context", "tool", name, "context", payload)
	cleaned := make(map[string]interface{}, len(args)-1)
	for key, value := range args {
		if key != ContextArgKey {
			cleaned[key] = value
		}
	}
	return cleaned
}

// coerceSerializable keeps results JSON-encodable; anything else becomes its
// string rendering.
func coerceSerializable(value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if _, err := json.Marshal(value); err != nil {
		return fmt.Sprintf("%v", value)
	}
	return value
}

func (e *LocalExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tracer := observability.GetTracer("tool")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, name)))
	defer span.End()

	start := time.Now()
	result, err := e.execute(ctx, name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolExecution(ctx, name, time.Since(start), err)
	}
	return result, err
}

func (e *LocalExecutor) execute(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	def, ok := e.registry.Snapshot()[name]
	if !ok {
		return nil, &ExecutionError{Tool: name, Message: "unknown tool", Err: ErrUnknownTool}
	}
	if def.Handler == nil {
		return nil, &ExecutionError{Tool: name, Message: "tool has no in-process handler; requires sidecar execution"}
	}

	args = stripContext(name, args)

	result, err := def.Handler(ctx, args)
	if err != nil {
		return nil, &ExecutionError{Tool: name, Message: err.Error(), Err: err}
	}
	return coerceSerializable(result), nil
}
