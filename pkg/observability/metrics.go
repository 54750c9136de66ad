package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// InitMetrics builds the meter provider with a Prometheus reader and registers
// every instrument the recorder needs. The scrape endpoint itself is served by
// the HTTP server via promhttp.
func InitMetrics(cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("pivot")

	m := &PrometheusMetrics{}

	if m.taskDuration, err = meter.Float64Histogram(
		"pivot_task_duration_seconds",
		metric.WithDescription("Task run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	if m.taskRunsTotal, err = meter.Int64Counter(
		"pivot_task_runs_total",
		metric.WithDescription("Total task runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task runs counter: %w", err)
	}

	if m.taskErrorsTotal, err = meter.Int64Counter(
		"pivot_task_errors_total",
		metric.WithDescription("Total failed task runs"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task errors counter: %w", err)
	}

	if m.taskRecursionsTotal, err = meter.Int64Counter(
		"pivot_task_recursions_total",
		metric.WithDescription("Total recursions executed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task recursions counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"pivot_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	if m.toolCallsTotal, err = meter.Int64Counter(
		"pivot_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	if m.toolErrorsTotal, err = meter.Int64Counter(
		"pivot_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	if m.llmDuration, err = meter.Float64Histogram(
		"pivot_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	if m.llmInputTokens, err = meter.Int64Counter(
		"pivot_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	if m.llmOutputTokens, err = meter.Int64Counter(
		"pivot_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	if m.llmErrorsTotal, err = meter.Int64Counter(
		"pivot_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	); err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	return m, nil
}
