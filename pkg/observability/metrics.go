package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics builds the meter set backed by the Prometheus exporter.
// Disabled metrics return an empty recorder whose methods are no-ops.
func InitMetrics(enabled bool) (*Recorder, error) {
	if !enabled {
		return &Recorder{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter("conductor")

	loopRounds, err := meter.Int64Counter(
		"conductor_loop_rounds_total",
		metric.WithDescription("Total agent loop rounds executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create loop rounds counter: %w", err)
	}

	toolDuration, err := meter.Float64Histogram(
		"conductor_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool duration histogram: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"conductor_tool_calls_total",
		metric.WithDescription("Total tool calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}

	toolErrors, err := meter.Int64Counter(
		"conductor_tool_errors_total",
		metric.WithDescription("Total tool errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tool errors counter: %w", err)
	}

	chatDuration, err := meter.Float64Histogram(
		"conductor_chat_request_duration_seconds",
		metric.WithDescription("Reasoning call duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat duration histogram: %w", err)
	}

	chatInputTokens, err := meter.Int64Counter(
		"conductor_chat_tokens_input_total",
		metric.WithDescription("Total input tokens sent on reasoning calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tokens counter: %w", err)
	}

	chatOutputTokens, err := meter.Int64Counter(
		"conductor_chat_tokens_output_total",
		metric.WithDescription("Total output tokens from reasoning calls"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tokens counter: %w", err)
	}

	chatErrors, err := meter.Int64Counter(
		"conductor_chat_errors_total",
		metric.WithDescription("Total reasoning call failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat errors counter: %w", err)
	}

	rateLimitDenials, err := meter.Int64Counter(
		"conductor_ratelimit_denials_total",
		metric.WithDescription("Total requests denied by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limit denials counter: %w", err)
	}

	usageFlushes, err := meter.Int64Counter(
		"conductor_usage_flushes_total",
		metric.WithDescription("Total usage ledger flushes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage flushes counter: %w", err)
	}

	usageFlushErrors, err := meter.Int64Counter(
		"conductor_usage_flush_errors_total",
		metric.WithDescription("Total failed usage ledger flushes"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create usage flush errors counter: %w", err)
	}

	return &Recorder{
		loopRounds:       loopRounds,
		toolDuration:     toolDuration,
		toolCalls:        toolCalls,
		toolErrors:       toolErrors,
		chatDuration:     chatDuration,
		chatInputTokens:  chatInputTokens,
		chatOutputTokens: chatOutputTokens,
		chatErrors:       chatErrors,
		rateLimitDenials: rateLimitDenials,
		usageFlushes:     usageFlushes,
		usageFlushErrors: usageFlushErrors,
	}, nil
}
