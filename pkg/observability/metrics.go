package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
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

	meter := meterProvider.Meter("switchboard")

	pipelineDuration, err := meter.Float64Histogram(
		"switchboard_pipeline_execution_duration_seconds",
		metric.WithDescription("Pipeline execution duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline duration histogram: %w", err)
	}

	pipelineExecutions, err := meter.Int64Counter(
		"switchboard_pipeline_executions_total",
		metric.WithDescription("Total pipeline executions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline executions counter: %w", err)
	}

	pipelineErrors, err := meter.Int64Counter(
		"switchboard_pipeline_errors_total",
		metric.WithDescription("Total pipeline execution failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline errors counter: %w", err)
	}

	routedRequests, err := meter.Int64Counter(
		"switchboard_routed_requests_total",
		metric.WithDescription("Total routed requests by category"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create routed requests counter: %w", err)
	}

	upstreamDuration, err := meter.Float64Histogram(
		"switchboard_upstream_request_duration_seconds",
		metric.WithDescription("Upstream request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream duration histogram: %w", err)
	}

	upstreamInputTokens, err := meter.Int64Counter(
		"switchboard_upstream_tokens_input_total",
		metric.WithDescription("Total input tokens sent upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream input tokens counter: %w", err)
	}

	upstreamOutputTokens, err := meter.Int64Counter(
		"switchboard_upstream_tokens_output_total",
		metric.WithDescription("Total output tokens received from upstream"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream output tokens counter: %w", err)
	}

	upstreamErrors, err := meter.Int64Counter(
		"switchboard_upstream_errors_total",
		metric.WithDescription("Total upstream errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream errors counter: %w", err)
	}

	return NewPrometheusMetrics(
		pipelineDuration,
		pipelineExecutions,
		pipelineErrors,
		routedRequests,
		upstreamDuration,
		upstreamInputTokens,
		upstreamOutputTokens,
		upstreamErrors,
	), nil
}
