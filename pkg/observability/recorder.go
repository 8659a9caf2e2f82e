package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

type Metrics interface {
	RecordPipelineExecution(ctx context.Context, pipelineID string, duration time.Duration, err error)
	RecordRoute(ctx context.Context, category string)
	RecordUpstreamCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error)
}

type PrometheusMetrics struct {
	pipelineDuration   metric.Float64Histogram
	pipelineExecutions metric.Int64Counter
	pipelineErrors     metric.Int64Counter

	routedRequests metric.Int64Counter

	upstreamDuration     metric.Float64Histogram
	upstreamInputTokens  metric.Int64Counter
	upstreamOutputTokens metric.Int64Counter
	upstreamErrors       metric.Int64Counter
}

func NewPrometheusMetrics(
	pipelineDuration metric.Float64Histogram,
	pipelineExecutions metric.Int64Counter,
	pipelineErrors metric.Int64Counter,
	routedRequests metric.Int64Counter,
	upstreamDuration metric.Float64Histogram,
	upstreamInputTokens metric.Int64Counter,
	upstreamOutputTokens metric.Int64Counter,
	upstreamErrors metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		pipelineDuration:     pipelineDuration,
		pipelineExecutions:   pipelineExecutions,
		pipelineErrors:       pipelineErrors,
		routedRequests:       routedRequests,
		upstreamDuration:     upstreamDuration,
		upstreamInputTokens:  upstreamInputTokens,
		upstreamOutputTokens: upstreamOutputTokens,
		upstreamErrors:       upstreamErrors,
	}
}

func (m *PrometheusMetrics) RecordPipelineExecution(ctx context.Context, pipelineID string, duration time.Duration, err error) {
	if m == nil || m.pipelineDuration == nil || m.pipelineExecutions == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline", pipelineID),
	}

	m.pipelineDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.pipelineExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.pipelineErrors != nil {
		m.pipelineErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordRoute(ctx context.Context, category string) {
	if m == nil || m.routedRequests == nil {
		return
	}

	m.routedRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

func (m *PrometheusMetrics) RecordUpstreamCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.upstreamDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}

	m.upstreamDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if inputTokens > 0 && m.upstreamInputTokens != nil {
		m.upstreamInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	}
	if outputTokens > 0 && m.upstreamOutputTokens != nil {
		m.upstreamOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))
	}

	if err != nil && m.upstreamErrors != nil {
		m.upstreamErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}
