package observability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/switchboard/pkg/module"
)

type captureMetrics struct {
	mu         sync.Mutex
	executions []string
	errors     []error
}

func (c *captureMetrics) RecordPipelineExecution(ctx context.Context, pipelineID string, duration time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executions = append(c.executions, pipelineID)
	c.errors = append(c.errors, err)
}

func (c *captureMetrics) RecordRoute(ctx context.Context, category string) {}

func (c *captureMetrics) RecordUpstreamCall(ctx context.Context, provider, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
}

func TestManager_RecordsPipelineEvents(t *testing.T) {
	capture := &captureMetrics{}
	registry := module.NewRegistry()
	NewManager(capture).Attach(registry)

	registry.Emit(module.Event{
		Type:     module.EventPipelineExecutionCompleted,
		ModuleID: "deepseek-deepseek-chat-key0",
		Data:     map[string]any{"executionId": "x", "durationMs": int64(42)},
	})
	registry.Emit(module.Event{
		Type:     module.EventPipelineExecutionFailed,
		ModuleID: "deepseek-deepseek-chat-key0",
		Data:     map[string]any{"executionId": "y", "durationMs": int64(7), "error": "upstream exploded"},
	})

	if len(capture.executions) != 2 {
		t.Fatalf("recorded %d executions, want 2", len(capture.executions))
	}
	if capture.errors[0] != nil {
		t.Errorf("completed event recorded error %v", capture.errors[0])
	}
	if capture.errors[1] == nil || capture.errors[1].Error() != "upstream exploded" {
		t.Errorf("failed event error = %v", capture.errors[1])
	}
}

func TestPrometheusMetrics_ZeroValueIsSafe(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordPipelineExecution(context.Background(), "p", time.Second, nil)
	m.RecordRoute(context.Background(), "default")
	m.RecordUpstreamCall(context.Background(), "deepseek", "deepseek-chat", time.Second, 1, 2, nil)

	empty := &PrometheusMetrics{}
	empty.RecordPipelineExecution(context.Background(), "p", time.Second, nil)
	empty.RecordRoute(context.Background(), "default")
}

func TestInitMetrics_Disabled(t *testing.T) {
	m, err := InitMetrics(context.Background(), MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitMetrics() error = %v", err)
	}
	if m == nil {
		t.Fatal("InitMetrics() returned nil metrics")
	}
	m.RecordRoute(context.Background(), "default")
}

func TestInitGlobalTracer_Disabled(t *testing.T) {
	tp, err := InitGlobalTracer(context.Background(), TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("InitGlobalTracer() error = %v", err)
	}
	if tp == nil {
		t.Fatal("InitGlobalTracer() returned nil provider")
	}
}
