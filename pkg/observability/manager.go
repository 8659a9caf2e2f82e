// Package observability wires OpenTelemetry tracing and Prometheus
// metrics into the module event bus.
package observability

import (
	"context"
	"errors"
	"time"

	"github.com/kadirpekel/switchboard/pkg/module"
)

// Manager bridges registry events into the metrics recorder so modules
// never depend on the metrics backend directly.
type Manager struct {
	metrics Metrics
}

func NewManager(metrics Metrics) *Manager {
	return &Manager{metrics: metrics}
}

// Attach subscribes the manager to the registry event bus.
func (m *Manager) Attach(registry *module.Registry) {
	if registry == nil {
		return
	}
	registry.Subscribe(m.handle)
}

func (m *Manager) handle(ev module.Event) {
	if m.metrics == nil {
		return
	}

	switch ev.Type {
	case module.EventPipelineExecutionCompleted:
		m.metrics.RecordPipelineExecution(context.Background(), ev.ModuleID, eventDuration(ev), nil)
	case module.EventPipelineExecutionFailed:
		m.metrics.RecordPipelineExecution(context.Background(), ev.ModuleID, eventDuration(ev), eventError(ev))
	}
}

func eventDuration(ev module.Event) time.Duration {
	if ev.Data == nil {
		return 0
	}
	if ms, ok := ev.Data["durationMs"].(int64); ok {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

func eventError(ev module.Event) error {
	if ev.Data == nil {
		return errors.New("pipeline execution failed")
	}
	if msg, ok := ev.Data["error"].(string); ok && msg != "" {
		return errors.New(msg)
	}
	return errors.New("pipeline execution failed")
}
