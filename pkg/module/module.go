// Package module defines the uniform lifecycle surface shared by every
// pipeline stage and controller: identity, start/stop/reset, health,
// metrics, and status messaging. The registry owns the connection graph
// and the observability event bus.
package module

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/switchboard/pkg/logger"
)

type Type string

const (
	TypeValidator   Type = "validator"
	TypeCodec       Type = "codec"
	TypeProtocol    Type = "protocol"
	TypeCompat      Type = "compat"
	TypeUpstream    Type = "upstream"
	TypePipeline    Type = "pipeline"
	TypeRouter      Type = "router"
	TypeSessionFlow Type = "sessionflow"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// Metrics is the read-only counter snapshot every module exposes.
type Metrics struct {
	RequestsProcessed int64         `json:"requests_processed"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	ErrorRate         float64       `json:"error_rate"`
}

// Message is a status notification passed between connected modules.
// It never carries request payloads.
type Message struct {
	From string         `json:"from"`
	Kind string         `json:"kind"`
	Data map[string]any `json:"data,omitempty"`
}

// Module is the uniform surface for every component in the pipeline.
type Module interface {
	ID() string
	Name() string
	Type() Type
	Version() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Cleanup(ctx context.Context) error

	Status() Status
	HealthCheck(ctx context.Context) error

	Metrics() Metrics

	// Configure is rejected on pre-configured modules. The call logs a
	// warning and leaves the existing configuration in place.
	Configure(settings map[string]any) error

	// OnModuleMessage receives status messages from connected modules.
	OnModuleMessage(msg Message)
}

// Base provides identity, status, and metrics bookkeeping for modules.
// Embed it and override lifecycle methods as needed.
type Base struct {
	id      string
	name    string
	typ     Type
	version string

	mu        sync.Mutex
	status    Status
	requests  int64
	errors    int64
	totalTime time.Duration
}

func NewBase(id, name string, typ Type) *Base {
	return &Base{
		id:      id,
		name:    name,
		typ:     typ,
		version: "1.0.0",
		status:  StatusCreated,
	}
}

func (b *Base) ID() string      { return b.id }
func (b *Base) Name() string    { return b.name }
func (b *Base) Type() Type      { return b.typ }
func (b *Base) Version() string { return b.version }

func (b *Base) Start(ctx context.Context) error {
	b.setStatus(StatusRunning)
	return nil
}

func (b *Base) Stop(ctx context.Context) error {
	b.setStatus(StatusStopped)
	return nil
}

// Reset clears metrics counters without tearing the module down.
func (b *Base) Reset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = 0
	b.errors = 0
	b.totalTime = 0
	return nil
}

func (b *Base) Cleanup(ctx context.Context) error {
	b.setStatus(StatusStopped)
	return nil
}

func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Base) setStatus(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

func (b *Base) HealthCheck(ctx context.Context) error {
	return nil
}

func (b *Base) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{RequestsProcessed: b.requests}
	if b.requests > 0 {
		m.AvgProcessingTime = b.totalTime / time.Duration(b.requests)
		m.ErrorRate = float64(b.errors) / float64(b.requests)
	}
	return m
}

// RecordRequest folds one processed request into the metrics counters.
func (b *Base) RecordRequest(elapsed time.Duration, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	b.totalTime += elapsed
	if failed {
		b.errors++
	}
}

func (b *Base) Configure(settings map[string]any) error {
	logger.GetLogger().Warn("configure rejected on pre-configured module",
		"module", b.id)
	return nil
}

func (b *Base) OnModuleMessage(msg Message) {}
