package module

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/switchboard/pkg/registry"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Event types emitted on the registry bus. Events are informational only
// and never back-channel state between modules.
const (
	EventPipelineStarted            = "pipelineStarted"
	EventPipelineExecutionCompleted = "pipelineExecutionCompleted"
	EventPipelineExecutionFailed    = "pipelineExecutionFailed"
	EventModuleStatusChanged        = "moduleStatusChanged"
	EventModuleError                = "moduleError"
)

type Event struct {
	Type     string         `json:"type"`
	ModuleID string         `json:"module_id"`
	Time     time.Time      `json:"time"`
	Data     map[string]any `json:"data,omitempty"`
}

type EventHandler func(Event)

// Registry holds every module, the connection graph between them, and the
// observability event bus.
type Registry struct {
	modules *registry.BaseRegistry[Module]

	mu          sync.RWMutex
	connections map[string]map[string]bool
	handlers    []EventHandler
}

func NewRegistry() *Registry {
	return &Registry{
		modules:     registry.NewBaseRegistry[Module](),
		connections: make(map[string]map[string]bool),
	}
}

func (r *Registry) Register(m Module) error {
	return r.modules.Register(m.ID(), m)
}

func (r *Registry) Get(id string) (Module, bool) {
	return r.modules.Get(id)
}

func (r *Registry) List() []Module {
	return r.modules.List()
}

func (r *Registry) IDs() []string {
	return r.modules.Names()
}

// StartAll starts every registered module; the first failure aborts.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, m := range r.modules.List() {
		if err := m.Start(ctx); err != nil {
			return relayerror.Wrap(relayerror.TypeAPI,
				"failed to start module", err).WithModule(m.ID())
		}
		r.Emit(Event{Type: EventModuleStatusChanged, ModuleID: m.ID(), Time: time.Now(),
			Data: map[string]any{"status": string(m.Status())}})
	}
	return nil
}

// StopAll stops every registered module, continuing past failures.
func (r *Registry) StopAll(ctx context.Context) {
	for _, m := range r.modules.List() {
		_ = m.Stop(ctx)
		r.Emit(Event{Type: EventModuleStatusChanged, ModuleID: m.ID(), Time: time.Now(),
			Data: map[string]any{"status": string(m.Status())}})
	}
}

// AddConnection records a directed edge in the connection graph. Messages
// only flow along recorded edges.
func (r *Registry) AddConnection(fromID, toID string) error {
	if _, ok := r.modules.Get(fromID); !ok {
		return relayerror.Newf(relayerror.TypeNotFound, "module not found: %s", fromID)
	}
	if _, ok := r.modules.Get(toID); !ok {
		return relayerror.Newf(relayerror.TypeNotFound, "module not found: %s", toID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connections[fromID] == nil {
		r.connections[fromID] = make(map[string]bool)
	}
	r.connections[fromID][toID] = true
	return nil
}

// SendToModule delivers a status message to a connected module. The target
// must be running.
func (r *Registry) SendToModule(fromID, toID string, msg Message) error {
	r.mu.RLock()
	connected := r.connections[fromID][toID]
	r.mu.RUnlock()

	if !connected {
		return relayerror.Newf(relayerror.TypeNotFound,
			"no connection from %s to %s", fromID, toID)
	}

	target, ok := r.modules.Get(toID)
	if !ok {
		return relayerror.Newf(relayerror.TypeNotFound, "module not found: %s", toID)
	}
	if target.Status() != StatusRunning {
		return relayerror.Newf(relayerror.TypeModuleNotRunning,
			"module %s is not running", toID).WithModule(toID)
	}

	msg.From = fromID
	target.OnModuleMessage(msg)
	return nil
}

// BroadcastToModules delivers a status message to every module connected
// from the sender. Modules that are not running are skipped.
func (r *Registry) BroadcastToModules(fromID string, msg Message) {
	r.mu.RLock()
	targets := make([]string, 0, len(r.connections[fromID]))
	for toID := range r.connections[fromID] {
		targets = append(targets, toID)
	}
	r.mu.RUnlock()

	msg.From = fromID
	for _, toID := range targets {
		if target, ok := r.modules.Get(toID); ok && target.Status() == StatusRunning {
			target.OnModuleMessage(msg)
		}
	}
}

// Subscribe registers an event handler. Handlers run synchronously on Emit
// and must not block.
func (r *Registry) Subscribe(h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

func (r *Registry) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	r.mu.RLock()
	handlers := make([]EventHandler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
