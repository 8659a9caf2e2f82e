package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Stage is one module in the chain. ProcessRequest runs on the forward
// pass, ProcessResponse on the reverse pass. Stages without a distinct
// response direction return the payload unchanged.
type Stage interface {
	module.Module
	ProcessRequest(ctx context.Context, pctx *Context, payload any) (any, error)
	ProcessResponse(ctx context.Context, pctx *Context, payload any) (any, error)
}

// Result is the outcome of one pipeline execution.
type Result struct {
	Output       any
	Success      bool
	Elapsed      time.Duration
	StageOutputs map[string]any
}

// Stats is the management-surface snapshot for one pipeline.
type Stats struct {
	Total        int64         `json:"total"`
	Success      int64         `json:"success"`
	Failure      int64         `json:"failure"`
	AvgTime      time.Duration `json:"avg_processing_time"`
	LastActivity time.Time     `json:"last_activity"`
}

// Pipeline is the sealed, ordered chain
// Validator -> Dialect codec -> Protocol controller -> Compat adapter -> Upstream client.
// Membership and order are fixed at assembly.
type Pipeline struct {
	*module.Base
	stages   []Stage
	registry *module.Registry

	mu        sync.Mutex
	total     int64
	success   int64
	failure   int64
	totalTime time.Duration
	lastSeen  time.Time
}

// New assembles a pipeline from its ordered stages. The stage list is
// sealed from this point on.
func New(id string, stages []Stage, registry *module.Registry) *Pipeline {
	return &Pipeline{
		Base:     module.NewBase(id, id, module.TypePipeline),
		stages:   stages,
		registry: registry,
	}
}

func (p *Pipeline) Stages() []Stage {
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// AddModule always fails: the stage list is sealed at assembly.
func (p *Pipeline) AddModule(Stage) error {
	return relayerror.Newf(relayerror.TypePipelineSealed,
		"pipeline %s is sealed", p.ID())
}

// RemoveModule always fails: the stage list is sealed at assembly.
func (p *Pipeline) RemoveModule(string) error {
	return relayerror.Newf(relayerror.TypePipelineSealed,
		"pipeline %s is sealed", p.ID())
}

// SetModuleOrder always fails: the stage order is sealed at assembly.
func (p *Pipeline) SetModuleOrder([]string) error {
	return relayerror.Newf(relayerror.TypePipelineSealed,
		"pipeline %s is sealed", p.ID())
}

// Start starts stages in declaration order.
func (p *Pipeline) Start(ctx context.Context) error {
	for _, s := range p.stages {
		if err := s.Start(ctx); err != nil {
			return relayerror.Wrap(relayerror.TypeAPI,
				"failed to start pipeline stage", err).WithModule(s.ID())
		}
	}
	if err := p.Base.Start(ctx); err != nil {
		return err
	}
	p.emit(module.EventPipelineStarted, nil)
	return nil
}

// Stop stops stages in reverse order.
func (p *Pipeline) Stop(ctx context.Context) error {
	for i := len(p.stages) - 1; i >= 0; i-- {
		_ = p.stages[i].Stop(ctx)
	}
	return p.Base.Stop(ctx)
}

// Validate succeeds iff every stage reports healthy. The upstream stage's
// health check covers provider reachability.
func (p *Pipeline) Validate(ctx context.Context) error {
	for _, s := range p.stages {
		if err := s.HealthCheck(ctx); err != nil {
			return relayerror.Wrap(relayerror.TypeAPI,
				"pipeline stage unhealthy", err).WithModule(s.ID())
		}
	}
	return nil
}

// Execute threads the input forward through every stage, then the upstream
// response backward. The first stage failure halts execution; no partial
// reply is produced.
func (p *Pipeline) Execute(ctx context.Context, pctx *Context, input any) (*Result, error) {
	if p.Status() != module.StatusRunning {
		return nil, relayerror.Newf(relayerror.TypeModuleNotRunning,
			"pipeline %s is not running", p.ID()).WithModule(p.ID())
	}

	start := time.Now()
	outputs := make(map[string]any, len(p.stages)*2)

	payload := input
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return nil, p.fail(pctx, start, relayerror.Wrap(
				relayerror.TypeCancelled, "execution cancelled", err).WithModule(s.ID()))
		}

		stageStart := time.Now()
		out, err := s.ProcessRequest(ctx, pctx, payload)
		elapsed := time.Since(stageStart)
		pctx.RecordTiming(s.ID(), "request", elapsed)
		recordStage(s, elapsed, err != nil)
		if err != nil {
			return nil, p.fail(pctx, start, relayerror.AsError(err).WithModule(s.ID()))
		}
		outputs[s.ID()+":request"] = out
		payload = out
	}

	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		if err := ctx.Err(); err != nil {
			return nil, p.fail(pctx, start, relayerror.Wrap(
				relayerror.TypeCancelled, "execution cancelled", err).WithModule(s.ID()))
		}

		stageStart := time.Now()
		out, err := s.ProcessResponse(ctx, pctx, payload)
		elapsed := time.Since(stageStart)
		pctx.RecordTiming(s.ID(), "response", elapsed)
		recordStage(s, elapsed, err != nil)
		if err != nil {
			return nil, p.fail(pctx, start, relayerror.AsError(err).WithModule(s.ID()))
		}
		outputs[s.ID()+":response"] = out
		payload = out
	}

	total := time.Since(start)
	p.record(total, true)
	p.emit(module.EventPipelineExecutionCompleted, map[string]any{
		"executionId": pctx.RequestID,
		"durationMs":  total.Milliseconds(),
	})

	return &Result{Output: payload, Success: true, Elapsed: total, StageOutputs: outputs}, nil
}

func recordStage(s Stage, elapsed time.Duration, failed bool) {
	if rec, ok := s.(interface{ RecordRequest(time.Duration, bool) }); ok {
		rec.RecordRequest(elapsed, failed)
	}
}

func (p *Pipeline) fail(pctx *Context, start time.Time, err *relayerror.Error) error {
	total := time.Since(start)
	pctx.RecordError(err)
	p.record(total, false)
	p.emit(module.EventPipelineExecutionFailed, map[string]any{
		"executionId": pctx.RequestID,
		"durationMs":  total.Milliseconds(),
		"error":       err.Error(),
	})
	return err
}

func (p *Pipeline) record(elapsed time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.totalTime += elapsed
	p.lastSeen = time.Now()
	if ok {
		p.success++
	} else {
		p.failure++
	}
	p.RecordRequest(elapsed, !ok)
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:        p.total,
		Success:      p.success,
		Failure:      p.failure,
		LastActivity: p.lastSeen,
	}
	if p.total > 0 {
		s.AvgTime = p.totalTime / time.Duration(p.total)
	}
	return s
}

func (p *Pipeline) emit(eventType string, data map[string]any) {
	if p.registry == nil {
		return
	}
	p.registry.Emit(module.Event{Type: eventType, ModuleID: p.ID(), Data: data})
}
