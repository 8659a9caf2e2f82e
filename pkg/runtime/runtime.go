// Package runtime assembles the configured providers into pipelines and
// exposes the single entry point requests flow through.
package runtime

import (
	"context"
	"fmt"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/config"
	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/observability"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
	"github.com/kadirpekel/switchboard/pkg/router"
	"github.com/kadirpekel/switchboard/pkg/sessionflow"
)

// Runtime owns the module registry, the router, and the session-flow
// controller. One Runtime serves one configuration.
type Runtime struct {
	cfg      *config.Config
	registry *module.Registry
	router   *router.Router
	flow     *sessionflow.Controller
}

// Reply is what one handled request resolves to.
type Reply struct {
	Response *anthropic.MessagesResponse
	Context  *pipeline.Context
}

func NewWithConfig(cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	registry := module.NewRegistry()
	rt := &Runtime{
		cfg:      cfg,
		registry: registry,
		router:   router.New("router"),
	}

	if err := rt.assemble(); err != nil {
		return nil, err
	}

	rt.flow = sessionflow.NewController("sessionflow", rt.execute, cfg.Protocol.ConcurrencyLimit)
	if err := registry.Register(rt.router); err != nil {
		return nil, err
	}
	if err := registry.Register(rt.flow); err != nil {
		return nil, err
	}

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		observability.NewManager(metrics).Attach(registry)
	}

	return rt, nil
}

func (r *Runtime) Registry() *module.Registry { return r.registry }
func (r *Runtime) Router() *router.Router     { return r.router }
func (r *Runtime) Config() *config.Config     { return r.cfg }

// Start brings up every module, pipelines included.
func (r *Runtime) Start(ctx context.Context) error {
	return r.registry.StartAll(ctx)
}

// Stop shuts everything down, continuing past failures.
func (r *Runtime) Stop(ctx context.Context) {
	r.registry.StopAll(ctx)
}

// Handle runs one client request end to end and blocks for the reply.
// Cancellation of ctx aborts the request whether queued or in flight.
func (r *Runtime) Handle(ctx context.Context, req *anthropic.MessagesRequest, sessionKey, conversationKey string) (*Reply, error) {
	future := r.flow.Submit(ctx, sessionKey, conversationKey, req)
	value, err := future.Get(ctx)
	if err != nil {
		return nil, err
	}
	reply, ok := value.(*Reply)
	if !ok {
		return nil, relayerror.New(relayerror.TypeAPI, "pipeline produced an unexpected payload")
	}
	return reply, nil
}

// execute is the session-flow runner: route, then run the selected
// pipeline with the request deadline applied.
func (r *Runtime) execute(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	req, ok := payload.(*anthropic.MessagesRequest)
	if !ok {
		return nil, relayerror.New(relayerror.TypeValidation, "payload is not a messages request")
	}

	decision, err := r.router.Route(req, pctx)
	if err != nil {
		return nil, err
	}
	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordRoute(ctx, decision.Category)
	}

	p, ok := r.router.Pipeline(decision.PipelineID)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeNoHealthyPipeline,
			"routed pipeline %q is not registered", decision.PipelineID)
	}

	if timeout := r.cfg.Protocol.RequestTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := observability.GetTracer("switchboard/runtime").Start(ctx, "pipeline "+decision.PipelineID)
	defer span.End()

	result, err := p.Execute(ctx, pctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	resp, ok := result.Output.(*anthropic.MessagesResponse)
	if !ok {
		return nil, relayerror.New(relayerror.TypeAPI,
			"pipeline output is not a messages response").WithModule(p.ID())
	}
	return &Reply{Response: resp, Context: pctx}, nil
}
