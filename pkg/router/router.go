// Package router maps an incoming model label and routing category onto a
// concrete pipeline. It owns the routing table and exposes the registered
// pipelines to the runner.
package router

import (
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

type Category string

const (
	CategoryDefault     Category = "default"
	CategoryReasoning   Category = "reasoning"
	CategoryLongContext Category = "longContext"
	CategoryWebSearch   Category = "webSearch"
	CategoryBackground  Category = "background"
)

// longContextTokenThreshold is the estimated-token count beyond which a
// request routes to the longContext category.
const longContextTokenThreshold = 60000

// RouteKey addresses one routing-table entry.
type RouteKey struct {
	Label    string
	Category Category
}

// PipelineInfo carries the per-pipeline transport facts the routing
// decision surfaces to downstream stages.
type PipelineInfo struct {
	ServerCompat string
	Endpoint     string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
}

// Router resolves (label, category) to the first healthy eligible
// pipeline. The table and pipeline set are fixed at assembly.
type Router struct {
	*module.Base

	mu        sync.RWMutex
	table     map[RouteKey][]string
	pipelines map[string]*pipeline.Pipeline
	info      map[string]PipelineInfo

	encoder *tiktoken.Tiktoken
}

func New(id string) *Router {
	// Estimation only needs a stable encoding, not the target model's own.
	encoder, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		encoder = nil
	}
	return &Router{
		Base:      module.NewBase(id, "router", module.TypeRouter),
		table:     make(map[RouteKey][]string),
		pipelines: make(map[string]*pipeline.Pipeline),
		info:      make(map[string]PipelineInfo),
		encoder:   encoder,
	}
}

// AddRoute appends eligible pipeline ids for a (label, category) pair,
// preserving order.
func (r *Router) AddRoute(label string, category Category, pipelineIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := RouteKey{Label: label, Category: category}
	r.table[key] = append(r.table[key], pipelineIDs...)
}

// RegisterPipeline makes a pipeline eligible for selection.
func (r *Router) RegisterPipeline(p *pipeline.Pipeline, info PipelineInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.ID()] = p
	r.info[p.ID()] = info
}

func (r *Router) Pipeline(id string) (*pipeline.Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok
}

// Pipelines returns every registered pipeline keyed by id.
func (r *Router) Pipelines() map[string]*pipeline.Pipeline {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*pipeline.Pipeline, len(r.pipelines))
	for id, p := range r.pipelines {
		out[id] = p
	}
	return out
}

// Route classifies the request and picks the first healthy pipeline from
// the eligible set. The returned decision is immutable for the request.
func (r *Router) Route(req *anthropic.MessagesRequest, pctx *pipeline.Context) (*pipeline.RoutingDecision, error) {
	category := r.Classify(req)

	r.mu.RLock()
	eligible := r.table[RouteKey{Label: req.Model, Category: category}]
	if len(eligible) == 0 && category != CategoryDefault {
		// A label without a category-specific route falls back to its
		// default entry.
		eligible = r.table[RouteKey{Label: req.Model, Category: CategoryDefault}]
	}
	r.mu.RUnlock()

	if len(eligible) == 0 {
		return nil, relayerror.Newf(relayerror.TypeNoHealthyPipeline,
			"no route for model %q in category %q", req.Model, category)
	}

	for _, id := range eligible {
		p, ok := r.Pipeline(id)
		if !ok || p.Status() != module.StatusRunning {
			continue
		}

		provider, model, keyIndex, err := ParsePipelineID(id)
		if err != nil {
			return nil, err
		}

		r.mu.RLock()
		info := r.info[id]
		r.mu.RUnlock()

		decision := &pipeline.RoutingDecision{
			OriginalModel: req.Model,
			MappedModel:   model,
			ProviderType:  provider,
			ProviderName:  provider,
			PipelineID:    id,
			KeyIndex:      keyIndex,
			Category:      string(category),
			ServerCompat:  info.ServerCompat,
			Endpoint:      info.Endpoint,
			APIKey:        info.APIKey,
			Timeout:       info.Timeout,
			MaxRetries:    info.MaxRetries,
			Reasoning:     "category " + string(category) + ", first healthy of " + strings.Join(eligible, ","),
		}
		if pctx != nil {
			pctx.Decision = decision
		}
		return decision, nil
	}

	return nil, relayerror.Newf(relayerror.TypeNoHealthyPipeline,
		"no healthy pipeline for model %q in category %q", req.Model, category)
}

// Classify derives the routing category from request features.
func (r *Router) Classify(req *anthropic.MessagesRequest) Category {
	if r.estimateTokens(req) > longContextTokenThreshold {
		return CategoryLongContext
	}
	for _, tool := range req.Tools {
		if strings.Contains(tool.Name, "web_search") {
			return CategoryWebSearch
		}
	}
	if req.Thinking != nil {
		return CategoryReasoning
	}
	if strings.Contains(req.Model, "haiku") {
		return CategoryBackground
	}
	return CategoryDefault
}

// estimateTokens counts tokens across system prompt and message text.
// Without an encoder it degrades to a bytes/4 heuristic.
func (r *Router) estimateTokens(req *anthropic.MessagesRequest) int {
	total := 0
	count := func(text string) {
		if text == "" {
			return
		}
		if r.encoder != nil {
			total += len(r.encoder.Encode(text, nil, nil))
		} else {
			total += len(text) / 4
		}
	}

	count(req.System)
	for _, msg := range req.Messages {
		count(msg.TextContent())
		for _, block := range msg.Content {
			if block.Type == anthropic.BlockTypeToolResult {
				count(block.ToolResultText())
			}
		}
	}
	return total
}
