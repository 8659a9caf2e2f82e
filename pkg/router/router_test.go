package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

func TestParsePipelineID(t *testing.T) {
	cases := []struct {
		id       string
		provider string
		model    string
		keyIndex int
	}{
		{"deepseek-deepseek-chat-key0", "deepseek", "deepseek-chat", 0},
		{"lmstudio-llama-3.1-8b-instruct-key2", "lmstudio", "llama-3.1-8b-instruct", 2},
		{"gemini-cli-gemini-2.5-pro-key1", "gemini-cli", "gemini-2.5-pro", 1},
		{"vllm-qwen2.5-key10", "vllm", "qwen2.5", 10},
	}

	for _, tc := range cases {
		provider, model, keyIndex, err := ParsePipelineID(tc.id)
		if err != nil {
			t.Errorf("ParsePipelineID(%q) error = %v", tc.id, err)
			continue
		}
		if provider != tc.provider || model != tc.model || keyIndex != tc.keyIndex {
			t.Errorf("ParsePipelineID(%q) = (%q, %q, %d), want (%q, %q, %d)",
				tc.id, provider, model, keyIndex, tc.provider, tc.model, tc.keyIndex)
		}
	}
}

func TestParsePipelineID_Invalid(t *testing.T) {
	for _, id := range []string{"", "nodash", "provider-model", "provider-model-keyX", "gemini-cli-short-key0"} {
		if _, _, _, err := ParsePipelineID(id); err == nil {
			t.Errorf("ParsePipelineID(%q) error = nil, want error", id)
		}
	}
}

func TestBuildPipelineID_RoundTrip(t *testing.T) {
	id := BuildPipelineID("deepseek", "deepseek-chat", 3)
	provider, model, keyIndex, err := ParsePipelineID(id)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	if provider != "deepseek" || model != "deepseek-chat" || keyIndex != 3 {
		t.Errorf("round trip = (%q, %q, %d)", provider, model, keyIndex)
	}
}

type nopStage struct{ *module.Base }

func (s nopStage) ProcessRequest(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	return payload, nil
}

func (s nopStage) ProcessResponse(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	return payload, nil
}

func runningPipeline(t *testing.T, id string) *pipeline.Pipeline {
	t.Helper()
	p := pipeline.New(id, []pipeline.Stage{nopStage{module.NewBase(id+"-stage", "stage", module.TypeCompat)}}, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start(%s) error = %v", id, err)
	}
	return p
}

func userRequest(model, text string) *anthropic.MessagesRequest {
	return &anthropic.MessagesRequest{
		Model: model,
		Messages: []anthropic.Message{
			{Role: "user", Content: anthropic.BlockList{{Type: "text", Text: text}}},
		},
	}
}

func TestRouter_RouteFirstHealthy(t *testing.T) {
	r := New("router")
	dead := pipeline.New("deepseek-deepseek-chat-key0", nil, nil)
	alive := runningPipeline(t, "deepseek-deepseek-chat-key1")

	r.RegisterPipeline(dead, PipelineInfo{})
	r.RegisterPipeline(alive, PipelineInfo{ServerCompat: "deepseek", Endpoint: "https://api.deepseek.example"})
	r.AddRoute("claude-3-5-sonnet", CategoryDefault,
		"deepseek-deepseek-chat-key0", "deepseek-deepseek-chat-key1")

	pctx := pipeline.NewContext("s", "c")
	decision, err := r.Route(userRequest("claude-3-5-sonnet", "hi"), pctx)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}

	if decision.PipelineID != "deepseek-deepseek-chat-key1" {
		t.Errorf("pipeline = %q, want the first healthy entry", decision.PipelineID)
	}
	if decision.OriginalModel != "claude-3-5-sonnet" || decision.MappedModel != "deepseek-chat" {
		t.Errorf("decision models = %+v", decision)
	}
	if decision.KeyIndex != 1 || decision.ServerCompat != "deepseek" {
		t.Errorf("decision = %+v", decision)
	}
	if pctx.Decision != decision {
		t.Error("decision not attached to pipeline context")
	}
}

func TestRouter_NoHealthyPipeline(t *testing.T) {
	r := New("router")
	dead := pipeline.New("deepseek-deepseek-chat-key0", nil, nil)
	r.RegisterPipeline(dead, PipelineInfo{})
	r.AddRoute("claude-3-5-sonnet", CategoryDefault, "deepseek-deepseek-chat-key0")

	_, err := r.Route(userRequest("claude-3-5-sonnet", "hi"), nil)
	var relayErr *relayerror.Error
	if !errors.As(err, &relayErr) || relayErr.Type != relayerror.TypeNoHealthyPipeline {
		t.Errorf("error = %v, want no_healthy_pipeline", err)
	}
}

func TestRouter_NoRoute(t *testing.T) {
	r := New("router")
	_, err := r.Route(userRequest("unknown-model", "hi"), nil)
	var relayErr *relayerror.Error
	if !errors.As(err, &relayErr) || relayErr.Type != relayerror.TypeNoHealthyPipeline {
		t.Errorf("error = %v, want no_healthy_pipeline", err)
	}
}

func TestRouter_CategoryFallsBackToDefault(t *testing.T) {
	r := New("router")
	p := runningPipeline(t, "deepseek-deepseek-chat-key0")
	r.RegisterPipeline(p, PipelineInfo{})
	r.AddRoute("claude-3-5-sonnet", CategoryDefault, "deepseek-deepseek-chat-key0")

	req := userRequest("claude-3-5-sonnet", "think hard")
	req.Thinking = &anthropic.ThinkingParam{Type: "enabled"}

	decision, err := r.Route(req, nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if decision.PipelineID != "deepseek-deepseek-chat-key0" {
		t.Errorf("pipeline = %q", decision.PipelineID)
	}
}

func TestRouter_Classify(t *testing.T) {
	r := New("router")

	if got := r.Classify(userRequest("claude-3-5-sonnet", "hi")); got != CategoryDefault {
		t.Errorf("plain request = %s, want default", got)
	}

	thinking := userRequest("claude-3-5-sonnet", "hi")
	thinking.Thinking = &anthropic.ThinkingParam{Type: "enabled", BudgetTokens: 1024}
	if got := r.Classify(thinking); got != CategoryReasoning {
		t.Errorf("thinking request = %s, want reasoning", got)
	}

	if got := r.Classify(userRequest("claude-3-5-haiku", "hi")); got != CategoryBackground {
		t.Errorf("haiku request = %s, want background", got)
	}

	search := userRequest("claude-3-5-sonnet", "hi")
	search.Tools = []anthropic.Tool{{Name: "web_search"}}
	if got := r.Classify(search); got != CategoryWebSearch {
		t.Errorf("web search request = %s, want webSearch", got)
	}

	long := userRequest("claude-3-5-sonnet", strings.Repeat("many words of context ", 40000))
	if got := r.Classify(long); got != CategoryLongContext {
		t.Errorf("long request = %s, want longContext", got)
	}
}
