package compat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

func floatPtr(f float64) *float64 { return &f }

func baseRequest() *openai.ChatRequest {
	return &openai.ChatRequest{
		Model:    "some-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func process(t *testing.T, a *Adapter, req *openai.ChatRequest, pctx *pipeline.Context) *openai.ChatRequest {
	t.Helper()
	out, err := a.ProcessRequest(context.Background(), pctx, req)
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}
	return out.(*openai.ChatRequest)
}

func TestDeepSeek_ParameterClamp(t *testing.T) {
	a := NewAdapter("deepseek-compat", Policy{Family: FamilyDeepSeek, Provider: "deepseek"})
	pctx := pipeline.NewContext("s", "c")

	req := baseRequest()
	req.MaxTokens = 1000000
	req.Temperature = floatPtr(5)
	req.TopP = floatPtr(3)

	out := process(t, a, req, pctx)

	if out.MaxTokens != 8192 {
		t.Errorf("max_tokens = %d, want 8192", out.MaxTokens)
	}
	if *out.Temperature != 2.0 {
		t.Errorf("temperature = %f, want 2.0", *out.Temperature)
	}
	if *out.TopP != 1.0 {
		t.Errorf("top_p = %f, want 1.0", *out.TopP)
	}
	if !pctx.HasTransformation("deepseek_max_tokens_adjusted") {
		t.Error("missing deepseek_max_tokens_adjusted log entry")
	}
	if !pctx.HasTransformation("deepseek_temperature_adjusted") {
		t.Error("missing deepseek_temperature_adjusted log entry")
	}
}

func TestDeepSeek_ToolChoiceDefaulted(t *testing.T) {
	a := NewAdapter("deepseek-compat", Policy{Family: FamilyDeepSeek, Provider: "deepseek"})
	pctx := pipeline.NewContext("s", "c")

	req := baseRequest()
	req.Tools = []openai.Tool{{Type: "function", Function: openai.ToolFunction{Name: "f"}}}

	out := process(t, a, req, pctx)
	if out.ToolChoice != "auto" {
		t.Errorf("tool_choice = %v, want auto", out.ToolChoice)
	}

	// An explicit selector is left alone.
	req2 := baseRequest()
	req2.Tools = req.Tools
	req2.ToolChoice = "required"
	out2 := process(t, a, req2, pctx)
	if out2.ToolChoice != "required" {
		t.Errorf("tool_choice = %v, want required", out2.ToolChoice)
	}
}

func TestClampIdempotence(t *testing.T) {
	a := NewAdapter("deepseek-compat", Policy{Family: FamilyDeepSeek, Provider: "deepseek"})

	req := baseRequest()
	req.MaxTokens = 1000000
	req.Temperature = floatPtr(5)

	once := process(t, a, req, pipeline.NewContext("s", "c"))
	twice := process(t, a, once, pipeline.NewContext("s", "c"))

	if *once.Temperature != *twice.Temperature || once.MaxTokens != twice.MaxTokens {
		t.Errorf("second clamp changed values: %+v vs %+v", once, twice)
	}
}

func TestLMStudio_VirtualModelMapping(t *testing.T) {
	a := NewAdapter("lmstudio-compat", Policy{
		Family:          FamilyLMStudio,
		Provider:        "lmstudio",
		SupportedModels: []string{"llama-3.1-8b-instruct", "qwen2.5-7b"},
	})
	pctx := pipeline.NewContext("s", "c")

	req := baseRequest()
	req.Model = "default"
	out := process(t, a, req, pctx)
	if out.Model != "llama-3.1-8b-instruct" {
		t.Errorf("model = %q, want first supported model", out.Model)
	}

	unknown := baseRequest()
	unknown.Model = "gpt-oss-unknown"
	_, err := a.ProcessRequest(context.Background(), pctx, unknown)
	var relayErr *relayerror.Error
	if !errors.As(err, &relayErr) || relayErr.Code != "UNKNOWN_MODEL" {
		t.Errorf("error = %v, want UNKNOWN_MODEL", err)
	}
}

func TestLMStudio_MaxTokensCap(t *testing.T) {
	a := NewAdapter("lmstudio-compat", Policy{
		Family:          FamilyLMStudio,
		Provider:        "lmstudio",
		SupportedModels: []string{"llama-3.1-8b-instruct"},
	})

	req := baseRequest()
	req.Model = "llama-3.1-8b-instruct"
	req.MaxTokens = 100000
	out := process(t, a, req, pipeline.NewContext("s", "c"))
	if out.MaxTokens != 4096 {
		t.Errorf("max_tokens = %d, want default cap 4096", out.MaxTokens)
	}

	small := baseRequest()
	small.Model = "llama-3.1-8b-instruct"
	small.MaxTokens = 100
	out = process(t, a, small, pipeline.NewContext("s", "c"))
	if out.MaxTokens != 100 {
		t.Errorf("max_tokens = %d, want user value kept under the cap", out.MaxTokens)
	}
}

func TestLMStudio_ToolTrafficRendered(t *testing.T) {
	a := NewAdapter("lmstudio-compat", Policy{
		Family:          FamilyLMStudio,
		Provider:        "lmstudio",
		SupportedModels: []string{"llama-3.1-8b-instruct"},
	})
	pctx := pipeline.NewContext("s", "c")

	req := &openai.ChatRequest{
		Model: "llama-3.1-8b-instruct",
		Messages: []openai.ChatMessage{
			{Role: "user", Content: "weather?"},
			{Role: "assistant", ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Type:     "function",
				Function: openai.FunctionCall{Name: "get_weather", Arguments: `{"city":"Paris"}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "sunny"},
		},
	}

	out := process(t, a, req, pctx)

	assistant := out.Messages[1]
	if len(assistant.ToolCalls) != 0 {
		t.Error("assistant tool_calls not rendered away")
	}
	if !strings.Contains(assistant.Content, "[Tool Call: get_weather]") {
		t.Errorf("assistant content = %q, want rendered tool call", assistant.Content)
	}

	result := out.Messages[2]
	if result.Role != "user" || !strings.Contains(result.Content, "[Tool Result] sunny") {
		t.Errorf("tool result message = %+v, want rendered user message", result)
	}
}

func TestLMStudio_NoValidMessages(t *testing.T) {
	a := NewAdapter("lmstudio-compat", Policy{
		Family:          FamilyLMStudio,
		Provider:        "lmstudio",
		SupportedModels: []string{"llama-3.1-8b-instruct"},
	})

	req := &openai.ChatRequest{
		Model:    "llama-3.1-8b-instruct",
		Messages: []openai.ChatMessage{{Role: "user", Content: ""}},
	}

	_, err := a.ProcessRequest(context.Background(), pipeline.NewContext("s", "c"), req)
	var relayErr *relayerror.Error
	if !errors.As(err, &relayErr) || relayErr.Code != "NO_VALID_MESSAGES" {
		t.Errorf("error = %v, want NO_VALID_MESSAGES", err)
	}
}

func TestOllama_ToolsAndPenaltiesDropped(t *testing.T) {
	a := NewAdapter("ollama-compat", Policy{Family: FamilyOllama, Provider: "ollama"})
	pctx := pipeline.NewContext("s", "c")

	req := baseRequest()
	req.Tools = []openai.Tool{{Type: "function", Function: openai.ToolFunction{Name: "f"}}}
	req.ToolChoice = "auto"
	req.FrequencyPenalty = floatPtr(0.5)
	req.PresencePenalty = floatPtr(0.5)

	out := process(t, a, req, pctx)

	if out.Tools != nil || out.ToolChoice != nil {
		t.Error("tools not dropped")
	}
	if out.FrequencyPenalty != nil || out.PresencePenalty != nil {
		t.Error("penalties not dropped")
	}
	if !pctx.HasTransformation("ollama_tools_dropped") {
		t.Error("missing ollama_tools_dropped log entry")
	}
}

func TestVLLM_RepetitionPenaltyDerived(t *testing.T) {
	a := NewAdapter("vllm-compat", Policy{Family: FamilyVLLM, Provider: "vllm"})

	req := baseRequest()
	req.FrequencyPenalty = floatPtr(0.5)
	req.Temperature = floatPtr(0)

	out := process(t, a, req, pipeline.NewContext("s", "c"))

	if out.RepetitionPenalty == nil || *out.RepetitionPenalty != 1.5 {
		t.Errorf("repetition_penalty = %v, want 1.5", out.RepetitionPenalty)
	}
	if out.FrequencyPenalty != nil {
		t.Error("frequency_penalty not cleared")
	}
	if *out.Temperature != 0.001 {
		t.Errorf("temperature = %f, want clamped to 0.001", *out.Temperature)
	}
}

func TestIFlow_TopKDerivedAndProtocolConfigStaged(t *testing.T) {
	a := NewAdapter("iflow-compat", Policy{
		Family:           FamilyIFlow,
		Provider:         "iflow",
		Endpoint:         "https://api.iflow.example/v1",
		APIKey:           "sk-test",
		AuthHeaderFormat: "Bearer %s",
		TopKMin:          1,
		TopKMax:          100,
	})
	pctx := pipeline.NewContext("s", "c")

	req := baseRequest()
	req.Temperature = floatPtr(0.5)

	out := process(t, a, req, pctx)

	if out.TopK == nil || *out.TopK != 50 {
		t.Errorf("top_k = %v, want 50 derived from temperature", out.TopK)
	}

	cfg, ok := pctx.Metadata[MetaProtocolConfig].(ProtocolConfig)
	if !ok {
		t.Fatal("protocolConfig not staged on context metadata")
	}
	if cfg.Endpoint != "https://api.iflow.example/v1" {
		t.Errorf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Headers["Authorization"] != "Bearer sk-test" {
		t.Errorf("auth header = %q", cfg.Headers["Authorization"])
	}
}

func TestIFlow_DoesNotMutateCallerRequest(t *testing.T) {
	a := NewAdapter("iflow-compat", Policy{Family: FamilyIFlow, Provider: "iflow"})
	pctx := pipeline.NewContext("s", "c")

	req := &openai.ChatRequest{
		Model: "some-model",
		Messages: []openai.ChatMessage{{
			Role: "assistant",
			ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Function: openai.FunctionCall{Name: "f", Arguments: ""},
			}},
		}},
	}

	out := process(t, a, req, pctx)

	if out.Messages[0].ToolCalls[0].Function.Arguments != "{}" {
		t.Errorf("processed arguments = %q, want defaulted {}", out.Messages[0].ToolCalls[0].Function.Arguments)
	}
	if req.Messages[0].ToolCalls[0].Function.Arguments != "" {
		t.Errorf("caller arguments = %q, want untouched empty string", req.Messages[0].ToolCalls[0].Function.Arguments)
	}
}

func TestPolicyFromSettings(t *testing.T) {
	settings := map[string]any{
		"family":           "deepseek",
		"provider":         "deepseek",
		"endpoint":         "https://api.deepseek.example",
		"max_tokens_cap":   4096,
		"supported_models": []string{"deepseek-chat"},
		"timeout":          "30s",
	}

	policy, err := PolicyFromSettings(settings)
	if err != nil {
		t.Fatalf("PolicyFromSettings() error = %v", err)
	}
	if policy.MaxTokensCap != 4096 {
		t.Errorf("MaxTokensCap = %d, want explicit 4096 over default", policy.MaxTokensCap)
	}
	if policy.Timeout.Seconds() != 30 {
		t.Errorf("Timeout = %v, want 30s", policy.Timeout)
	}
	if policy.TempMin != 0.01 {
		t.Errorf("TempMin = %f, want deepseek default", policy.TempMin)
	}
}
