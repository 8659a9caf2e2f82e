package compat

import (
	"context"
	"strings"
	"testing"

	"github.com/kadirpekel/switchboard/pkg/gemini"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

func TestRepairResponse_FillsMissingFields(t *testing.T) {
	pctx := pipeline.NewContext("s", "c")
	resp := &openai.ChatResponse{
		Choices: []openai.Choice{{
			Message: openai.ChatMessage{
				Content: "hi",
				ToolCalls: []openai.ToolCall{{
					Function: openai.FunctionCall{Name: "f"},
				}},
			},
		}},
	}

	out, err := RepairResponse(resp, "deepseek", "deepseek-compat", pctx)
	if err != nil {
		t.Fatalf("RepairResponse() error = %v", err)
	}

	if !strings.HasPrefix(out.ID, "chatcmpl-deepseek-") {
		t.Errorf("id = %q, want chatcmpl-deepseek- prefix", out.ID)
	}
	if out.Object != "chat.completion" || out.Created == 0 {
		t.Errorf("object/created not defaulted: %+v", out)
	}

	choice := out.Choices[0]
	if choice.Message.Role != "assistant" {
		t.Errorf("role = %q, want assistant", choice.Message.Role)
	}
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls inferred", choice.FinishReason)
	}

	call := choice.Message.ToolCalls[0]
	if !strings.HasPrefix(call.ID, "call_deepseek_") {
		t.Errorf("tool call id = %q, want call_deepseek_ prefix", call.ID)
	}
	if call.Type != "function" || call.Function.Arguments != "{}" {
		t.Errorf("tool call defaults = %+v", call)
	}
}

func TestRepairResponse_EmptyChoicesDefaulted(t *testing.T) {
	out, err := RepairResponse(&openai.ChatResponse{ID: "x"}, "p", "m", pipeline.NewContext("s", "c"))
	if err != nil {
		t.Fatalf("RepairResponse() error = %v", err)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(out.Choices))
	}
	choice := out.Choices[0]
	if choice.Message.Role != "assistant" || choice.Message.Content != "" || choice.FinishReason != "stop" {
		t.Errorf("default choice = %+v", choice)
	}
}

func TestRepairResponse_UsageAliasing(t *testing.T) {
	resp := &openai.ChatResponse{
		ID: "x",
		Choices: []openai.Choice{{
			Message:      openai.ChatMessage{Role: "assistant", Content: "hi"},
			FinishReason: "stop",
		}},
		Usage: openai.Usage{InputTokens: 7, OutputTokens: 3},
	}

	out, err := RepairResponse(resp, "p", "m", nil)
	if err != nil {
		t.Fatalf("RepairResponse() error = %v", err)
	}
	if out.Usage.PromptTokens != 7 || out.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v, want aliases folded", out.Usage)
	}
	if out.Usage.TotalTokens != 10 {
		t.Errorf("total_tokens = %d, want 10 filled", out.Usage.TotalTokens)
	}
}

func TestRepairResponse_ThinkingStripped(t *testing.T) {
	pctx := pipeline.NewContext("s", "c")
	resp := &openai.ChatResponse{
		ID:       "x",
		Thinking: "chain of thought",
		Choices: []openai.Choice{{
			Message:      openai.ChatMessage{Role: "assistant", Content: "hi"},
			FinishReason: "stop",
		}},
	}

	out, err := RepairResponse(resp, "deepseek", "deepseek-compat", pctx)
	if err != nil {
		t.Fatalf("RepairResponse() error = %v", err)
	}
	if out.Thinking != "" {
		t.Error("thinking field not stripped")
	}
	if !pctx.HasTransformation("thinking_stripped") {
		t.Error("thinking strip not recorded")
	}
}

func TestRepairResponse_OllamaShapeRewritten(t *testing.T) {
	pctx := pipeline.NewContext("s", "c")
	payload := map[string]any{
		"model":             "llama3",
		"response":          "Hi there",
		"done":              true,
		"prompt_eval_count": float64(5),
		"eval_count":        float64(2),
	}

	out, err := RepairResponse(payload, "ollama", "ollama-compat", pctx)
	if err != nil {
		t.Fatalf("RepairResponse() error = %v", err)
	}
	if out.Choices[0].Message.Content != "Hi there" {
		t.Errorf("content = %q", out.Choices[0].Message.Content)
	}
	if out.Usage.PromptTokens != 5 || out.Usage.CompletionTokens != 2 || out.Usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", out.Usage)
	}
	if !pctx.HasTransformation("ollama_response_rewritten") {
		t.Error("rewrite not recorded")
	}
}

func TestRepairResponse_Idempotent(t *testing.T) {
	resp := &openai.ChatResponse{
		Choices: []openai.Choice{{
			Message: openai.ChatMessage{Content: "hi"},
		}},
		Usage: openai.Usage{PromptTokens: 1, CompletionTokens: 1},
	}

	once, err := RepairResponse(resp, "p", "m", nil)
	if err != nil {
		t.Fatalf("first repair error = %v", err)
	}
	twice, err := RepairResponse(once, "p", "m", nil)
	if err != nil {
		t.Fatalf("second repair error = %v", err)
	}

	if twice.ID != once.ID || twice.Created != once.Created {
		t.Error("second repair regenerated time/random fields")
	}
	if twice.Usage != once.Usage {
		t.Errorf("usage changed: %+v vs %+v", once.Usage, twice.Usage)
	}
	if twice.Choices[0].FinishReason != once.Choices[0].FinishReason {
		t.Error("finish_reason changed on second repair")
	}
}

func TestGeminiAdapter_RequestConversion(t *testing.T) {
	a := NewAdapter("gemini-compat", Policy{
		Family:       FamilyGemini,
		Provider:     "gemini-cli",
		Project:      "my-cloud-project",
		Endpoint:     "https://cloudcode.example/v1internal:generateContent",
		APIKey:       "key",
		MaxTokensCap: 8192,
	})
	pctx := pipeline.NewContext("s", "c")
	pctx.Decision = &pipeline.RoutingDecision{MappedModel: "gemini-2.5-pro"}

	req := &openai.ChatRequest{
		Model:     "gemini-2.5-pro",
		MaxTokens: 100000,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", ToolCalls: []openai.ToolCall{{
				ID:       "call_1",
				Function: openai.FunctionCall{Name: "f", Arguments: `{"a":1}`},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: "ok"},
		},
		Tools: []openai.Tool{{Type: "function", Function: openai.ToolFunction{Name: "f"}}},
	}

	out, err := a.ProcessRequest(context.Background(), pctx, req)
	if err != nil {
		t.Fatalf("ProcessRequest() error = %v", err)
	}
	greq, ok := out.(*gemini.GenerateRequest)
	if !ok {
		t.Fatalf("payload = %T, want *gemini.GenerateRequest", out)
	}

	if greq.Model != "gemini-2.5-pro" {
		t.Errorf("model = %q", greq.Model)
	}
	if greq.Project != "my-cloud-project" {
		t.Errorf("project = %q, want my-cloud-project", greq.Project)
	}
	inner := greq.Request
	if inner.SystemInstruction == nil || inner.SystemInstruction.Parts[0].Text != "be brief" {
		t.Error("system instruction not carried")
	}
	if len(inner.Contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(inner.Contents))
	}
	if inner.Contents[1].Parts[0].FunctionCall == nil {
		t.Error("assistant tool call not converted to functionCall part")
	}
	if inner.Contents[2].Parts[0].FunctionResponse == nil {
		t.Error("tool result not converted to functionResponse part")
	}
	if inner.GenerationConfig.MaxOutputTokens != 8192 {
		t.Errorf("maxOutputTokens = %d, want capped 8192", inner.GenerationConfig.MaxOutputTokens)
	}
	if len(inner.Tools) != 1 || inner.Tools[0].FunctionDeclarations[0].Name != "f" {
		t.Error("function declarations not carried")
	}

	if _, ok := pctx.Metadata[MetaProtocolConfig].(ProtocolConfig); !ok {
		t.Error("protocol config not staged")
	}
}

func TestGeminiAdapter_ResponseConversion(t *testing.T) {
	a := NewAdapter("gemini-compat", Policy{Family: FamilyGemini, Provider: "gemini-cli"})
	pctx := pipeline.NewContext("s", "c")
	pctx.Decision = &pipeline.RoutingDecision{MappedModel: "gemini-2.5-pro"}

	resp := &gemini.GenerateResponse{
		Response: &gemini.ResponseBody{
			Candidates: []gemini.Candidate{{
				Content: gemini.Content{
					Role: "model",
					Parts: []gemini.Part{
						{Text: "Hello"},
						{FunctionCall: &gemini.FunctionCall{Name: "f", Args: map[string]interface{}{"a": 1.0}}},
					},
				},
				FinishReason: "STOP",
			}},
			UsageMetadata: &gemini.UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 6, TotalTokenCount: 10},
		},
	}

	out, err := a.ProcessResponse(context.Background(), pctx, resp)
	if err != nil {
		t.Fatalf("ProcessResponse() error = %v", err)
	}
	chat := out.(*openai.ChatResponse)

	choice := chat.Choices[0]
	if choice.Message.Content != "Hello" {
		t.Errorf("content = %q", choice.Message.Content)
	}
	if len(choice.Message.ToolCalls) != 1 || choice.Message.ToolCalls[0].Function.Name != "f" {
		t.Errorf("tool calls = %+v", choice.Message.ToolCalls)
	}
	if choice.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q, want tool_calls", choice.FinishReason)
	}
	if chat.Usage.PromptTokens != 4 || chat.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", chat.Usage)
	}
}

func TestGeminiAdapter_ErrorNormalized(t *testing.T) {
	a := NewAdapter("gemini-compat", Policy{Family: FamilyGemini, Provider: "gemini-cli"})

	resp := &gemini.GenerateResponse{
		Error: &gemini.APIError{Code: 429, Message: "slow down", Status: "RESOURCE_EXHAUSTED"},
	}

	_, err := a.ProcessResponse(context.Background(), pipeline.NewContext("s", "c"), resp)
	relayErr := relayerror.AsError(err)
	if relayErr == nil || relayErr.Type != relayerror.TypeRateLimit {
		t.Errorf("error = %v, want rate_limit_error", err)
	}
}
