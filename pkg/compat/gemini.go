package compat

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/switchboard/pkg/gemini"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// geminiRequest converts the OpenAI-family request into the project-scoped
// Gemini envelope and stages the transport block for the upstream client.
func (a *Adapter) geminiRequest(req *openai.ChatRequest, pctx *pipeline.Context) (any, error) {
	model := req.Model
	if pctx.Decision != nil && pctx.Decision.MappedModel != "" {
		model = pctx.Decision.MappedModel
	}
	if mapped, ok := a.policy.ModelMap[model]; ok {
		model = mapped
	}

	inner := &gemini.InnerRequest{}

	for _, msg := range req.Messages {
		switch msg.Role {
		case openai.RoleSystem:
			inner.SystemInstruction = &gemini.Content{
				Parts: []gemini.Part{{Text: msg.Content}},
			}

		case openai.RoleAssistant:
			content := gemini.Content{Role: gemini.RoleModel}
			if msg.Content != "" {
				content.Parts = append(content.Parts, gemini.Part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				args := map[string]interface{}{}
				if call.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
						args = map[string]interface{}{}
						pctx.RecordTransformation(a.ID(), "tool_args_unparseable", call.ID)
					}
				}
				content.Parts = append(content.Parts, gemini.Part{
					FunctionCall: &gemini.FunctionCall{Name: call.Function.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				inner.Contents = append(inner.Contents, content)
			}

		case openai.RoleTool:
			inner.Contents = append(inner.Contents, gemini.Content{
				Role: gemini.RoleUser,
				Parts: []gemini.Part{{
					FunctionResponse: &gemini.FunctionResponse{
						Name:     msg.ToolCallID,
						Response: map[string]interface{}{"result": msg.Content},
					},
				}},
			})

		default:
			if msg.Content == "" {
				continue
			}
			inner.Contents = append(inner.Contents, gemini.Content{
				Role:  gemini.RoleUser,
				Parts: []gemini.Part{{Text: msg.Content}},
			})
		}
	}

	if len(req.Tools) > 0 {
		set := gemini.ToolSet{}
		for _, tool := range req.Tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, gemini.FunctionDeclaration{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			})
		}
		inner.Tools = []gemini.ToolSet{set}
	}

	config := &gemini.GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		MaxOutputTokens: req.MaxTokens,
	}
	cap := a.modelMaxTokens(model)
	if cap == 0 {
		cap = a.policy.MaxTokensCap
	}
	if cap > 0 && (config.MaxOutputTokens == 0 || config.MaxOutputTokens > cap) {
		config.MaxOutputTokens = cap
		pctx.RecordTransformation(a.ID(), "gemini_max_tokens_adjusted", fmt.Sprint(cap))
	}
	if a.policy.ThinkingEnabled {
		config.ThinkingConfig = &gemini.ThinkingConfig{IncludeThoughts: true}
	}
	inner.GenerationConfig = config

	pctx.Metadata[MetaProtocolConfig] = ProtocolConfig{
		Endpoint:       a.policy.Endpoint,
		APIKey:         a.policy.APIKey,
		Timeout:        a.policy.Timeout,
		MaxRetries:     a.policy.MaxRetries,
		Headers:        a.authHeaders(),
		ServerCompat:   FamilyGemini,
		ProcessedModel: model,
	}

	return &gemini.GenerateRequest{Model: model, Project: a.policy.Project, Request: inner}, nil
}

// geminiResponse converts a native Gemini response to the canonical
// OpenAI-family shape.
func (a *Adapter) geminiResponse(payload any, pctx *pipeline.Context) (*openai.ChatResponse, error) {
	resp, ok := payload.(*gemini.GenerateResponse)
	if !ok {
		// Some deployments already answer in OpenAI shape.
		return RepairResponse(payload, a.policy.Provider, a.ID(), pctx)
	}

	if resp.Error != nil {
		return nil, normalizeGeminiError(resp.Error)
	}

	candidates, usage := resp.Body()
	now := time.Now().Unix()
	out := &openai.ChatResponse{
		ID:      fmt.Sprintf("chatcmpl-%s-%d-%s", a.policy.Provider, now, randBase36(9)),
		Object:  openai.ObjectChatCompletion,
		Created: now,
	}
	if pctx.Decision != nil {
		out.Model = pctx.Decision.MappedModel
	}

	message := openai.ChatMessage{Role: openai.RoleAssistant}
	finish := openai.FinishStop
	if len(candidates) > 0 {
		candidate := candidates[0]
		for _, part := range candidate.Content.Parts {
			switch {
			case part.Text != "":
				if message.Content != "" {
					message.Content += "\n"
				}
				message.Content += part.Text
			case part.FunctionCall != nil:
				message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
					ID:   fmt.Sprintf("call_%s_%d_%s", a.policy.Provider, now, randBase36(6)),
					Type: "function",
					Function: openai.FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: marshalArguments(part.FunctionCall.Args),
					},
				})
			}
		}
		switch candidate.FinishReason {
		case gemini.FinishMaxTokens:
			finish = openai.FinishLength
		case gemini.FinishSafety:
			finish = openai.FinishContentFilter
		}
	}
	if len(message.ToolCalls) > 0 {
		finish = openai.FinishToolCalls
	}
	out.Choices = []openai.Choice{{Index: 0, Message: message, FinishReason: finish}}

	if usage != nil {
		out.Usage = openai.Usage{
			PromptTokens:     usage.PromptTokenCount,
			CompletionTokens: usage.CandidatesTokenCount,
			TotalTokens:      usage.TotalTokenCount,
		}
	}
	repairUsage(&out.Usage)

	return out, nil
}

func normalizeGeminiError(apiErr *gemini.APIError) *relayerror.Error {
	t := relayerror.TypeAPI
	switch apiErr.Code {
	case 401, 403:
		t = relayerror.TypeAuthentication
	case 404:
		t = relayerror.TypeNotFound
	case 429:
		t = relayerror.TypeRateLimit
	case 400:
		t = relayerror.TypeValidation
	}
	return relayerror.New(t, apiErr.Message)
}
