package compat

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randBase36(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = base36[rand.Intn(len(base36))]
	}
	return string(b)
}

// RepairResponse normalizes an upstream response into the canonical
// non-stream shape, filling missing fields deterministically. Repairing a
// canonical response is a no-op.
func RepairResponse(payload any, provider, moduleID string, pctx *pipeline.Context) (*openai.ChatResponse, error) {
	var resp *openai.ChatResponse

	switch v := payload.(type) {
	case *openai.ChatResponse:
		copied := *v
		copied.Choices = append([]openai.Choice(nil), v.Choices...)
		resp = &copied
	case map[string]any:
		decoded, err := decodeResponseMap(v, moduleID, pctx)
		if err != nil {
			return nil, err
		}
		resp = decoded
	default:
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"compat adapter expects an upstream response, got %T", payload).
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}

	now := time.Now().Unix()

	if resp.ID == "" {
		resp.ID = fmt.Sprintf("chatcmpl-%s-%d-%s", provider, now, randBase36(9))
		record(pctx, moduleID, "response_id_synthesized", resp.ID)
	}
	if resp.Object != openai.ObjectChatCompletion {
		resp.Object = openai.ObjectChatCompletion
	}
	if resp.Created == 0 {
		resp.Created = now
	}

	if len(resp.Choices) == 0 {
		resp.Choices = []openai.Choice{{
			Message:      openai.ChatMessage{Role: openai.RoleAssistant, Content: ""},
			FinishReason: openai.FinishStop,
		}}
		record(pctx, moduleID, "empty_choices_defaulted", "")
	}

	for i := range resp.Choices {
		choice := &resp.Choices[i]
		choice.Index = i
		if choice.Message.Role == "" {
			choice.Message.Role = openai.RoleAssistant
		}
		if choice.FinishReason == "" {
			if len(choice.Message.ToolCalls) > 0 {
				choice.FinishReason = openai.FinishToolCalls
			} else {
				choice.FinishReason = openai.FinishStop
			}
		}
		for j := range choice.Message.ToolCalls {
			call := &choice.Message.ToolCalls[j]
			if call.ID == "" {
				call.ID = fmt.Sprintf("call_%s_%d_%s", provider, now, randBase36(6))
				record(pctx, moduleID, "tool_call_id_synthesized", call.ID)
			}
			if call.Type == "" {
				call.Type = "function"
			}
			if call.Function.Arguments == "" {
				call.Function.Arguments = "{}"
				record(pctx, moduleID, "tool_arguments_defaulted", call.ID)
			}
		}
	}

	repairUsage(&resp.Usage)

	if resp.Thinking != "" {
		record(pctx, moduleID, "thinking_stripped", strconv.Itoa(len(resp.Thinking)))
		resp.Thinking = ""
	}

	return resp, nil
}

// repairUsage folds alias counters into the canonical names and fills the
// total when absent.
func repairUsage(u *openai.Usage) {
	if u.PromptTokens == 0 && u.InputTokens > 0 {
		u.PromptTokens = u.InputTokens
	}
	if u.CompletionTokens == 0 && u.OutputTokens > 0 {
		u.CompletionTokens = u.OutputTokens
	}
	u.InputTokens = 0
	u.OutputTokens = 0
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
}

// decodeResponseMap handles raw upstream payloads, including the Ollama
// generate shape {response, done, prompt_eval_count, eval_count}.
func decodeResponseMap(m map[string]any, moduleID string, pctx *pipeline.Context) (*openai.ChatResponse, error) {
	if response, ok := m["response"].(string); ok {
		if _, hasDone := m["done"]; hasDone {
			resp := &openai.ChatResponse{
				Model: str(m["model"]),
				Choices: []openai.Choice{{
					Message:      openai.ChatMessage{Role: openai.RoleAssistant, Content: response},
					FinishReason: openai.FinishStop,
				}},
				Usage: openai.Usage{
					PromptTokens:     num(m["prompt_eval_count"]),
					CompletionTokens: num(m["eval_count"]),
				},
			}
			record(pctx, moduleID, "ollama_response_rewritten", "")
			return resp, nil
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, relayerror.Wrap(relayerror.TypeProtocol,
			"upstream response is not serializable", err).
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}
	var resp openai.ChatResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, relayerror.Wrap(relayerror.TypeProtocol,
			"upstream response does not decode", err).
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}
	return &resp, nil
}

func record(pctx *pipeline.Context, moduleID, kind, detail string) {
	if pctx != nil {
		pctx.RecordTransformation(moduleID, kind, detail)
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}
