// Package compat holds the server-compatibility adapters sitting between
// the protocol controller and the upstream client. One adapter per
// provider family: parameter clamping, tool-format normalization, response
// shape repair, and error normalization. Adapters are pre-configured at
// assembly; runtime reconfiguration is rejected.
package compat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/switchboard/pkg/module"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// Provider families dispatched by tag. Each family shares the generic
// clamping rules and layers its own quirks on top.
const (
	FamilyOpenAI   = "openai"
	FamilyDeepSeek = "deepseek"
	FamilyLMStudio = "lmstudio"
	FamilyOllama   = "ollama"
	FamilyVLLM     = "vllm"
	FamilyIFlow    = "iflow"
	FamilyGemini   = "gemini"
)

// Virtual model labels accepted by local-server adapters in place of a
// concrete model name.
var virtualLabels = map[string]bool{
	"default":     true,
	"reasoning":   true,
	"longContext": true,
	"webSearch":   true,
	"background":  true,
}

// MetaProtocolConfig is the metadata key carrying the resolved transport
// settings for the upstream stage.
const MetaProtocolConfig = "protocolConfig"

// ProtocolConfig is the transport block an adapter stages for the
// upstream client.
type ProtocolConfig struct {
	Endpoint       string            `mapstructure:"endpoint"`
	APIKey         string            `mapstructure:"api_key"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	MaxRetries     int               `mapstructure:"max_retries"`
	Headers        map[string]string `mapstructure:"headers"`
	ServerCompat   string            `mapstructure:"server_compat"`
	ProcessedModel string            `mapstructure:"processed_model"`
}

// Policy is the full pre-configured knob set for one adapter. Every field
// is fixed at assembly.
type Policy struct {
	Family           string            `mapstructure:"family"`
	Provider         string            `mapstructure:"provider"`
	Project          string            `mapstructure:"project"`
	Endpoint         string            `mapstructure:"endpoint"`
	APIKey           string            `mapstructure:"api_key"`
	AuthHeaderFormat string            `mapstructure:"auth_header_format"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	MaxRetries       int               `mapstructure:"max_retries"`
	SupportedModels  []string          `mapstructure:"supported_models"`
	ModelMap         map[string]string `mapstructure:"model_map"`
	MaxTokensByModel map[string]int    `mapstructure:"max_tokens_by_model"`
	MaxTokensCap     int               `mapstructure:"max_tokens_cap"`
	ContextWindow    int               `mapstructure:"context_window"`
	TempMin          float64           `mapstructure:"temp_min"`
	TempMax          float64           `mapstructure:"temp_max"`
	TopPMin          float64           `mapstructure:"top_p_min"`
	TopPMax          float64           `mapstructure:"top_p_max"`
	TopKMin          int               `mapstructure:"top_k_min"`
	TopKMax          int               `mapstructure:"top_k_max"`
	ThinkingEnabled  bool              `mapstructure:"thinking_enabled"`
}

// SetDefaults fills family-specific policy defaults.
func (p *Policy) SetDefaults() {
	switch p.Family {
	case FamilyDeepSeek:
		if p.MaxTokensCap == 0 {
			p.MaxTokensCap = 8192
		}
		if p.TempMin == 0 {
			p.TempMin = 0.01
		}
		if p.TempMax == 0 {
			p.TempMax = 2.0
		}
		if p.TopPMin == 0 {
			p.TopPMin = 0.01
		}
		if p.TopPMax == 0 {
			p.TopPMax = 1.0
		}
	case FamilyVLLM:
		if p.TempMin == 0 {
			p.TempMin = 0.001
		}
		if p.TempMax == 0 {
			p.TempMax = 2.0
		}
		if p.TopPMax == 0 {
			p.TopPMax = 1.0
		}
	default:
		if p.TempMax == 0 {
			p.TempMax = 2.0
		}
		if p.TopPMax == 0 {
			p.TopPMax = 1.0
		}
	}
	if p.Timeout == 0 {
		p.Timeout = 60 * time.Second
	}
	if p.TopKMax == 0 {
		p.TopKMax = 100
	}
}

// PolicyFromSettings decodes a free-form settings map into a Policy.
// Config loaders hand adapters their provider blocks this way.
func PolicyFromSettings(settings map[string]any) (Policy, error) {
	var p Policy
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &p,
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return p, err
	}
	if err := decoder.Decode(settings); err != nil {
		return p, relayerror.Wrap(relayerror.TypeValidation, "invalid adapter settings", err)
	}
	p.SetDefaults()
	return p, nil
}

// Adapter is the compat pipeline stage for one provider family.
type Adapter struct {
	*module.Base
	policy Policy
}

func NewAdapter(id string, policy Policy) *Adapter {
	policy.SetDefaults()
	return &Adapter{
		Base:   module.NewBase(id, policy.Family+"-compat", module.TypeCompat),
		policy: policy,
	}
}

func (a *Adapter) Policy() Policy { return a.policy }

// ProcessRequest applies the family's request policy: model selection,
// tool policy, and parameter clamps. The input is copied; clamping is
// idempotent.
func (a *Adapter) ProcessRequest(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	in, ok := payload.(*openai.ChatRequest)
	if !ok {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"compat adapter expects an OpenAI-family request, got %T", payload).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}

	req := cloneRequest(in)
	a.selectModel(req, pctx)

	switch a.policy.Family {
	case FamilyDeepSeek:
		if len(req.Tools) > 0 && isAbsentToolChoice(req.ToolChoice) {
			req.ToolChoice = "auto"
			pctx.RecordTransformation(a.ID(), "deepseek_tool_choice_defaulted", "")
		}
	case FamilyLMStudio:
		if err := a.lmstudioRequest(req, pctx); err != nil {
			return nil, err
		}
	case FamilyOllama:
		if len(req.Tools) > 0 || req.ToolChoice != nil {
			req.Tools = nil
			req.ToolChoice = nil
			pctx.RecordTransformation(a.ID(), "ollama_tools_dropped", "")
		}
		if req.FrequencyPenalty != nil || req.PresencePenalty != nil {
			req.FrequencyPenalty = nil
			req.PresencePenalty = nil
			pctx.RecordTransformation(a.ID(), "ollama_penalties_dropped", "")
		}
	case FamilyVLLM:
		if req.FrequencyPenalty != nil && req.RepetitionPenalty == nil {
			rp := 1 + *req.FrequencyPenalty
			req.RepetitionPenalty = &rp
			req.FrequencyPenalty = nil
			pctx.RecordTransformation(a.ID(), "vllm_repetition_penalty_derived", "")
		}
	case FamilyIFlow:
		a.iflowRequest(req, pctx)
	case FamilyGemini:
		return a.geminiRequest(req, pctx)
	}

	a.clampParameters(req, pctx)
	return req, nil
}

// ProcessResponse repairs the upstream response into the canonical
// non-stream shape.
func (a *Adapter) ProcessResponse(ctx context.Context, pctx *pipeline.Context, payload any) (any, error) {
	if a.policy.Family == FamilyGemini {
		return a.geminiResponse(payload, pctx)
	}
	return RepairResponse(payload, a.policy.Provider, a.ID(), pctx)
}

func (a *Adapter) selectModel(req *openai.ChatRequest, pctx *pipeline.Context) {
	if pctx.Decision != nil && pctx.Decision.MappedModel != "" {
		req.Model = pctx.Decision.MappedModel
	}
	if mapped, ok := a.policy.ModelMap[req.Model]; ok {
		req.Model = mapped
	} else if a.policy.Family == FamilyIFlow && req.Model == "" && len(a.policy.SupportedModels) > 0 {
		req.Model = a.policy.SupportedModels[0]
	}
}

func (a *Adapter) lmstudioRequest(req *openai.ChatRequest, pctx *pipeline.Context) error {
	if virtualLabels[req.Model] {
		if mapped, ok := a.policy.ModelMap[req.Model]; ok {
			req.Model = mapped
		} else if len(a.policy.SupportedModels) > 0 {
			req.Model = a.policy.SupportedModels[0]
		}
		pctx.RecordTransformation(a.ID(), "lmstudio_virtual_model_mapped", req.Model)
	} else if !a.isSupportedModel(req.Model) {
		return relayerror.Newf(relayerror.TypeValidation,
			"model %q is not served by this LM Studio instance", req.Model).
			WithCode("UNKNOWN_MODEL").WithParam("model")
	}

	// Render tool traffic as plain text; local servers choke on assistant
	// tool_calls and tool-role messages mid-conversation.
	messages := req.Messages[:0]
	for _, msg := range req.Messages {
		switch {
		case msg.Role == openai.RoleTool:
			content := "[Tool Result] " + msg.Content
			messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: content})
			pctx.RecordTransformation(a.ID(), "lmstudio_tool_result_rendered", msg.ToolCallID)
		case len(msg.ToolCalls) > 0:
			content := msg.Content
			for _, call := range msg.ToolCalls {
				if content != "" {
					content += "\n"
				}
				content += fmt.Sprintf("[Tool Call: %s] %s", call.Function.Name, call.Function.Arguments)
			}
			messages = append(messages, openai.ChatMessage{Role: msg.Role, Content: content})
			pctx.RecordTransformation(a.ID(), "lmstudio_tool_call_rendered", "")
		case msg.Content == "":
			continue
		default:
			messages = append(messages, msg)
		}
	}
	req.Messages = messages

	if len(req.Messages) == 0 {
		return relayerror.New(relayerror.TypeValidation,
			"no valid messages after filtering").WithCode("NO_VALID_MESSAGES").WithParam("messages")
	}

	for i := range req.Tools {
		req.Tools[i].Type = "function"
	}

	cap := a.modelMaxTokens(req.Model)
	if cap == 0 {
		cap = 4096
		if a.policy.ContextWindow > 0 && a.policy.ContextWindow/4 < cap {
			cap = a.policy.ContextWindow / 4
		}
	}
	if req.MaxTokens == 0 || req.MaxTokens > cap {
		req.MaxTokens = cap
		pctx.RecordTransformation(a.ID(), "lmstudio_max_tokens_adjusted", fmt.Sprint(cap))
	}
	return nil
}

func (a *Adapter) iflowRequest(req *openai.ChatRequest, pctx *pipeline.Context) {
	for i := range req.Tools {
		req.Tools[i].Type = "function"
	}
	for i := range req.Messages {
		for j := range req.Messages[i].ToolCalls {
			call := &req.Messages[i].ToolCalls[j]
			if call.Function.Arguments == "" {
				call.Function.Arguments = "{}"
				pctx.RecordTransformation(a.ID(), "iflow_tool_arguments_defaulted", call.ID)
			}
		}
	}

	if req.TopK == nil && req.Temperature != nil {
		derived := int(*req.Temperature * float64(a.policy.TopKMax))
		if derived < a.policy.TopKMin {
			derived = a.policy.TopKMin
		}
		if derived > a.policy.TopKMax {
			derived = a.policy.TopKMax
		}
		req.TopK = &derived
		pctx.RecordTransformation(a.ID(), "iflow_top_k_derived", fmt.Sprint(derived))
	}

	pctx.Metadata[MetaProtocolConfig] = ProtocolConfig{
		Endpoint:   a.policy.Endpoint,
		APIKey:     a.policy.APIKey,
		Timeout:    a.policy.Timeout,
		MaxRetries: a.policy.MaxRetries,
		Headers:    a.authHeaders(),
	}
}

func (a *Adapter) authHeaders() map[string]string {
	if a.policy.APIKey == "" {
		return nil
	}
	format := a.policy.AuthHeaderFormat
	if format == "" {
		format = "Bearer %s"
	}
	return map[string]string{"Authorization": fmt.Sprintf(format, a.policy.APIKey)}
}

// clampParameters applies the family's numeric bounds. Re-applying to an
// already-clamped request changes nothing.
func (a *Adapter) clampParameters(req *openai.ChatRequest, pctx *pipeline.Context) {
	family := a.policy.Family

	if req.Temperature != nil {
		if clamped, did := clampFloat(*req.Temperature, a.policy.TempMin, a.policy.TempMax); did {
			*req.Temperature = clamped
			pctx.RecordTransformation(a.ID(), family+"_temperature_adjusted", fmt.Sprint(clamped))
		}
	}
	if req.TopP != nil {
		if clamped, did := clampFloat(*req.TopP, a.policy.TopPMin, a.policy.TopPMax); did {
			*req.TopP = clamped
			pctx.RecordTransformation(a.ID(), family+"_top_p_adjusted", fmt.Sprint(clamped))
		}
	}

	cap := a.modelMaxTokens(req.Model)
	if cap == 0 {
		cap = a.policy.MaxTokensCap
	}
	if cap > 0 && req.MaxTokens > cap {
		req.MaxTokens = cap
		pctx.RecordTransformation(a.ID(), family+"_max_tokens_adjusted", fmt.Sprint(cap))
	}
}

func (a *Adapter) modelMaxTokens(model string) int {
	if cap, ok := a.policy.MaxTokensByModel[model]; ok {
		return cap
	}
	return 0
}

func (a *Adapter) isSupportedModel(model string) bool {
	if len(a.policy.SupportedModels) == 0 {
		return true
	}
	for _, m := range a.policy.SupportedModels {
		if m == model {
			return true
		}
	}
	return false
}

func clampFloat(v, min, max float64) (float64, bool) {
	if v < min {
		return min, true
	}
	if max > 0 && v > max {
		return max, true
	}
	return v, false
}

func isAbsentToolChoice(choice interface{}) bool {
	if choice == nil {
		return true
	}
	s, ok := choice.(string)
	return ok && (s == "" || s == "none")
}

func cloneRequest(req *openai.ChatRequest) *openai.ChatRequest {
	out := *req
	out.Messages = append([]openai.ChatMessage(nil), req.Messages...)
	for i := range out.Messages {
		// Tool calls are rewritten by some families; the backing array
		// must not be shared with the caller.
		out.Messages[i].ToolCalls = append([]openai.ToolCall(nil), out.Messages[i].ToolCalls...)
	}
	out.Tools = append([]openai.Tool(nil), req.Tools...)
	out.Stop = append([]string(nil), req.Stop...)
	if req.Temperature != nil {
		t := *req.Temperature
		out.Temperature = &t
	}
	if req.TopP != nil {
		p := *req.TopP
		out.TopP = &p
	}
	if req.TopK != nil {
		k := *req.TopK
		out.TopK = &k
	}
	if req.FrequencyPenalty != nil {
		f := *req.FrequencyPenalty
		out.FrequencyPenalty = &f
	}
	if req.PresencePenalty != nil {
		p := *req.PresencePenalty
		out.PresencePenalty = &p
	}
	if req.RepetitionPenalty != nil {
		r := *req.RepetitionPenalty
		out.RepetitionPenalty = &r
	}
	return &out
}

// marshalArguments serializes tool-call arguments, falling back to an
// empty object on failure.
func marshalArguments(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
