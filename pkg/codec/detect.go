package codec

import "encoding/json"

type Format string

const (
	FormatClientRequest  Format = "client_request"
	FormatOpenAIRequest  Format = "openai_request"
	FormatOpenAIResponse Format = "openai_response"
	FormatGeminiRequest  Format = "gemini_request"
	FormatUnknown        Format = "unknown"
)

// DetectFormat classifies an arbitrary payload by structure, never by model
// or provider names. Typed values are flattened through JSON first so the
// predicate only ever inspects field presence and shapes.
func DetectFormat(v any) Format {
	m, ok := v.(map[string]any)
	if !ok {
		data, err := json.Marshal(v)
		if err != nil {
			return FormatUnknown
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return FormatUnknown
		}
	}

	if _, ok := m["choices"].([]any); ok {
		if _, ok := m["id"].(string); ok {
			return FormatOpenAIResponse
		}
	}

	if inner, ok := m["request"].(map[string]any); ok {
		if _, ok := inner["contents"].([]any); ok {
			return FormatGeminiRequest
		}
	}
	if _, ok := m["contents"].([]any); ok {
		return FormatGeminiRequest
	}

	_, hasModel := m["model"].(string)
	messages, hasMessages := m["messages"].([]any)
	if !hasModel || !hasMessages {
		return FormatUnknown
	}

	if isClientShaped(m, messages) {
		return FormatClientRequest
	}
	return FormatOpenAIRequest
}

// isClientShaped separates the two request dialects that share model and
// messages fields. Client markers: a top-level system string, tools keyed
// by input_schema, or block-array message content. OpenAI markers: tool
// role messages, tool_calls, or function-typed tools.
func isClientShaped(m map[string]any, messages []any) bool {
	if _, ok := m["system"].(string); ok {
		return true
	}

	if tools, ok := m["tools"].([]any); ok {
		for _, t := range tools {
			tool, ok := t.(map[string]any)
			if !ok {
				continue
			}
			if _, ok := tool["input_schema"]; ok {
				return true
			}
			if _, ok := tool["function"]; ok {
				return false
			}
		}
	}

	for _, raw := range messages {
		msg, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if role, _ := msg["role"].(string); role == "tool" {
			return false
		}
		if _, ok := msg["tool_calls"]; ok {
			return false
		}
		if _, ok := msg["tool_call_id"]; ok {
			return false
		}
		if _, ok := msg["content"].([]any); ok {
			return true
		}
	}

	// Flat string conversations with max_tokens are the ingress default.
	_, hasMaxTokens := m["max_tokens"]
	return hasMaxTokens
}
