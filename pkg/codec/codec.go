// Package codec translates between the client dialect and the OpenAI-family
// wire shape. The translation is bijective for messages, tool definitions,
// tool calls, tool results, finish reasons, and usage counters.
package codec

import (
	"encoding/json"

	"github.com/kadirpekel/switchboard/pkg/anthropic"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/pipeline"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// RequestToOpenAI converts a client-dialect request to the OpenAI-family
// shape. targetModel overrides the incoming model label when non-empty;
// max_tokens passes through untouched, clamping belongs to the compat
// adapters.
func RequestToOpenAI(req *anthropic.MessagesRequest, targetModel string, pctx *pipeline.Context) (*openai.ChatRequest, error) {
	out := &openai.ChatRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if targetModel != "" {
		out.Model = targetModel
	}

	if req.System != "" {
		out.Messages = append(out.Messages, openai.ChatMessage{
			Role:    openai.RoleSystem,
			Content: req.System,
		})
	}

	for _, msg := range req.Messages {
		converted, err := convertMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, converted...)
	}

	// An upstream never accepts an empty conversation; synthesize a
	// placeholder turn when every message was dropped.
	if !hasConversation(out.Messages) {
		out.Messages = append(out.Messages, openai.ChatMessage{
			Role:    openai.RoleUser,
			Content: "Hello",
		})
		if pctx != nil {
			pctx.RecordTransformation("codec", "placeholder_message_synthesized", "")
		}
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			return nil, relayerror.New(relayerror.TypeValidation,
				"tool definition is missing a name").WithCode("INVALID_TOOL").WithParam("tools")
		}
		out.Tools = append(out.Tools, openai.Tool{
			Type: "function",
			Function: openai.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	return out, nil
}

// convertMessage flattens one client message into zero or more OpenAI
// messages. Tool results become role=tool messages; assistant tool_use
// blocks become tool_calls. Empty results are dropped.
func convertMessage(msg anthropic.Message) ([]openai.ChatMessage, error) {
	var out []openai.ChatMessage
	var text string
	var toolCalls []openai.ToolCall

	for _, block := range msg.Content {
		switch block.Type {
		case anthropic.BlockTypeText:
			if block.Text == "" {
				continue
			}
			if text != "" {
				text += "\n"
			}
			text += block.Text

		case anthropic.BlockTypeToolUse:
			args := "{}"
			if block.Input != nil {
				if data, err := json.Marshal(block.Input); err == nil {
					args = string(data)
				}
			}
			toolCalls = append(toolCalls, openai.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: openai.FunctionCall{
					Name:      block.Name,
					Arguments: args,
				},
			})

		case anthropic.BlockTypeToolResult:
			out = append(out, openai.ChatMessage{
				Role:       openai.RoleTool,
				ToolCallID: block.ToolUseID,
				Content:    block.ToolResultText(),
			})

		case anthropic.BlockTypeImage:
			// Dropped here; adapters that support image input re-attach
			// from the original envelope.
			continue
		}
	}

	if text == "" && len(toolCalls) == 0 {
		return out, nil
	}

	role := msg.Role
	if role != anthropic.RoleUser && role != anthropic.RoleAssistant && role != anthropic.RoleSystem {
		return nil, relayerror.Newf(relayerror.TypeProtocol,
			"unsupported message role: %s", role).WithCode(relayerror.CodeInvalidMessageRole)
	}

	out = append(out, openai.ChatMessage{
		Role:      role,
		Content:   text,
		ToolCalls: toolCalls,
	})
	return out, nil
}

func hasConversation(messages []openai.ChatMessage) bool {
	for _, m := range messages {
		if m.Role != openai.RoleSystem {
			return true
		}
	}
	return false
}

// ResponseToClient converts an OpenAI-family non-stream response to the
// client dialect. Tool-call arguments are parsed leniently: malformed JSON
// yields an empty input object and a transformations-log entry instead of
// a failed response.
func ResponseToClient(resp *openai.ChatResponse, pctx *pipeline.Context) (*anthropic.MessagesResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, relayerror.New(relayerror.TypeProtocol,
			"response has no choices").WithCode(relayerror.CodeMissingResponseChoices)
	}

	choice := resp.Choices[0]
	out := &anthropic.MessagesResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  anthropic.RoleAssistant,
		Model: resp.Model,
		Usage: anthropic.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	if choice.Message.Content != "" {
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type: anthropic.BlockTypeText,
			Text: choice.Message.Content,
		})
	}

	for _, call := range choice.Message.ToolCalls {
		input := map[string]interface{}{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				input = map[string]interface{}{}
				if pctx != nil {
					pctx.RecordTransformation("codec", "tool_args_unparseable", call.ID)
				}
			}
		}
		out.Content = append(out.Content, anthropic.ContentBlock{
			Type:  anthropic.BlockTypeToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	out.StopReason = mapFinishReason(choice.FinishReason)
	return out, nil
}

func mapFinishReason(reason string) string {
	switch reason {
	case openai.FinishLength:
		return anthropic.StopMaxTokens
	case openai.FinishToolCalls:
		return anthropic.StopToolUse
	case openai.FinishStop, openai.FinishContentFilter:
		return anthropic.StopEndTurn
	default:
		return anthropic.StopEndTurn
	}
}
