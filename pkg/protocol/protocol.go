// Package protocol owns structural validation and the stream/non-stream
// inversion: requests are always collapsed to non-stream before the
// upstream call and responses re-expanded to chunk sequences when the
// client asked for streaming.
package protocol

import (
	"encoding/json"

	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

const DefaultMaxRequestBytes = 10 * 1024 * 1024

// maxContentSlices bounds the content-delta chunks emitted per response.
const maxContentSlices = 10

// ValidateRequest checks the structural minimum of an OpenAI-family
// request: a model string, a messages array, and a serialized size within
// the configured limit.
func ValidateRequest(req *openai.ChatRequest, maxBytes int) error {
	if req == nil {
		return relayerror.New(relayerror.TypeProtocol, "request is nil").
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}
	if req.Model == "" {
		return relayerror.New(relayerror.TypeProtocol, "request is missing a model").
			WithCode(relayerror.CodeMissingModel).WithParam("model")
	}
	if len(req.Messages) == 0 {
		return relayerror.New(relayerror.TypeProtocol, "request has no messages").
			WithCode(relayerror.CodeInvalidMessages).WithParam("messages")
	}
	if maxBytes > 0 {
		data, err := json.Marshal(req)
		if err != nil {
			return relayerror.Wrap(relayerror.TypeProtocol, "request is not serializable", err).
				WithCode(relayerror.CodeUnsupportedRequestFormat)
		}
		if len(data) > maxBytes {
			return relayerror.Newf(relayerror.TypeProtocol,
				"request size %d exceeds limit %d", len(data), maxBytes).
				WithCode(relayerror.CodeRequestSizeExceeded)
		}
	}
	return nil
}

// ValidateResponse checks the structural minimum of an OpenAI-family
// response: an id and a chat-completion object tag.
func ValidateResponse(resp *openai.ChatResponse) error {
	if resp == nil {
		return relayerror.New(relayerror.TypeProtocol, "response is nil").
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}
	if resp.ID == "" {
		return relayerror.New(relayerror.TypeProtocol, "response is missing an id").
			WithCode(relayerror.CodeMissingResponseID).WithParam("id")
	}
	if resp.Object != openai.ObjectChatCompletion && resp.Object != openai.ObjectChatCompletionChunk {
		return relayerror.Newf(relayerror.TypeProtocol,
			"unexpected response object %q", resp.Object).
			WithCode(relayerror.CodeInvalidResponseObject).WithParam("object")
	}
	return nil
}

// StreamRequestToNonStream copies the request with stream forced off. The
// upstream call itself is never issued here.
func StreamRequestToNonStream(req *openai.ChatRequest) *openai.ChatRequest {
	out := *req
	out.Stream = false
	return &out
}

// NonStreamResponseToStream expands a non-stream response into the chunk
// sequence a streaming client expects. The order is an observable
// contract: role, content slices, tool-call pairs, terminator.
func NonStreamResponseToStream(resp *openai.ChatResponse) []openai.ChatStreamChunk {
	var chunks []openai.ChatStreamChunk

	newChunk := func(choice openai.StreamChoice) openai.ChatStreamChunk {
		return openai.ChatStreamChunk{
			ID:      resp.ID,
			Object:  openai.ObjectChatCompletionChunk,
			Created: resp.Created,
			Model:   resp.Model,
			Choices: []openai.StreamChoice{choice},
		}
	}

	chunks = append(chunks, newChunk(openai.StreamChoice{
		Delta: openai.Delta{Role: openai.RoleAssistant},
	}))

	var message openai.ChatMessage
	finishReason := openai.FinishStop
	if len(resp.Choices) > 0 {
		message = resp.Choices[0].Message
		if resp.Choices[0].FinishReason != "" {
			finishReason = resp.Choices[0].FinishReason
		}
	}

	for _, slice := range splitContent(message.Content, maxContentSlices) {
		chunks = append(chunks, newChunk(openai.StreamChoice{
			Delta: openai.Delta{Content: slice},
		}))
	}

	for i, call := range message.ToolCalls {
		index := i
		chunks = append(chunks, newChunk(openai.StreamChoice{
			Delta: openai.Delta{ToolCalls: []openai.ToolCall{{
				ID:       call.ID,
				Type:     "function",
				Index:    &index,
				Function: openai.FunctionCall{Name: call.Function.Name},
			}}},
		}))
		argIndex := i
		chunks = append(chunks, newChunk(openai.StreamChoice{
			Delta: openai.Delta{ToolCalls: []openai.ToolCall{{
				Index:    &argIndex,
				Function: openai.FunctionCall{Arguments: call.Function.Arguments},
			}}},
		}))
	}

	chunks = append(chunks, newChunk(openai.StreamChoice{
		Delta:        openai.Delta{},
		FinishReason: &finishReason,
	}))

	return chunks
}

// splitContent partitions text into at most n roughly equal rune slices;
// the last slice absorbs the remainder.
func splitContent(text string, n int) []string {
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if n > len(runes) {
		n = len(runes)
	}
	size := len(runes) / n

	slices := make([]string, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := start + size
		if i == n-1 {
			end = len(runes)
		}
		slices = append(slices, string(runes[start:end]))
	}
	return slices
}

// AggregateChunks reassembles a chunk sequence into a non-stream response.
// Usage counters are not reconstructed; they are left zero.
func AggregateChunks(chunks []openai.ChatStreamChunk) (*openai.ChatResponse, error) {
	if len(chunks) == 0 {
		return nil, relayerror.New(relayerror.TypeProtocol, "empty chunk sequence").
			WithCode(relayerror.CodeEmptyChunksList)
	}

	resp := &openai.ChatResponse{
		ID:      chunks[0].ID,
		Object:  openai.ObjectChatCompletion,
		Created: chunks[0].Created,
		Model:   chunks[0].Model,
	}

	content := ""
	finishReason := ""
	type partialCall struct {
		id        string
		name      string
		arguments string
	}
	calls := make(map[int]*partialCall)
	maxIndex := -1

	for _, chunk := range chunks {
		for _, choice := range chunk.Choices {
			content += choice.Delta.Content
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
			}
			for _, call := range choice.Delta.ToolCalls {
				index := 0
				if call.Index != nil {
					index = *call.Index
				}
				partial := calls[index]
				if partial == nil {
					partial = &partialCall{}
					calls[index] = partial
				}
				if index > maxIndex {
					maxIndex = index
				}
				if call.ID != "" {
					partial.id = call.ID
				}
				if call.Function.Name != "" {
					partial.name = call.Function.Name
				}
				partial.arguments += call.Function.Arguments
			}
		}
	}

	message := openai.ChatMessage{Role: openai.RoleAssistant, Content: content}
	for i := 0; i <= maxIndex; i++ {
		partial := calls[i]
		if partial == nil {
			continue
		}
		message.ToolCalls = append(message.ToolCalls, openai.ToolCall{
			ID:   partial.id,
			Type: "function",
			Function: openai.FunctionCall{
				Name:      partial.name,
				Arguments: partial.arguments,
			},
		})
	}

	if finishReason == "" {
		finishReason = openai.FinishStop
	}
	resp.Choices = []openai.Choice{{Index: 0, Message: message, FinishReason: finishReason}}
	return resp, nil
}
