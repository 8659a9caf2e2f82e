// Package anthropic holds the client-dialect wire types: message-oriented
// requests with typed content blocks, tool_use/tool_result linkage, and
// input/output token usage.
package anthropic

import (
	"encoding/json"
	"fmt"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const (
	BlockTypeText       = "text"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
)

// MessagesRequest is the ingress request envelope.
type MessagesRequest struct {
	Model         string    `json:"model"`
	MaxTokens     int       `json:"max_tokens"`
	Messages      []Message `json:"messages"`
	System        string    `json:"system,omitempty"`
	Tools         []Tool    `json:"tools,omitempty"`
	Temperature   *float64  `json:"temperature,omitempty"`
	TopP          *float64  `json:"top_p,omitempty"`
	StopSequences []string  `json:"stop_sequences,omitempty"`
	Stream        bool      `json:"stream,omitempty"`

	// Thinking requests extended reasoning; its presence drives routing.
	Thinking *ThinkingParam `json:"thinking,omitempty"`
}

// ThinkingParam enables extended reasoning with an optional token budget.
type ThinkingParam struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one conversation turn. Content accepts either a plain string or
// an array of typed blocks on the wire.
type Message struct {
	Role    string    `json:"role"`
	Content BlockList `json:"content"`
}

// BlockList normalizes string-or-array content to a block slice. A string
// becomes a single text block so downstream code always walks blocks.
type BlockList []ContentBlock

func (b *BlockList) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*b = BlockList{{Type: BlockTypeText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks: %w", err)
	}
	*b = blocks
	return nil
}

// ContentBlock is one typed content element.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result; Content may be a string or nested blocks on the wire
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	IsError   bool        `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource references image data by base64 payload or URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool declares a callable tool with a JSON-schema input contract.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// MessagesResponse is the egress reply envelope.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model,omitempty"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Usage counts tokens in the client dialect.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// TextContent concatenates the text blocks of a message with newlines.
func (m Message) TextContent() string {
	text := ""
	for _, block := range m.Content {
		if block.Type != BlockTypeText || block.Text == "" {
			continue
		}
		if text != "" {
			text += "\n"
		}
		text += block.Text
	}
	return text
}

// ToolResultText renders a tool_result block's content as a string.
func (b ContentBlock) ToolResultText() string {
	switch v := b.Content.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
