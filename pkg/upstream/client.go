// Package upstream issues the actual provider calls. OpenAI-compatible
// providers (OpenAI, DeepSeek, LM Studio, Ollama, vLLM, iFlow) go through
// the official SDK client pointed at the provider's base URL; the
// Gemini-native endpoint speaks raw JSON. Key rotation on 401 lives here.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kadirpekel/switchboard/pkg/compat"
	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

type KeyStrategy string

const (
	StrategyRoundRobin KeyStrategy = "round-robin"
	StrategyRandom     KeyStrategy = "random"
)

// Config fixes one provider's transport at assembly.
type Config struct {
	Provider           string
	BaseURL            string
	APIKeys            []string
	Strategy           KeyStrategy
	Organization       string
	AuthHeaderFormat   string
	Headers            map[string]string
	Timeout            time.Duration
	MaxRetries         int
	SkipAuthentication bool
}

// Client is shared across every pipeline pointing at the same provider and
// key set. The key cursor is the only mutable state and is guarded.
type Client struct {
	cfg     Config
	clients []*goopenai.Client

	mu     sync.Mutex
	cursor int
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	keys := cfg.APIKeys
	if len(keys) == 0 {
		// Local servers accept any credential.
		keys = []string{""}
	}

	clients := make([]*goopenai.Client, len(keys))
	for i, key := range keys {
		sdkCfg := goopenai.DefaultConfig(key)
		if cfg.BaseURL != "" {
			sdkCfg.BaseURL = cfg.BaseURL
		}
		if cfg.Organization != "" {
			sdkCfg.OrgID = cfg.Organization
		}
		httpClient := &http.Client{Timeout: cfg.Timeout}
		if headers := staticHeaders(cfg, key); len(headers) > 0 {
			httpClient.Transport = &headerTransport{base: http.DefaultTransport, headers: headers}
		}
		sdkCfg.HTTPClient = httpClient
		clients[i] = goopenai.NewClientWithConfig(sdkCfg)
	}

	return &Client{cfg: cfg, clients: clients}
}

// staticHeaders builds the fixed header set for one key. A configured
// AuthHeaderFormat replaces the SDK's bearer scheme on the wire.
func staticHeaders(cfg Config, key string) map[string]string {
	out := make(map[string]string, len(cfg.Headers)+1)
	for name, value := range cfg.Headers {
		out[name] = value
	}
	if cfg.AuthHeaderFormat != "" && key != "" {
		out["Authorization"] = fmt.Sprintf(cfg.AuthHeaderFormat, key)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// headerTransport rewrites fixed headers after the SDK has set its own.
type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for name, value := range t.headers {
		clone.Header.Set(name, value)
	}
	return t.base.RoundTrip(clone)
}

func (c *Client) KeyCount() int { return len(c.clients) }

// nextIndex advances the rotation cursor per the configured strategy.
func (c *Client) nextIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Strategy == StrategyRandom {
		return rand.Intn(len(c.clients))
	}
	idx := c.cursor
	c.cursor = (c.cursor + 1) % len(c.clients)
	return idx
}

// Process issues one non-stream chat completion. Stream requests are a
// protocol error at this layer. A 401 rotates to the next key and retries
// the same request up to keyCount-1 times; any other failure propagates.
func (c *Client) Process(ctx context.Context, req *openai.ChatRequest) (*openai.ChatResponse, error) {
	if req.Stream {
		return nil, relayerror.New(relayerror.TypeProtocol,
			"upstream client only accepts non-stream requests").
			WithCode(relayerror.CodeInvalidStreamFlag).WithParam("stream")
	}

	sdkReq := toSDKRequest(req)

	attempts := len(c.clients)
	tried := make(map[int]bool, attempts)
	index := c.nextIndex()
	var lastErr error
	for {
		tried[index] = true
		resp, err := c.clients[index].CreateChatCompletion(ctx, sdkReq)
		if err == nil {
			return fromSDKResponse(&resp), nil
		}
		lastErr = err

		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusUnauthorized && len(tried) < attempts {
			index = c.nextUntried(tried)
			continue
		}
		break
	}
	return nil, normalizeSDKError(lastErr)
}

// nextUntried advances to a key this request has not used yet. Callers
// guarantee at least one untried key remains.
func (c *Client) nextUntried(tried map[int]bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Strategy == StrategyRandom {
		untried := make([]int, 0, len(c.clients))
		for i := range c.clients {
			if !tried[i] {
				untried = append(untried, i)
			}
		}
		return untried[rand.Intn(len(untried))]
	}

	for {
		idx := c.cursor
		c.cursor = (c.cursor + 1) % len(c.clients)
		if !tried[idx] {
			return idx
		}
	}
}

// CheckAuth probes the credentials with a lightweight model-list call.
// SkipAuthentication bypasses the probe entirely.
func (c *Client) CheckAuth(ctx context.Context) error {
	if c.cfg.SkipAuthentication {
		return nil
	}

	c.mu.Lock()
	index := c.cursor
	c.mu.Unlock()

	if _, err := c.clients[index].ListModels(ctx); err != nil {
		return normalizeSDKError(err)
	}
	return nil
}

func normalizeSDKError(err error) *relayerror.Error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return compat.NormalizeHTTPStatus(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return compat.NormalizeHTTPStatus(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return compat.NormalizeError(err)
}

func toSDKRequest(req *openai.ChatRequest) goopenai.ChatCompletionRequest {
	out := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.FrequencyPenalty != nil {
		out.FrequencyPenalty = float32(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		out.PresencePenalty = float32(*req.PresencePenalty)
	}
	if req.ToolChoice != nil {
		out.ToolChoice = req.ToolChoice
	}

	for _, msg := range req.Messages {
		sdkMsg := goopenai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, call := range msg.ToolCalls {
			sdkMsg.ToolCalls = append(sdkMsg.ToolCalls, goopenai.ToolCall{
				ID:   call.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		out.Messages = append(out.Messages, sdkMsg)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}

	return out
}

func fromSDKResponse(resp *goopenai.ChatCompletionResponse) *openai.ChatResponse {
	out := &openai.ChatResponse{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}

	for _, choice := range resp.Choices {
		msg := openai.ChatMessage{
			Role:    choice.Message.Role,
			Content: choice.Message.Content,
		}
		for _, call := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: string(call.Type),
				Function: openai.FunctionCall{
					Name:      call.Function.Name,
					Arguments: call.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, openai.Choice{
			Index:        choice.Index,
			Message:      msg,
			FinishReason: string(choice.FinishReason),
		})
	}

	return out
}
