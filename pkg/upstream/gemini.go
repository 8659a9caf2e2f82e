package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/switchboard/pkg/compat"
	"github.com/kadirpekel/switchboard/pkg/gemini"
	"github.com/kadirpekel/switchboard/pkg/httpclient"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

// GeminiClient posts project-scoped JSON envelopes to the Gemini CLI
// endpoint. The endpoint and credentials arrive per request via the
// protocol config staged by the compat adapter.
type GeminiClient struct {
	http *httpclient.Client
}

func NewGeminiClient(timeout time.Duration, maxRetries int) *GeminiClient {
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: timeout}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithHeaderParser(httpclient.ParseGeminiRateLimitHeaders),
		),
	}
}

func (c *GeminiClient) Process(ctx context.Context, req *gemini.GenerateRequest, cfg compat.ProtocolConfig) (*gemini.GenerateResponse, error) {
	if cfg.Endpoint == "" {
		return nil, relayerror.New(relayerror.TypeValidation,
			"gemini upstream has no endpoint configured").WithParam("endpoint")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, relayerror.Wrap(relayerror.TypeProtocol,
			"gemini request is not serializable", err).
			WithCode(relayerror.CodeUnsupportedRequestFormat)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, compat.NormalizeError(err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for name, value := range cfg.Headers {
		httpReq.Header.Set(name, value)
	}
	if cfg.APIKey != "" && httpReq.Header.Get("Authorization") == "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, compat.NormalizeError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, compat.NormalizeError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope gemini.GenerateResponse
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			return nil, compat.NormalizeHTTPStatus(resp.StatusCode, envelope.Error.Message)
		}
		return nil, compat.NormalizeHTTPStatus(resp.StatusCode,
			fmt.Sprintf("gemini upstream returned HTTP %d", resp.StatusCode))
	}

	var out gemini.GenerateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, relayerror.Wrap(relayerror.TypeProtocol,
			"gemini response does not decode", err).
			WithCode(relayerror.CodeUnsupportedResponseFormat)
	}
	return &out, nil
}
