package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/kadirpekel/switchboard/pkg/openai"
	"github.com/kadirpekel/switchboard/pkg/relayerror"
)

func chatRequest() *openai.ChatRequest {
	return &openai.ChatRequest{
		Model:    "test-model",
		Messages: []openai.ChatMessage{{Role: "user", Content: "hi"}},
	}
}

func completionJSON(content string) string {
	return `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"created": 1700,
		"model": "test-model",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "` + content + `"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2}
	}`
}

// fakeProvider answers /chat/completions and records the bearer tokens it
// saw, returning 401 for keys in the rejected set.
type fakeProvider struct {
	mu       sync.Mutex
	rejected map[string]bool
	seen     []string
}

func (f *fakeProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Authorization")
		f.mu.Lock()
		f.seen = append(f.seen, key)
		rejected := f.rejected[key]
		f.mu.Unlock()

		if rejected {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("Hi")))
	}
}

func TestClient_Process(t *testing.T) {
	provider := &fakeProvider{}
	server := httptest.NewServer(provider.handler())
	defer server.Close()

	client := NewClient(Config{
		Provider: "lmstudio",
		BaseURL:  server.URL,
		APIKeys:  []string{"k0"},
	})

	resp, err := client.Process(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if resp.Choices[0].Message.Content != "Hi" {
		t.Errorf("content = %q, want Hi", resp.Choices[0].Message.Content)
	}
	if resp.Usage.TotalTokens != 2 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestClient_RejectsStreamRequests(t *testing.T) {
	client := NewClient(Config{Provider: "p", APIKeys: []string{"k"}})

	req := chatRequest()
	req.Stream = true
	_, err := client.Process(context.Background(), req)

	relayErr := relayerror.AsError(err)
	if relayErr.Code != relayerror.CodeInvalidStreamFlag {
		t.Errorf("error = %v, want INVALID_STREAM_FLAG", err)
	}
}

func TestClient_KeyRotationOn401(t *testing.T) {
	provider := &fakeProvider{rejected: map[string]bool{
		"Bearer k0": true,
		"Bearer k1": true,
	}}
	server := httptest.NewServer(provider.handler())
	defer server.Close()

	client := NewClient(Config{
		Provider: "deepseek",
		BaseURL:  server.URL,
		APIKeys:  []string{"k0", "k1", "k2"},
		Strategy: StrategyRoundRobin,
	})

	resp, err := client.Process(context.Background(), chatRequest())
	if err != nil {
		t.Fatalf("Process() error = %v, want success on third key", err)
	}
	if resp.Choices[0].Message.Content != "Hi" {
		t.Errorf("content = %q", resp.Choices[0].Message.Content)
	}

	provider.mu.Lock()
	seen := append([]string(nil), provider.seen...)
	provider.mu.Unlock()
	want := []string{"Bearer k0", "Bearer k1", "Bearer k2"}
	if len(seen) != len(want) {
		t.Fatalf("upstream saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("attempt %d used %q, want %q", i, seen[i], want[i])
		}
	}

	// The cursor continues round-robin: the next request starts at k0.
	provider.mu.Lock()
	provider.rejected = nil
	provider.seen = nil
	provider.mu.Unlock()

	if _, err := client.Process(context.Background(), chatRequest()); err != nil {
		t.Fatalf("second Process() error = %v", err)
	}
	provider.mu.Lock()
	first := provider.seen[0]
	provider.mu.Unlock()
	if first != "Bearer k0" {
		t.Errorf("second request used %q, want Bearer k0", first)
	}
}

func TestClient_RandomStrategyAdvancesToUntriedKey(t *testing.T) {
	provider := &fakeProvider{rejected: map[string]bool{
		"Bearer bad": true,
	}}
	server := httptest.NewServer(provider.handler())
	defer server.Close()

	client := NewClient(Config{
		Provider: "deepseek",
		BaseURL:  server.URL,
		APIKeys:  []string{"bad", "good"},
		Strategy: StrategyRandom,
	})

	// Whatever key the random strategy opens with, the 401 retry must
	// reach the other one; re-drawing the failing key would burn the
	// attempt budget and fail some of these calls.
	for i := 0; i < 20; i++ {
		resp, err := client.Process(context.Background(), chatRequest())
		if err != nil {
			t.Fatalf("Process() #%d error = %v, want rotation to the good key", i, err)
		}
		if resp.Choices[0].Message.Content != "Hi" {
			t.Fatalf("Process() #%d content = %q", i, resp.Choices[0].Message.Content)
		}
	}
}

func TestClient_AuthHeaderFormatReachesWire(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"), r.Header.Get("X-Custom"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionJSON("Hi")))
	}))
	defer server.Close()

	client := NewClient(Config{
		Provider:         "iflow",
		BaseURL:          server.URL,
		APIKeys:          []string{"sk-iflow"},
		AuthHeaderFormat: "APIKEY %s",
		Headers:          map[string]string{"X-Custom": "yes"},
	})

	if _, err := client.Process(context.Background(), chatRequest()); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != "APIKEY sk-iflow" {
		t.Errorf("Authorization = %q, want APIKEY sk-iflow", seen)
	}
	if seen[1] != "yes" {
		t.Errorf("X-Custom = %q, want yes", seen[1])
	}
}

func TestClient_AllKeysUnauthorized(t *testing.T) {
	provider := &fakeProvider{rejected: map[string]bool{
		"Bearer k0": true,
		"Bearer k1": true,
	}}
	server := httptest.NewServer(provider.handler())
	defer server.Close()

	client := NewClient(Config{
		Provider: "deepseek",
		BaseURL:  server.URL,
		APIKeys:  []string{"k0", "k1"},
	})

	_, err := client.Process(context.Background(), chatRequest())
	relayErr := relayerror.AsError(err)
	if relayErr.Type != relayerror.TypeAuthentication {
		t.Errorf("error = %v, want authentication_error", err)
	}
}

func TestClient_NonAuthErrorDoesNotRotate(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		Provider: "p",
		BaseURL:  server.URL,
		APIKeys:  []string{"k0", "k1"},
	})

	_, err := client.Process(context.Background(), chatRequest())
	if err == nil {
		t.Fatal("Process() error = nil, want api_error")
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (no rotation on 5xx)", calls)
	}
}

func TestClient_CheckAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("probe path = %q, want /models", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"test-model","object":"model"}]}`))
	}))
	defer server.Close()

	good := NewClient(Config{Provider: "p", BaseURL: server.URL, APIKeys: []string{"good"}})
	if err := good.CheckAuth(context.Background()); err != nil {
		t.Errorf("CheckAuth() error = %v, want nil", err)
	}

	bad := NewClient(Config{Provider: "p", BaseURL: server.URL, APIKeys: []string{"bad"}})
	if err := bad.CheckAuth(context.Background()); err == nil {
		t.Error("CheckAuth() error = nil, want authentication_error")
	}

	skipped := NewClient(Config{Provider: "p", BaseURL: server.URL, APIKeys: []string{"bad"}, SkipAuthentication: true})
	if err := skipped.CheckAuth(context.Background()); err != nil {
		t.Errorf("CheckAuth() with skip = %v, want nil", err)
	}
}

func TestGeminiClient_Process(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("request does not decode: %v", err)
		}
		if _, ok := body["request"]; !ok {
			t.Error("request envelope missing nested request")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"response": {
				"candidates": [{"content": {"role": "model", "parts": [{"text": "Hello"}]}, "finishReason": "STOP"}],
				"usageMetadata": {"promptTokenCount": 2, "candidatesTokenCount": 1, "totalTokenCount": 3}
			}
		}`))
	}))
	defer server.Close()

	client := NewGeminiClient(0, 0)
	resp, err := client.Process(context.Background(), geminiRequestFixture(), geminiConfig(server.URL, "secret"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	candidates, usage := resp.Body()
	if len(candidates) != 1 || candidates[0].Content.Parts[0].Text != "Hello" {
		t.Errorf("candidates = %+v", candidates)
	}
	if usage == nil || usage.TotalTokenCount != 3 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestGeminiClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"project not allowed","status":"PERMISSION_DENIED"}}`))
	}))
	defer server.Close()

	client := NewGeminiClient(0, 0)
	_, err := client.Process(context.Background(), geminiRequestFixture(), geminiConfig(server.URL, "secret"))

	relayErr := relayerror.AsError(err)
	if relayErr.Type != relayerror.TypeAuthentication {
		t.Errorf("error = %v, want authentication_error", err)
	}
}
