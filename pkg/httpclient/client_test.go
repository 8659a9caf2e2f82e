package httpclient

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_Do_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := New()
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ok" {
		t.Errorf("body = %q, want ok", body)
	}
}

func TestClient_Do_RetriesOn429(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(
		WithMaxRetries(2),
		WithBaseDelay(time.Millisecond),
		WithHeaderParser(ParseOpenAIRateLimitHeaders),
	)

	body := []byte("{}")
	req, _ := http.NewRequest("POST", server.URL, bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v, want nil", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("upstream calls = %d, want 2", calls)
	}
}

func TestClient_Do_NoRetryOn400(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Error("Do() error = nil, want HTTP 400 error")
	}
	if resp != nil {
		resp.Body.Close()
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("upstream calls = %d, want 1 (no retry)", calls)
	}
}

func TestClient_Do_ExhaustedRetriesReturnsRetryableError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := New(
		WithMaxRetries(1),
		WithBaseDelay(time.Millisecond),
		WithHeaderParser(ParseOpenAIRateLimitHeaders),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if resp != nil {
		resp.Body.Close()
	}

	retryErr, ok := err.(*RetryableError)
	if !ok {
		t.Fatalf("Do() error = %T, want *RetryableError", err)
	}
	if retryErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d, want 503", retryErr.StatusCode)
	}
	if !retryErr.IsRetryable() {
		t.Error("IsRetryable() = false, want true")
	}
}

func TestParseOpenAIRateLimitHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Retry-After", "3")
	headers.Set("x-ratelimit-remaining-requests", "17")
	headers.Set("x-ratelimit-remaining-tokens", "4200")

	info := ParseOpenAIRateLimitHeaders(headers)

	if info.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", info.RetryAfter)
	}
	if info.RequestsRemaining != 17 {
		t.Errorf("RequestsRemaining = %d, want 17", info.RequestsRemaining)
	}
	if info.TokensRemaining != 4200 {
		t.Errorf("TokensRemaining = %d, want 4200", info.TokensRemaining)
	}
}

func TestParseGeminiRateLimitHeaders_Empty(t *testing.T) {
	info := ParseGeminiRateLimitHeaders(http.Header{})
	if info.RetryAfter != 0 {
		t.Errorf("RetryAfter = %v, want 0", info.RetryAfter)
	}
}
