package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"aicall-gateway/pkg/types"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
}

func TestConfigValidateAndDefaults(t *testing.T) {
	t.Parallel()

	bad := Config{BaseURL: "api.example.com", APIKey: "k", Model: "m"}
	if err := bad.Validate(); err == nil || !strings.Contains(err.Error(), "absolute http(s) URL") {
		t.Fatalf("expected URL validation error, got %v", err)
	}

	missing := Config{}
	err := missing.Validate()
	for _, field := range []string{"BaseURL", "APIKey", "Model"} {
		if err == nil || !strings.Contains(err.Error(), field) {
			t.Fatalf("expected %s in validation error, got %v", field, err)
		}
	}

	cfg := (&Config{BaseURL: "https://api.example.com/", CompletionsPath: "v1/chat"}).WithDefaults()
	if got := cfg.endpoint(); got != "https://api.example.com/v1/chat" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if cfg.MaxConns != defaultMaxConns || cfg.MaxRetries != defaultMaxRetries || cfg.UpstreamTimeout != defaultTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func newTestClient(t *testing.T, srv *httptest.Server) Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		APIKey:      "test-key",
		Model:       "hunyuan-lite",
		BaseBackoff: time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCompleteSuccess(t *testing.T) {
	t.Parallel()

	var gotReq CompletionRequest
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}

		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		resp := providerResponse{
			ID:      "chatcmpl-1",
			Object:  "chat.completion",
			Created: 1_700_000_000,
			Model:   "hunyuan-lite",
			Choices: []providerChoice{
				{Message: Message{Role: RoleAssistant, Content: "response"}, FinishReason: "stop"},
			},
			Usage: &Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages:    []Message{{Role: RoleUser, Content: "ping"}},
		Temperature: floatPtr(0.3),
		TopP:        floatPtr(0.9),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Fatalf("unexpected Authorization header: %s", gotAuth)
	}
	if gotReq.Model != "hunyuan-lite" {
		t.Fatalf("expected configured model, got %s", gotReq.Model)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "ping" {
		t.Fatalf("unexpected request messages: %#v", gotReq.Messages)
	}
	if resp.Text != "response" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected completion: %#v", resp)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Fatalf("usage not mapped correctly: %#v", resp.Usage)
	}
}

func TestCompleteValidationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("server should not be called for invalid request")
	}))
	defer srv.Close()

	client := newTestClient(t, srv)

	_, err := client.Complete(context.Background(), &CompletionRequest{})
	if err == nil || !strings.Contains(err.Error(), "invalid request") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCompleteRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(providerResponse{
			Choices: []providerChoice{{Message: Message{Role: RoleAssistant, Content: "finally"}}},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv)

	resp, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "finally" || attempts.Load() != 3 {
		t.Fatalf("expected success on third attempt, got %q after %d", resp.Text, attempts.Load())
	}
}

func TestCompleteProviderError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv)

	_, err := client.Complete(context.Background(), &CompletionRequest{
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	if err == nil || !strings.Contains(err.Error(), "bad model") {
		t.Fatalf("expected provider message in error, got %v", err)
	}
}

func TestUpstreamMapsParams(t *testing.T) {
	t.Parallel()

	var gotReq CompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(providerResponse{
			Choices: []providerChoice{{Message: Message{Role: RoleAssistant, Content: "a chair"}}},
		})
	}))
	defer srv.Close()

	up := NewUpstream(newTestClient(t, srv), DefaultUpstreamConfig())

	got, err := up(context.Background(), "红色椅子", "prompt", types.Params{"temperature": 0.2})
	if err != nil {
		t.Fatalf("upstream: %v", err)
	}
	if got != "a chair" {
		t.Fatalf("unexpected answer %q", got)
	}
	if gotReq.Temperature == nil || *gotReq.Temperature != 0.2 || gotReq.TopP == nil || *gotReq.TopP != 0.9 {
		t.Fatalf("expected temperature from params and default top_p, got %v/%v", gotReq.Temperature, gotReq.TopP)
	}
	if len(gotReq.Messages) != 1 || !strings.HasSuffix(gotReq.Messages[0].Content, "用户描述：红色椅子") {
		t.Fatalf("expected prompt category to be wrapped, got %#v", gotReq.Messages)
	}
}

func TestUpstreamSendsZeroTemperature(t *testing.T) {
	t.Parallel()

	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		_ = json.NewEncoder(w).Encode(providerResponse{
			Choices: []providerChoice{{Message: Message{Role: RoleAssistant, Content: "ok"}}},
		})
	}))
	defer srv.Close()

	up := NewUpstream(newTestClient(t, srv), DefaultUpstreamConfig())
	if _, err := up(context.Background(), "chair", "text", types.Params{"temperature": 0.0, "top_p": 0}); err != nil {
		t.Fatalf("upstream: %v", err)
	}

	for _, field := range []string{"temperature", "top_p"} {
		v, ok := raw[field]
		if !ok {
			t.Fatalf("expected %s to be sent, body: %v", field, raw)
		}
		if v != float64(0) {
			t.Fatalf("expected %s=0, got %v", field, v)
		}
	}
}

func TestUpstreamConfigMessages(t *testing.T) {
	cfg := UpstreamConfig{SystemPrompts: map[string]string{"text": "be brief"}}

	msgs := cfg.Messages("hi", "text")
	if len(msgs) != 2 || msgs[0].Role != RoleSystem || msgs[1].Content != "hi" {
		t.Fatalf("expected system + user messages, got %#v", msgs)
	}

	msgs = cfg.Messages("hi", "other")
	if len(msgs) != 1 || msgs[0].Role != RoleUser {
		t.Fatalf("expected a single user message, got %#v", msgs)
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > maxBackoff {
			t.Fatalf("attempt %d: backoff %v out of bounds", attempt, d)
		}
	}
}
