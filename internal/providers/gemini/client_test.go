package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gemchat/internal/classify"
	"gemchat/internal/providers"
)

func testRequest(text string) providers.Request {
	return providers.Request{
		Model:            "gemini-2.0-flash-001",
		Turns:            []providers.Turn{providers.TextTurn(providers.RoleUser, text)},
		GenerationConfig: providers.GenerationConfig{Temperature: 0.4, MaxOutputTokens: 123},
	}
}

func TestBuildPayload(t *testing.T) {
	c := New(Config{BaseURL: "https://example.test/", APIKey: "k"})

	body, endpoint, err := c.buildPayload(testRequest("hello"), "generateContent")
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if endpoint != "https://example.test/v1beta/models/gemini-2.0-flash-001:generateContent" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if _, ok := payload["contents"]; !ok {
		t.Fatalf("contents missing in payload")
	}
	gc, ok := payload["generationConfig"].(map[string]any)
	if !ok {
		t.Fatalf("generationConfig missing in payload")
	}
	if gc["maxOutputTokens"] != float64(123) || gc["temperature"] != 0.4 {
		t.Fatalf("unexpected generation config %#v", gc)
	}
}

func TestBuildPayloadSendsZeroTemperature(t *testing.T) {
	c := New(Config{APIKey: "k"})
	req := testRequest("hello")
	req.GenerationConfig = providers.GenerationConfig{Temperature: 0, MaxOutputTokens: 10}

	body, _, err := c.buildPayload(req, "generateContent")
	if err != nil {
		t.Fatalf("build payload: %v", err)
	}
	if !strings.Contains(string(body), `"temperature":0`) {
		t.Fatalf("temperature 0 missing from payload %s", body)
	}
}

func TestBuildEndpointDefaultsModel(t *testing.T) {
	c := New(Config{})
	endpoint, err := c.buildEndpointURL("models/gemini-pro", "streamGenerateContent")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if endpoint != DefaultBaseURL+"/v1beta/models/gemini-pro:streamGenerateContent" {
		t.Fatalf("unexpected endpoint %q", endpoint)
	}
	endpoint, _ = c.buildEndpointURL("", "generateContent")
	if !strings.Contains(endpoint, DefaultModel) {
		t.Fatalf("expected default model in %q", endpoint)
	}
}

func TestGenerateContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "secret" {
			t.Errorf("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "thinking", "thought": true}, {"text": "Hello "}, {"text": "there"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2, "totalTokenCount": 5},
			"modelVersion": "gemini-2.0-flash-001"
		}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, APIKey: "secret"})
	resp, err := c.GenerateContent(context.Background(), testRequest("hi"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "Hello there" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.Usage == nil || resp.Usage.TotalTokenCount != 5 {
		t.Fatalf("unexpected usage %#v", resp.Usage)
	}
	if resp.ModelVersion != "gemini-2.0-flash-001" {
		t.Fatalf("unexpected model version %q", resp.ModelVersion)
	}
}

func TestGenerateContentStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"code": 400, "message": "API key not valid. Please pass a valid API key.", "status": "INVALID_ARGUMENT"}}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, APIKey: "bad"})
	_, err := c.GenerateContent(context.Background(), testRequest("hi"))
	var se *providers.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != 400 || se.Status != "INVALID_ARGUMENT" {
		t.Fatalf("unexpected status error %#v", se)
	}
	if classify.Error(err) != classify.InvalidRequest {
		t.Fatalf("expected invalid request classification, got %q", classify.Error(err))
	}
}

func TestGenerateContentRetriesTemporaryStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error": {"code": 503, "message": "overloaded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"candidates": [{"content": {"parts": [{"text": "ok"}]}}]}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, APIKey: "k", MaxRetries: 2, BackoffBase: time.Millisecond})
	resp, err := c.GenerateContent(context.Background(), testRequest("hi"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "ok" || calls.Load() != 2 {
		t.Fatalf("expected retry then success, got text=%q calls=%d", resp.Text, calls.Load())
	}
}

func TestGenerateContentPromptBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"promptFeedback": {"blockReason": "SAFETY"}}`))
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, APIKey: "k"})
	_, err := c.GenerateContent(context.Background(), testRequest("hi"))
	if err == nil {
		t.Fatalf("expected blocked error")
	}
	if classify.Error(err) != classify.ContentBlocked {
		t.Fatalf("expected content blocked, got %q", classify.Error(err))
	}
}

func TestGenerateContentNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c := New(Config{BaseURL: url, APIKey: "k"})
	_, err := c.GenerateContent(context.Background(), testRequest("hi"))
	if err == nil {
		t.Fatalf("expected network error")
	}
	if classify.Error(err) != classify.NetworkError {
		t.Fatalf("expected network error classification, got %q", classify.Error(err))
	}
}

func TestGenerateContentStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.RawQuery)
		}
		if !strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo", ""} {
			fmt.Fprintf(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": %q}]}}]}\n\n", part)
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, APIKey: "k"})
	var chunks []string
	err := c.GenerateContentStream(context.Background(), testRequest("hi"), func(s string) error {
		chunks = append(chunks, s)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if strings.Join(chunks, "|") != "Hel|lo" {
		t.Fatalf("unexpected chunks %q", chunks)
	}
}

func TestGenerateContentStreamCallbackError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"a\"}]}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"candidates\": [{\"content\": {\"parts\": [{\"text\": \"b\"}]}}]}\n\n")
	}))
	defer server.Close()

	stop := errors.New("stop")
	c := New(Config{BaseURL: server.URL, APIKey: "k"})
	calls := 0
	err := c.GenerateContentStream(context.Background(), testRequest("hi"), func(string) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("expected callback error after one chunk, got err=%v calls=%d", err, calls)
	}
}

func TestFactoryRequiresKey(t *testing.T) {
	if _, err := Factory(Config{})("  "); err == nil {
		t.Fatalf("expected error for blank key")
	}
	p, err := Factory(Config{BaseURL: "https://example.test"})("key")
	if err != nil || p == nil {
		t.Fatalf("expected provider, got %v", err)
	}
}
