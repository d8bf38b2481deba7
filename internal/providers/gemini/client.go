package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gemchat/internal/providers"
)

const (
	DefaultBaseURL    = "https://generativelanguage.googleapis.com"
	DefaultAPIVersion = "v1beta"
	DefaultModel      = "gemini-2.0-flash-001"

	maxResponseSize = 4 << 20
	maxSSELine      = 4 << 20
)

type Config struct {
	BaseURL     string
	APIVersion  string
	APIKey      string
	HTTPClient  *http.Client
	MaxRetries  int
	BackoffBase time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

// Factory returns a providers.Factory that copies base and sets the key.
func Factory(base Config) providers.Factory {
	return func(credential string) (providers.Provider, error) {
		credential = strings.TrimSpace(credential)
		if credential == "" {
			return nil, fmt.Errorf("gemini api key is empty")
		}
		cfg := base
		cfg.APIKey = credential
		return New(cfg), nil
	}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) GenerateContent(ctx context.Context, req providers.Request) (providers.Response, error) {
	body, endpointURL, err := c.buildPayload(req, "generateContent")
	if err != nil {
		return providers.Response{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		resp, retry, err := c.callOnce(ctx, endpointURL, body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retry || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		select {
		case <-ctx.Done():
			return providers.Response{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	return providers.Response{}, lastErr
}

func (c *Client) GenerateContentStream(ctx context.Context, req providers.Request, onChunk func(string) error) error {
	body, endpointURL, err := c.buildPayload(req, "streamGenerateContent")
	if err != nil {
		return err
	}
	u, err := url.Parse(endpointURL)
	if err != nil {
		return fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("alt", "sse")
	u.RawQuery = q.Encode()

	httpReq, err := c.newRequest(ctx, u.String(), body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("network request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return parseError(resp.StatusCode, b)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		chunk, err := decodeChunk([]byte(data))
		if err != nil {
			return err
		}
		if chunk.Text == "" {
			continue
		}
		if err := onChunk(chunk.Text); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("network stream interrupted: %w", err)
	}
	return nil
}

type generateRequest struct {
	Contents         []providers.Turn  `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

func (c *Client) buildPayload(req providers.Request, method string) ([]byte, string, error) {
	if len(req.Turns) == 0 {
		return nil, "", fmt.Errorf("request has no contents")
	}
	endpointURL, err := c.buildEndpointURL(req.Model, method)
	if err != nil {
		return nil, "", err
	}

	t := req.GenerationConfig.Temperature
	payload := generateRequest{
		Contents: req.Turns,
		GenerationConfig: &generationConfig{
			Temperature:     &t,
			MaxOutputTokens: req.GenerationConfig.MaxOutputTokens,
		},
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal generate payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) buildEndpointURL(model, method string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	model = strings.TrimPrefix(model, "models/")

	u, err := url.Parse(strings.TrimSpace(c.cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + c.cfg.APIVersion + "/models/" + model + ":" + method
	return u.String(), nil
}

func (c *Client) newRequest(ctx context.Context, endpointURL string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.cfg.APIKey)
	return req, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (out providers.Response, retry bool, err error) {
	req, err := c.newRequest(ctx, endpointURL, body)
	if err != nil {
		return providers.Response{}, false, err
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return providers.Response{}, false, ctx.Err()
		}
		return providers.Response{}, true, fmt.Errorf("network request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return providers.Response{}, false, fmt.Errorf("network read failed: %w", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return providers.Response{}, true, parseError(resp.StatusCode, respBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Response{}, false, parseError(resp.StatusCode, respBody)
	}

	out, err = decodeChunk(respBody)
	if err != nil {
		return providers.Response{}, false, err
	}
	return out, false, nil
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text    string `json:"text"`
				Thought bool   `json:"thought"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
	UsageMetadata *providers.UsageMetadata `json:"usageMetadata"`
	ModelVersion  string                   `json:"modelVersion"`
	Error         *apiError                `json:"error"`
}

func decodeChunk(body []byte) (providers.Response, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.Response{}, fmt.Errorf("decode generate response: %w", err)
	}
	if resp.Error != nil {
		return providers.Response{}, &providers.StatusError{Code: resp.Error.Code, Status: resp.Error.Status, Message: resp.Error.Message}
	}

	out := providers.Response{Usage: resp.UsageMetadata, ModelVersion: resp.ModelVersion}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return providers.Response{}, fmt.Errorf("prompt blocked: %s", resp.PromptFeedback.BlockReason)
		}
		return out, nil
	}

	cand := resp.Candidates[0]
	var b strings.Builder
	for _, p := range cand.Content.Parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	out.Text = b.String()
	out.FinishReason = cand.FinishReason
	if out.Text == "" && (cand.FinishReason == "SAFETY" || cand.FinishReason == "PROHIBITED_CONTENT") {
		return providers.Response{}, fmt.Errorf("response blocked: %s", cand.FinishReason)
	}
	return out, nil
}

func parseError(status int, body []byte) error {
	var env struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		return &providers.StatusError{Code: status, Status: env.Error.Status, Message: env.Error.Message}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &providers.StatusError{Code: status, Message: msg}
}
