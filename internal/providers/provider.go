package providers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type Part struct {
	Text string `json:"text"`
}

type Turn struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

func TextTurn(role, text string) Turn {
	return Turn{Role: role, Parts: []Part{{Text: text}}}
}

// Text joins the text of all parts.
func (t Turn) Text() string {
	if len(t.Parts) == 1 {
		return t.Parts[0].Text
	}
	var b strings.Builder
	for _, p := range t.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type Request struct {
	Model            string           `json:"model"`
	Turns            []Turn           `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type Response struct {
	Text         string         `json:"text"`
	Usage        *UsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion string         `json:"modelVersion,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type Provider interface {
	GenerateContent(ctx context.Context, req Request) (Response, error)
	// GenerateContentStream calls onChunk once per received text fragment.
	// An error from onChunk stops the stream and is returned unchanged.
	GenerateContentStream(ctx context.Context, req Request, onChunk func(string) error) error
}

// Factory builds a provider bound to a credential.
type Factory func(credential string) (Provider, error)

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if text := http.StatusText(e.Code); text != "" {
		return text
	}
	return "status " + strconv.Itoa(e.Code)
}

func (e *StatusError) StatusCode() int {
	return e.Code
}
