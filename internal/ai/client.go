// Package ai talks to the text generation service and enforces the reply
// contract the rest of the server relies on.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pliu/devfusion/internal/apperr"
)

// Completer turns a prompt into the raw text of a completion.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

const systemInstruction = `You are the assistant inside DevFusion, a collaborative coding chat.
Always respond with a single JSON object and nothing else.
The object must contain a "text" string with your answer.
When the user asks you to create or change files, also include a "fileTree" object mapping
file names to {"file": {"contents": "..."}} and folder names to {"directory": {...}}.
Greet briefly when the message is only a greeting. Never send more than one reply.
Do not use nested route file names like routes/index.js.`

// GeminiClient calls the Gemini generateContent REST endpoint.
type GeminiClient struct {
	APIKey   string
	Model    string
	Endpoint string
	HTTP     *http.Client
}

func NewGeminiClient(apiKey, model, endpoint string, timeout time.Duration) *GeminiClient {
	return &GeminiClient{
		APIKey:   apiKey,
		Model:    model,
		Endpoint: strings.TrimSuffix(endpoint, "/"),
		HTTP:     &http.Client{Timeout: timeout},
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	SystemInstruction content          `json:"systemInstruction"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("missing API key: %w", apperr.ErrGeneration)
	}

	body, err := json.Marshal(generateRequest{
		SystemInstruction: content{Parts: []part{{Text: systemInstruction}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		GenerationConfig: generationConfig{
			Temperature:      0.4,
			ResponseMimeType: "application/json",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.Endpoint, url.PathEscape(c.Model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.APIKey)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w: %w", apperr.ErrGeneration, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w: %w", apperr.ErrGeneration, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("quota exceeded: %w", apperr.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return "", fmt.Errorf("generation API error %d: %w", resp.StatusCode, apperr.ErrGeneration)
	}

	var out generateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w: %w", apperr.ErrGeneration, err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("empty completion: %w", apperr.ErrGeneration)
	}

	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String(), nil
}
