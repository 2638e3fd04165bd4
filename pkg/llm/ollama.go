// Package llm provides the Ollama backend client. The orchestration core
// treats text generation and embedding as black-box collaborator calls.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// GenerateParams tune a single generation call.
type GenerateParams struct {
	// Model overrides the client default model for this call.
	Model string `json:"model,omitempty"`

	// System is the system prompt, if any.
	System string `json:"system,omitempty"`

	// Temperature controls sampling randomness.
	Temperature float64 `json:"temperature,omitempty"`

	// MaxTokens bounds the response length.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, params GenerateParams) (string, error)
}

// Embedder produces an embedding vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// OllamaClient talks to a local or remote Ollama server.
type OllamaClient struct {
	endpoint   string
	model      string
	embedModel string
	client     *http.Client
}

// NewOllamaClient creates an Ollama client. Empty arguments fall back to the
// stock local server and models.
func NewOllamaClient(endpoint, model, embedModel string, timeout time.Duration) *OllamaClient {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "mixtral:latest"
	}
	if embedModel == "" {
		embedModel = "mxbai-embed-large"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		endpoint:   endpoint,
		model:      model,
		embedModel: embedModel,
		client:     &http.Client{Timeout: timeout},
	}
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Generate runs a non-streaming completion.
func (c *OllamaClient) Generate(ctx context.Context, prompt string, params GenerateParams) (string, error) {
	model := params.Model
	if model == "" {
		model = c.model
	}
	req := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		System: params.System,
		Stream: false,
	}
	if params.Temperature > 0 || params.MaxTokens > 0 {
		req.Options = map[string]any{}
		if params.Temperature > 0 {
			req.Options["temperature"] = params.Temperature
		}
		if params.MaxTokens > 0 {
			req.Options["num_predict"] = params.MaxTokens
		}
	}

	var out ollamaGenerateResponse
	if err := c.post(ctx, "/api/generate", req, &out); err != nil {
		return "", err
	}
	return out.Response, nil
}

// Embed generates an embedding for a single text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out ollamaEmbedResponse
	if err := c.post(ctx, "/api/embeddings", ollamaEmbedRequest{Model: c.embedModel, Prompt: text}, &out); err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(b))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
