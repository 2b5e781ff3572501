// Package embeddings implements the Embedder the Hybrid Retrieval
// component uses for its semantic branch.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultModel   = "text-embedding-3-small"
	embeddingsPath = "/embeddings"
)

// OpenAIEmbedder calls OpenAI's embeddings endpoint directly: no Go SDK in
// the corpus wraps this specific API, so the request/response shapes are
// built by hand the same way the pack's own OpenAI embedding provider
// does it.
type OpenAIEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOpenAIEmbedder(apiKey string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		apiKey:     apiKey,
		baseURL:    "https://api.openai.com/v1",
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed satisfies retrieval.Embedder for a single query string.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	reqBody := embeddingRequest{Model: e.model, Input: []string{text}}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+embeddingsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embeddings: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embeddings: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("embeddings: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings: API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("embeddings: unmarshal response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embeddings: API error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embeddings: empty response")
	}
	return parsed.Data[0].Embedding, nil
}
