package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"unicode/utf8"
)

const (
	defaultEmbeddingBaseURL = "https://api.openai.com"
	embeddingsPath          = "/v1/embeddings"

	// EmbeddingDimensions is the fixed width of every policy embedding.
	// The corpus schema and the similarity index both assume it.
	EmbeddingDimensions = 1536

	// maxEmbedInputBytes bounds the query text sent to the embedding API.
	maxEmbedInputBytes = 8000
)

// Embedder produces a fixed-dimension embedding for a text query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingClient implements Embedder against an OpenAI-compatible
// embeddings endpoint.
type EmbeddingClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// EmbeddingOption configures the embedding client.
type EmbeddingOption func(*EmbeddingClient)

// WithEmbeddingBaseURL overrides the API base URL.
func WithEmbeddingBaseURL(url string) EmbeddingOption {
	return func(c *EmbeddingClient) { c.baseURL = url }
}

// WithEmbeddingHTTPClient sets a custom HTTP client.
func WithEmbeddingHTTPClient(hc *http.Client) EmbeddingOption {
	return func(c *EmbeddingClient) { c.httpClient = hc }
}

// NewEmbeddingClient creates an embeddings API client.
func NewEmbeddingClient(apiKey, model string, logger *slog.Logger, opts ...EmbeddingOption) *EmbeddingClient {
	c := &EmbeddingClient{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultEmbeddingBaseURL,
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type embeddingRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed requests a 1536-dimension embedding for the text. Input is truncated
// to a bounded length before sending.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("embedding API key not configured")
	}
	text = truncateToRune(text, maxEmbedInputBytes)

	body, err := json.Marshal(embeddingRequest{
		Model:      c.model,
		Input:      text,
		Dimensions: EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embeddingsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embeddings API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp embeddingResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("embeddings API returned no data")
	}
	vec := apiResp.Data[0].Embedding
	if len(vec) != EmbeddingDimensions {
		return nil, fmt.Errorf("embeddings API returned %d dimensions, want %d", len(vec), EmbeddingDimensions)
	}
	return vec, nil
}

// truncateToRune caps s at max bytes, backing up to a rune boundary so a
// multi-byte character is never split.
func truncateToRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
