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

const voyageAPIURL = "https://api.voyageai.com/v1/embeddings"

// voyageDimensions maps known Voyage models to their output dimension
var voyageDimensions = map[string]int{
	"voyage-3-lite":  512,
	"voyage-3":       1024,
	"voyage-3-large": 1024,
	"voyage-code-3":  1024,
}

// VoyageEmbedder calls the Voyage AI embeddings API
type VoyageEmbedder struct {
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

// NewVoyageEmbedder creates a Voyage AI embedder
func NewVoyageEmbedder(apiKey, model string, timeout time.Duration) (*VoyageEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("voyage API key required")
	}
	dimension, ok := voyageDimensions[model]
	if !ok {
		return nil, fmt.Errorf("unknown voyage model: %s", model)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &VoyageEmbedder{
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

type voyageRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates an embedding for a single text
func (v *VoyageEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := v.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one API call
func (v *VoyageEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(voyageRequest{Input: texts, Model: v.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, voyageAPIURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		// Drain a bounded amount for the error message; never the payload
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("embedding API returned %d: %s", resp.StatusCode, string(snippet))
	}

	var parsed voyageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embedding response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embedding API returned %d vectors for %d inputs", len(parsed.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding API returned out-of-range index %d", item.Index)
		}
		embeddings[item.Index] = item.Embedding
	}
	return embeddings, nil
}

// Dimension returns the embedding dimension
func (v *VoyageEmbedder) Dimension() int { return v.dimension }

// Model returns the model identifier
func (v *VoyageEmbedder) Model() string { return v.model }

// Provider returns the provider name
func (v *VoyageEmbedder) Provider() string { return "voyage" }
