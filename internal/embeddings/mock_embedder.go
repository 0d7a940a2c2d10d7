package embeddings

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// MockEmbedder provides a deterministic embedder for tests and for
// running without an external provider. Embeddings derive from a text
// hash, so the same text always maps to the same unit vector.
type MockEmbedder struct {
	dimension   int
	failOnEmbed bool
}

// NewMockEmbedder creates a mock embedder of the given dimension
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// NewFailingMockEmbedder creates a mock that always fails (error path tests)
func NewFailingMockEmbedder() *MockEmbedder {
	return &MockEmbedder{dimension: 384, failOnEmbed: true}
}

// Embed generates a deterministic unit vector from the text hash
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.failOnEmbed {
		return nil, fmt.Errorf("mock embedder configured to fail")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	seed := int64(0)
	for _, c := range text {
		seed = seed*31 + int64(c)
	}
	rng := rand.New(rand.NewSource(seed))

	embedding := make([]float32, m.dimension)
	var sumSquares float64
	for i := 0; i < m.dimension; i++ {
		embedding[i] = float32(rng.NormFloat64())
		sumSquares += float64(embedding[i] * embedding[i])
	}
	if sumSquares > 0 {
		magnitude := float32(math.Sqrt(sumSquares))
		for i := range embedding {
			embedding[i] /= magnitude
		}
	}
	return embedding, nil
}

// EmbedBatch generates embeddings for multiple texts
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if m.failOnEmbed {
		return nil, fmt.Errorf("mock embedder configured to fail")
	}
	embeddings := make([][]float32, len(texts))
	for i, text := range texts {
		embedding, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		embeddings[i] = embedding
	}
	return embeddings, nil
}

// Dimension returns the embedding dimension
func (m *MockEmbedder) Dimension() int { return m.dimension }

// Model returns the model identifier
func (m *MockEmbedder) Model() string { return "mock-model" }

// Provider returns the provider name
func (m *MockEmbedder) Provider() string { return "mock" }

// SetFailOnEmbed toggles failure injection
func (m *MockEmbedder) SetFailOnEmbed(fail bool) { m.failOnEmbed = fail }
