package embeddings

import (
	"context"
	"time"

	"episodic-memory/pkg/cache"
)

// CachingEmbedder wraps an Embedder with an LRU cache so repeated queries
// (the common case for retrieval fingerprints) skip the provider.
type CachingEmbedder struct {
	inner Embedder
	cache *cache.LRU[string, []float32]
}

// NewCachingEmbedder wraps the embedder with a cache of the given size
func NewCachingEmbedder(inner Embedder, size int, ttl time.Duration) *CachingEmbedder {
	return &CachingEmbedder{
		inner: inner,
		cache: cache.New[string, []float32](&cache.Config{MaxEntries: size, TTL: ttl}),
	}
}

// Embed returns the cached vector or delegates to the provider
func (c *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := c.cache.Get(text); ok {
		return vector, nil
	}
	vector, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(text, vector)
	return vector, nil
}

// EmbedBatch fills cache misses through the provider in one call
func (c *CachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missing := make([]string, 0, len(texts))
	missingIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if vector, ok := c.cache.Get(text); ok {
			out[i] = vector
		} else {
			missing = append(missing, text)
			missingIdx = append(missingIdx, i)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	vectors, err := c.inner.EmbedBatch(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, vector := range vectors {
		out[missingIdx[j]] = vector
		c.cache.Set(missing[j], vector)
	}
	return out, nil
}

// Dimension returns the wrapped embedder's dimension
func (c *CachingEmbedder) Dimension() int { return c.inner.Dimension() }

// Model returns the wrapped embedder's model
func (c *CachingEmbedder) Model() string { return c.inner.Model() }

// Provider returns the wrapped embedder's provider
func (c *CachingEmbedder) Provider() string { return c.inner.Provider() }

// CacheStats exposes cache counters for monitoring
func (c *CachingEmbedder) CacheStats() cache.Stats { return c.cache.Stats() }
