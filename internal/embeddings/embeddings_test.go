package embeddings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockEmbedderDeterministic(t *testing.T) {
	embedder := NewMockEmbedder(64)
	ctx := context.Background()

	a, err := embedder.Embed(ctx, "hello world")
	require.NoError(t, err)
	b, err := embedder.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, a, b, "same text must embed identically")

	c, err := embedder.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestMockEmbedderUnitVector(t *testing.T) {
	embedder := NewMockEmbedder(128)
	vector, err := embedder.Embed(context.Background(), "normalise me")
	require.NoError(t, err)

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}

func TestMockEmbedderBatch(t *testing.T) {
	embedder := NewMockEmbedder(32)
	vectors, err := embedder.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)

	single, _ := embedder.Embed(context.Background(), "a")
	assert.Equal(t, single, vectors[0])
}

func TestFailingMockEmbedder(t *testing.T) {
	embedder := NewFailingMockEmbedder()
	_, err := embedder.Embed(context.Background(), "x")
	assert.Error(t, err)
	_, err = embedder.EmbedBatch(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestMockEmbedderContextCancellation(t *testing.T) {
	embedder := NewMockEmbedder(16)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := embedder.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 0}, []float32{1, 0}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"length mismatch", []float32{1, 0}, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCachingEmbedder(t *testing.T) {
	inner := NewMockEmbedder(32)
	caching := NewCachingEmbedder(inner, 10, time.Minute)
	ctx := context.Background()

	a, err := caching.Embed(ctx, "cached text")
	require.NoError(t, err)
	b, err := caching.Embed(ctx, "cached text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	stats := caching.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)

	assert.Equal(t, 32, caching.Dimension())
	assert.Equal(t, "mock", caching.Provider())
}

func TestCachingEmbedderBatchFillsMisses(t *testing.T) {
	inner := NewMockEmbedder(16)
	caching := NewCachingEmbedder(inner, 10, time.Minute)
	ctx := context.Background()

	_, err := caching.Embed(ctx, "a")
	require.NoError(t, err)

	vectors, err := caching.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.NotEmpty(t, v, "vector %d missing", i)
	}
}
