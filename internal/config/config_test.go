package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	// Documented breaker defaults
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 3, cfg.Breaker.HalfOpenMaxAttempts)

	// Documented buffer defaults
	assert.Equal(t, 10, cfg.Buffer.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Buffer.FlushInterval)

	// Documented retrieval defaults
	assert.InDelta(t, 0.3, cfg.Retrieval.TemporalBias, 1e-9)
	assert.InDelta(t, 0.7, cfg.Retrieval.DiversityLambda, 1e-9)

	// All feature toggles on by default
	assert.True(t, cfg.Features.SpatiotemporalIndex)
	assert.True(t, cfg.Features.Diversity)
	assert.True(t, cfg.Features.Embeddings)
	assert.True(t, cfg.Features.CircuitBreaker)

	assert.GreaterOrEqual(t, cfg.Extraction.WorkerCount, 2)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EM_BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("EM_BUFFER_FLUSH_INTERVAL", "250ms")
	t.Setenv("EM_RETRIEVAL_TEMPORAL_BIAS", "0.1")
	t.Setenv("EM_FEATURES_DIVERSITY", "false")
	t.Setenv("EM_STORAGE_DB_PATH", "/tmp/custom.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 250*time.Millisecond, cfg.Buffer.FlushInterval)
	assert.InDelta(t, 0.1, cfg.Retrieval.TemporalBias, 1e-9)
	assert.False(t, cfg.Features.Diversity)
	assert.Equal(t, "/tmp/custom.db", cfg.Storage.DBPath)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Storage.DBPath = "" }},
		{"zero failure threshold", func(c *Config) { c.Breaker.FailureThreshold = 0 }},
		{"half-open below success", func(c *Config) { c.Breaker.HalfOpenMaxAttempts = 1; c.Breaker.SuccessThreshold = 2 }},
		{"zero batch size", func(c *Config) { c.Buffer.BatchSize = 0 }},
		{"temporal bias above bound", func(c *Config) { c.Retrieval.TemporalBias = 0.5 }},
		{"lambda above one", func(c *Config) { c.Retrieval.DiversityLambda = 1.1 }},
		{"unknown embedding provider", func(c *Config) { c.Embeddings.Provider = "openai" }},
		{"min confidence above one", func(c *Config) { c.Extraction.MinConfidence = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
