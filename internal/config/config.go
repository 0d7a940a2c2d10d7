// Package config provides configuration management for the episodic
// memory core.
//
// Configuration is loaded from environment variables over defaults.
// Feature toggles allow disabling individual subsystems at runtime; each
// disabled subsystem downgrades to a correct-but-slower fallback path
// (flat scan for retrieval, direct calls for the breaker, synchronous
// extraction for the queue).
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete memory-core configuration
type Config struct {
	Storage    StorageConfig    `json:"storage"`
	Breaker    BreakerConfig    `json:"breaker"`
	Buffer     BufferConfig     `json:"buffer"`
	Extraction ExtractionConfig `json:"extraction"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Cache      CacheConfig      `json:"cache"`
	Embeddings EmbeddingsConfig `json:"embeddings"`
	Graph      GraphConfig      `json:"graph"`
	Features   FeatureFlags     `json:"features"`
}

// StorageConfig locates the durable store and hot cache files
type StorageConfig struct {
	// Path of the SQLite database file
	DBPath string `json:"db_path"`
	// Path of the bbolt cache file
	CachePath string `json:"cache_path"`
	// BusyTimeoutMS is passed to the SQLite driver DSN
	BusyTimeoutMS int `json:"busy_timeout_ms"`
	// OpTimeout bounds every durable-store call
	OpTimeout time.Duration `json:"op_timeout"`
	// StrictConflicts surfaces Conflict errors instead of logging when a
	// cache/durable disagreement is older than the sync window
	StrictConflicts bool `json:"strict_conflicts"`
	// SyncWindow is the largest gap by which a cache entry may be newer
	// than its durable row before it counts as a divergence. The startup
	// reconciliation pass walks back seven days, or this window when longer.
	SyncWindow time.Duration `json:"sync_window"`
}

// BreakerConfig tunes the circuit breaker around the durable store
type BreakerConfig struct {
	FailureThreshold    int           `json:"failure_threshold"`
	SuccessThreshold    int           `json:"success_threshold"`
	Timeout             time.Duration `json:"timeout"`
	HalfOpenMaxAttempts int           `json:"half_open_max_attempts"`
}

// BufferConfig tunes the step buffer
type BufferConfig struct {
	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	MaxRetries    int           `json:"max_retries"`
}

// ExtractionConfig tunes the pattern-extraction queue and worker pool
type ExtractionConfig struct {
	QueueCapacity int `json:"queue_capacity"`
	WorkerCount   int `json:"worker_count"`
	MinSupport    int `json:"min_support"`
	// MinConfidence gates heuristic synthesis
	MinConfidence float64 `json:"min_confidence"`
	// SubmitWait bounds how long complete_episode blocks on a full queue
	SubmitWait time.Duration `json:"submit_wait"`
	// DrainDeadline bounds queue draining on shutdown
	DrainDeadline time.Duration `json:"drain_deadline"`
}

// RetrievalConfig tunes the hierarchical retriever and diversifier
type RetrievalConfig struct {
	MaxClustersToSearch int     `json:"max_clusters_to_search"`
	TemporalBias        float64 `json:"temporal_bias"`
	DiversityLambda     float64 `json:"diversity_lambda"`
	CandidateFloor      int     `json:"candidate_floor"`
	ResultCacheSize     int     `json:"result_cache_size"`
}

// CacheConfig bounds the hot cache
type CacheConfig struct {
	MaxEpisodeSize   int           `json:"max_episode_size"`
	MaxPatternSize   int           `json:"max_pattern_size"`
	MaxHeuristicSize int           `json:"max_heuristic_size"`
	MaxEmbeddingSize int           `json:"max_embedding_size"`
	TTL              time.Duration `json:"ttl"`
	Capacity         int           `json:"capacity"`
}

// EmbeddingsConfig selects the embedding provider
type EmbeddingsConfig struct {
	Provider string        `json:"provider"` // "voyage" or "mock"
	Model    string        `json:"model"`
	APIKey   string        `json:"api_key,omitempty"`
	Timeout  time.Duration `json:"timeout"`
	// CacheSize bounds the embedding LRU cache
	CacheSize int `json:"cache_size"`
}

// GraphConfig configures the optional relationship-graph mirror
type GraphConfig struct {
	// Neo4jURI enables the visualisation mirror when non-empty
	Neo4jURI      string `json:"neo4j_uri,omitempty"`
	Neo4jUser     string `json:"neo4j_user,omitempty"`
	Neo4jPassword string `json:"-"`
	// MaxTraversalDepth bounds BFS traversal
	MaxTraversalDepth int `json:"max_traversal_depth"`
}

// FeatureFlags toggles subsystems; all default to enabled
type FeatureFlags struct {
	SpatiotemporalIndex bool `json:"spatiotemporal_index"`
	Diversity           bool `json:"diversity"`
	Embeddings          bool `json:"embeddings"`
	CircuitBreaker      bool `json:"circuit_breaker"`
}

// Default returns the documented default configuration
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath:          "episodic.db",
			CachePath:       "episodic-cache.db",
			BusyTimeoutMS:   5000,
			OpTimeout:       5 * time.Second,
			StrictConflicts: false,
			SyncWindow:      24 * time.Hour,
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			HalfOpenMaxAttempts: 3,
		},
		Buffer: BufferConfig{
			BatchSize:     10,
			FlushInterval: 100 * time.Millisecond,
			MaxRetries:    3,
		},
		Extraction: ExtractionConfig{
			QueueCapacity: 256,
			WorkerCount:   defaultWorkerCount(),
			MinSupport:    3,
			MinConfidence: 0.6,
			SubmitWait:    50 * time.Millisecond,
			DrainDeadline: 5 * time.Second,
		},
		Retrieval: RetrievalConfig{
			MaxClustersToSearch: 64,
			TemporalBias:        0.3,
			DiversityLambda:     0.7,
			CandidateFloor:      20,
			ResultCacheSize:     256,
		},
		Cache: CacheConfig{
			MaxEpisodeSize:   10 << 20,
			MaxPatternSize:   1 << 20,
			MaxHeuristicSize: 100 << 10,
			MaxEmbeddingSize: 1 << 20,
			TTL:              time.Hour,
			Capacity:         10000,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "mock",
			Model:     "voyage-3-lite",
			Timeout:   30 * time.Second,
			CacheSize: 1000,
		},
		Graph: GraphConfig{
			MaxTraversalDepth: 5,
		},
		Features: FeatureFlags{
			SpatiotemporalIndex: true,
			Diversity:           true,
			Embeddings:          true,
			CircuitBreaker:      true,
		},
	}
}

// defaultWorkerCount is max(2, cpu/2)
func defaultWorkerCount() int {
	n := runtime.NumCPU() / 2
	if n < 2 {
		n = 2
	}
	return n
}

// Load loads configuration from environment variables over defaults.
// Environment variables follow the pattern EM_<SECTION>_<KEY>, e.g.
// EM_BREAKER_FAILURE_THRESHOLD, EM_FEATURES_DIVERSITY.
func Load() (*Config, error) {
	cfg := Default()
	cfg.loadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() {
	// Storage
	envString("EM_STORAGE_DB_PATH", &c.Storage.DBPath)
	envString("EM_STORAGE_CACHE_PATH", &c.Storage.CachePath)
	envInt("EM_STORAGE_BUSY_TIMEOUT_MS", &c.Storage.BusyTimeoutMS)
	envDuration("EM_STORAGE_OP_TIMEOUT", &c.Storage.OpTimeout)
	envBool("EM_STORAGE_STRICT_CONFLICTS", &c.Storage.StrictConflicts)
	envDuration("EM_STORAGE_SYNC_WINDOW", &c.Storage.SyncWindow)

	// Breaker
	envInt("EM_BREAKER_FAILURE_THRESHOLD", &c.Breaker.FailureThreshold)
	envInt("EM_BREAKER_SUCCESS_THRESHOLD", &c.Breaker.SuccessThreshold)
	envDuration("EM_BREAKER_TIMEOUT", &c.Breaker.Timeout)
	envInt("EM_BREAKER_HALF_OPEN_MAX_ATTEMPTS", &c.Breaker.HalfOpenMaxAttempts)

	// Buffer
	envInt("EM_BUFFER_BATCH_SIZE", &c.Buffer.BatchSize)
	envDuration("EM_BUFFER_FLUSH_INTERVAL", &c.Buffer.FlushInterval)
	envInt("EM_BUFFER_MAX_RETRIES", &c.Buffer.MaxRetries)

	// Extraction
	envInt("EM_EXTRACTION_QUEUE_CAPACITY", &c.Extraction.QueueCapacity)
	envInt("EM_EXTRACTION_WORKER_COUNT", &c.Extraction.WorkerCount)
	envInt("EM_EXTRACTION_MIN_SUPPORT", &c.Extraction.MinSupport)
	envFloat("EM_EXTRACTION_MIN_CONFIDENCE", &c.Extraction.MinConfidence)
	envDuration("EM_EXTRACTION_SUBMIT_WAIT", &c.Extraction.SubmitWait)
	envDuration("EM_EXTRACTION_DRAIN_DEADLINE", &c.Extraction.DrainDeadline)

	// Retrieval
	envInt("EM_RETRIEVAL_MAX_CLUSTERS", &c.Retrieval.MaxClustersToSearch)
	envFloat("EM_RETRIEVAL_TEMPORAL_BIAS", &c.Retrieval.TemporalBias)
	envFloat("EM_RETRIEVAL_DIVERSITY_LAMBDA", &c.Retrieval.DiversityLambda)
	envInt("EM_RETRIEVAL_CANDIDATE_FLOOR", &c.Retrieval.CandidateFloor)
	envInt("EM_RETRIEVAL_RESULT_CACHE_SIZE", &c.Retrieval.ResultCacheSize)

	// Cache
	envInt("EM_CACHE_MAX_EPISODE_SIZE", &c.Cache.MaxEpisodeSize)
	envInt("EM_CACHE_MAX_PATTERN_SIZE", &c.Cache.MaxPatternSize)
	envInt("EM_CACHE_MAX_HEURISTIC_SIZE", &c.Cache.MaxHeuristicSize)
	envInt("EM_CACHE_MAX_EMBEDDING_SIZE", &c.Cache.MaxEmbeddingSize)
	envDuration("EM_CACHE_TTL", &c.Cache.TTL)
	envInt("EM_CACHE_CAPACITY", &c.Cache.Capacity)

	// Embeddings
	envString("EM_EMBEDDINGS_PROVIDER", &c.Embeddings.Provider)
	envString("EM_EMBEDDINGS_MODEL", &c.Embeddings.Model)
	envString("VOYAGE_API_KEY", &c.Embeddings.APIKey)
	envDuration("EM_EMBEDDINGS_TIMEOUT", &c.Embeddings.Timeout)
	envInt("EM_EMBEDDINGS_CACHE_SIZE", &c.Embeddings.CacheSize)

	// Graph
	envString("EM_NEO4J_URI", &c.Graph.Neo4jURI)
	envString("EM_NEO4J_USER", &c.Graph.Neo4jUser)
	envString("EM_NEO4J_PASSWORD", &c.Graph.Neo4jPassword)
	envInt("EM_GRAPH_MAX_TRAVERSAL_DEPTH", &c.Graph.MaxTraversalDepth)

	// Features
	envBool("EM_FEATURES_SPATIOTEMPORAL_INDEX", &c.Features.SpatiotemporalIndex)
	envBool("EM_FEATURES_DIVERSITY", &c.Features.Diversity)
	envBool("EM_FEATURES_EMBEDDINGS", &c.Features.Embeddings)
	envBool("EM_FEATURES_CIRCUIT_BREAKER", &c.Features.CircuitBreaker)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path cannot be empty")
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be >= 1")
	}
	if c.Breaker.SuccessThreshold < 1 {
		return fmt.Errorf("breaker.success_threshold must be >= 1")
	}
	if c.Breaker.HalfOpenMaxAttempts < c.Breaker.SuccessThreshold {
		return fmt.Errorf("breaker.half_open_max_attempts must be >= success_threshold")
	}
	if c.Buffer.BatchSize < 1 {
		return fmt.Errorf("buffer.batch_size must be >= 1")
	}
	if c.Buffer.MaxRetries < 0 {
		return fmt.Errorf("buffer.max_retries cannot be negative")
	}
	if c.Extraction.QueueCapacity < 1 {
		return fmt.Errorf("extraction.queue_capacity must be >= 1")
	}
	if c.Extraction.WorkerCount < 1 {
		return fmt.Errorf("extraction.worker_count must be >= 1")
	}
	if c.Extraction.MinConfidence < 0 || c.Extraction.MinConfidence > 1 {
		return fmt.Errorf("extraction.min_confidence must be in [0,1]")
	}
	if c.Retrieval.TemporalBias < 0 || c.Retrieval.TemporalBias > 0.4 {
		return fmt.Errorf("retrieval.temporal_bias must be in [0, 0.4]")
	}
	if c.Retrieval.DiversityLambda < 0 || c.Retrieval.DiversityLambda > 1 {
		return fmt.Errorf("retrieval.diversity_lambda must be in [0,1]")
	}
	if c.Retrieval.CandidateFloor < 1 {
		return fmt.Errorf("retrieval.candidate_floor must be >= 1")
	}
	if c.Cache.Capacity < 0 {
		return fmt.Errorf("cache.capacity cannot be negative")
	}
	switch c.Embeddings.Provider {
	case "mock", "voyage":
	default:
		return fmt.Errorf("embeddings.provider must be 'mock' or 'voyage'")
	}
	if c.Graph.MaxTraversalDepth < 1 {
		return fmt.Errorf("graph.max_traversal_depth must be >= 1")
	}
	return nil
}

// env helpers

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		s := strings.ToLower(strings.TrimSpace(v))
		*dst = s == "true" || s == "1" || s == "yes" || s == "on" || s == "enabled"
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
