// Package storage provides the durable source-of-truth store for
// episodes, steps, patterns, heuristics, relationships and embeddings.
package storage

import (
	"context"
	"time"

	"episodic-memory/internal/types"
)

// VectorMatch is one vector-search hit, ordered by ascending distance.
// Ties break by LastSeen descending, then OwnerID ascending.
type VectorMatch struct {
	OwnerID  string
	Distance float64
	LastSeen time.Time
}

// VectorFilter restricts vector search to an owner class
type VectorFilter struct {
	// OwnerKind is "episode", "pattern", or "" for no restriction
	OwnerKind string
}

// EpisodeRepository manages episode persistence
type EpisodeRepository interface {
	StoreEpisode(ctx context.Context, episode *types.Episode) error
	UpdateEpisode(ctx context.Context, episode *types.Episode) error
	GetEpisode(ctx context.Context, id string) (*types.Episode, error)
	// ListRecentEpisodes returns episodes updated since the cutoff, newest
	// first, bounded by limit. Used by the sync engine's reconciliation.
	ListRecentEpisodes(ctx context.Context, since time.Time, limit int) ([]*types.Episode, error)
	ListEpisodesByTags(ctx context.Context, tags []string, logic types.TagLogic, limit int) ([]*types.Episode, error)
}

// StepRepository manages execution-step persistence
type StepRepository interface {
	AppendStep(ctx context.Context, episodeID string, step *types.ExecutionStep) error
	// AppendStepsBatch writes the batch in one transaction: all or nothing.
	AppendStepsBatch(ctx context.Context, episodeID string, steps []*types.ExecutionStep) error
}

// PatternRepository manages mined patterns
type PatternRepository interface {
	// MergePattern is idempotent on the pattern id: evidence sets union,
	// last_seen takes the max, support and confidence are recomputed.
	// Returns the merged row.
	MergePattern(ctx context.Context, pattern *types.Pattern) (*types.Pattern, error)
	GetPattern(ctx context.Context, id string) (*types.Pattern, error)
	ListPatterns(ctx context.Context, kind types.PatternKind, limit int) ([]*types.Pattern, error)
}

// HeuristicRepository manages derived heuristics
type HeuristicRepository interface {
	StoreHeuristic(ctx context.Context, heuristic *types.Heuristic) error
	ListHeuristics(ctx context.Context, onlyActive bool) ([]*types.Heuristic, error)
}

// EmbeddingRepository manages dimension-sharded vectors
type EmbeddingRepository interface {
	StoreEmbedding(ctx context.Context, embedding *types.Embedding) error
	GetEmbedding(ctx context.Context, ownerID string, dimension int) (*types.Embedding, error)
	// VectorTopK returns the k nearest owners by cosine distance within
	// the table for the given dimension. Non-standard dimensions are
	// served brute-force from the overflow table.
	VectorTopK(ctx context.Context, dimension int, query []float32, k int, filter VectorFilter) ([]VectorMatch, error)
}

// RelationshipRepository manages typed directed edges between episodes
type RelationshipRepository interface {
	StoreRelationship(ctx context.Context, rel *types.Relationship) error
	RemoveRelationship(ctx context.Context, from, to string, relType types.RelationType) error
	GetRelationships(ctx context.Context, episodeID string, direction types.Direction) ([]*types.Relationship, error)
	// ListRelationships returns every edge; used to rebuild the in-memory
	// graph on startup.
	ListRelationships(ctx context.Context) ([]*types.Relationship, error)
}

// HealthProber exposes liveness of the backend
type HealthProber interface {
	Ping(ctx context.Context) error
}

// Store combines all repository interfaces for unified access. This is
// the interface the episode manager, sync engine and retriever depend on;
// the circuit breaker wraps it.
type Store interface {
	EpisodeRepository
	StepRepository
	PatternRepository
	HeuristicRepository
	EmbeddingRepository
	RelationshipRepository
	HealthProber
	Close() error
}

// Verify implementations satisfy the interface
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
