package resilience

import (
	"context"
	"time"

	"episodic-memory/internal/storage"
	"episodic-memory/internal/types"
)

// GuardedStore decorates a storage.Store with the circuit breaker and a
// per-call timeout. Timeouts surface as Transient errors and feed the
// breaker; while the breaker is open every call fails fast with
// CircuitOpen. All consumers of the durable store go through this
// decorator so the breaker sees every call.
type GuardedStore struct {
	inner     storage.Store
	breaker   *Breaker
	opTimeout time.Duration
}

// NewGuardedStore wraps the store
func NewGuardedStore(inner storage.Store, breaker *Breaker, opTimeout time.Duration) *GuardedStore {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &GuardedStore{inner: inner, breaker: breaker, opTimeout: opTimeout}
}

// Breaker exposes the wrapped breaker for monitoring
func (g *GuardedStore) Breaker() *Breaker { return g.breaker }

// call runs fn through the breaker with the per-operation deadline
func (g *GuardedStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	return g.breaker.Execute(ctx, op, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.opTimeout)
		defer cancel()
		return fn(ctx)
	})
}

func (g *GuardedStore) StoreEpisode(ctx context.Context, episode *types.Episode) error {
	return g.call(ctx, "store_episode", func(ctx context.Context) error {
		return g.inner.StoreEpisode(ctx, episode)
	})
}

func (g *GuardedStore) UpdateEpisode(ctx context.Context, episode *types.Episode) error {
	return g.call(ctx, "update_episode", func(ctx context.Context) error {
		return g.inner.UpdateEpisode(ctx, episode)
	})
}

func (g *GuardedStore) GetEpisode(ctx context.Context, id string) (episode *types.Episode, err error) {
	err = g.call(ctx, "get_episode", func(ctx context.Context) error {
		episode, err = g.inner.GetEpisode(ctx, id)
		return err
	})
	return episode, err
}

func (g *GuardedStore) ListRecentEpisodes(ctx context.Context, since time.Time, limit int) (episodes []*types.Episode, err error) {
	err = g.call(ctx, "list_recent_episodes", func(ctx context.Context) error {
		episodes, err = g.inner.ListRecentEpisodes(ctx, since, limit)
		return err
	})
	return episodes, err
}

func (g *GuardedStore) ListEpisodesByTags(ctx context.Context, tags []string, logic types.TagLogic, limit int) (episodes []*types.Episode, err error) {
	err = g.call(ctx, "list_episodes_by_tags", func(ctx context.Context) error {
		episodes, err = g.inner.ListEpisodesByTags(ctx, tags, logic, limit)
		return err
	})
	return episodes, err
}

func (g *GuardedStore) AppendStep(ctx context.Context, episodeID string, step *types.ExecutionStep) error {
	return g.call(ctx, "append_step", func(ctx context.Context) error {
		return g.inner.AppendStep(ctx, episodeID, step)
	})
}

func (g *GuardedStore) AppendStepsBatch(ctx context.Context, episodeID string, steps []*types.ExecutionStep) error {
	return g.call(ctx, "append_steps_batch", func(ctx context.Context) error {
		return g.inner.AppendStepsBatch(ctx, episodeID, steps)
	})
}

func (g *GuardedStore) MergePattern(ctx context.Context, pattern *types.Pattern) (merged *types.Pattern, err error) {
	err = g.call(ctx, "merge_pattern", func(ctx context.Context) error {
		merged, err = g.inner.MergePattern(ctx, pattern)
		return err
	})
	return merged, err
}

func (g *GuardedStore) GetPattern(ctx context.Context, id string) (pattern *types.Pattern, err error) {
	err = g.call(ctx, "get_pattern", func(ctx context.Context) error {
		pattern, err = g.inner.GetPattern(ctx, id)
		return err
	})
	return pattern, err
}

func (g *GuardedStore) ListPatterns(ctx context.Context, kind types.PatternKind, limit int) (patterns []*types.Pattern, err error) {
	err = g.call(ctx, "list_patterns", func(ctx context.Context) error {
		patterns, err = g.inner.ListPatterns(ctx, kind, limit)
		return err
	})
	return patterns, err
}

func (g *GuardedStore) StoreHeuristic(ctx context.Context, heuristic *types.Heuristic) error {
	return g.call(ctx, "store_heuristic", func(ctx context.Context) error {
		return g.inner.StoreHeuristic(ctx, heuristic)
	})
}

func (g *GuardedStore) ListHeuristics(ctx context.Context, onlyActive bool) (heuristics []*types.Heuristic, err error) {
	err = g.call(ctx, "list_heuristics", func(ctx context.Context) error {
		heuristics, err = g.inner.ListHeuristics(ctx, onlyActive)
		return err
	})
	return heuristics, err
}

func (g *GuardedStore) StoreEmbedding(ctx context.Context, embedding *types.Embedding) error {
	return g.call(ctx, "store_embedding", func(ctx context.Context) error {
		return g.inner.StoreEmbedding(ctx, embedding)
	})
}

func (g *GuardedStore) GetEmbedding(ctx context.Context, ownerID string, dimension int) (embedding *types.Embedding, err error) {
	err = g.call(ctx, "get_embedding", func(ctx context.Context) error {
		embedding, err = g.inner.GetEmbedding(ctx, ownerID, dimension)
		return err
	})
	return embedding, err
}

func (g *GuardedStore) VectorTopK(ctx context.Context, dimension int, query []float32, k int, filter storage.VectorFilter) (matches []storage.VectorMatch, err error) {
	err = g.call(ctx, "vector_top_k", func(ctx context.Context) error {
		matches, err = g.inner.VectorTopK(ctx, dimension, query, k, filter)
		return err
	})
	return matches, err
}

func (g *GuardedStore) StoreRelationship(ctx context.Context, rel *types.Relationship) error {
	return g.call(ctx, "store_relationship", func(ctx context.Context) error {
		return g.inner.StoreRelationship(ctx, rel)
	})
}

func (g *GuardedStore) RemoveRelationship(ctx context.Context, from, to string, relType types.RelationType) error {
	return g.call(ctx, "remove_relationship", func(ctx context.Context) error {
		return g.inner.RemoveRelationship(ctx, from, to, relType)
	})
}

func (g *GuardedStore) GetRelationships(ctx context.Context, episodeID string, direction types.Direction) (rels []*types.Relationship, err error) {
	err = g.call(ctx, "get_relationships", func(ctx context.Context) error {
		rels, err = g.inner.GetRelationships(ctx, episodeID, direction)
		return err
	})
	return rels, err
}

func (g *GuardedStore) ListRelationships(ctx context.Context) (rels []*types.Relationship, err error) {
	err = g.call(ctx, "list_relationships", func(ctx context.Context) error {
		rels, err = g.inner.ListRelationships(ctx)
		return err
	})
	return rels, err
}

func (g *GuardedStore) Ping(ctx context.Context) error {
	return g.call(ctx, "ping", func(ctx context.Context) error {
		return g.inner.Ping(ctx)
	})
}

func (g *GuardedStore) Close() error {
	return g.inner.Close()
}

var _ storage.Store = (*GuardedStore)(nil)
