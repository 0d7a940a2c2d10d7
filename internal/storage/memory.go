// Package storage - in-memory storage implementation.
//
// MemoryStore implements the full Store contract in process memory. It
// backs tests and serves as the construction-time substitute when no
// durable path is configured.
package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"episodic-memory/internal/memerr"
	"episodic-memory/internal/types"
)

// MemoryStore is a thread-safe in-memory Store
type MemoryStore struct {
	mu            sync.RWMutex
	episodes      map[string]*types.Episode
	steps         map[string][]*types.ExecutionStep
	patterns      map[string]*types.Pattern
	heuristics    map[string]*types.Heuristic
	embeddings    map[string]*types.Embedding // keyed owner_id
	relationships map[string]*types.Relationship

	// Failure injection for breaker and retry tests
	failNext  int
	failKind  memerr.Kind
	callCount int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		episodes:      make(map[string]*types.Episode),
		steps:         make(map[string][]*types.ExecutionStep),
		patterns:      make(map[string]*types.Pattern),
		heuristics:    make(map[string]*types.Heuristic),
		embeddings:    make(map[string]*types.Embedding),
		relationships: make(map[string]*types.Relationship),
	}
}

// FailNext makes the next n mutating/reading calls fail with the given
// kind. Test hook for breaker and retry paths.
func (m *MemoryStore) FailNext(n int, kind memerr.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.failKind = kind
}

// CallCount reports how many store operations were attempted
func (m *MemoryStore) CallCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCount
}

// checkFailure consumes one injected failure if armed. Caller holds mu.
func (m *MemoryStore) checkFailure(op string) error {
	m.callCount++
	if m.failNext > 0 {
		m.failNext--
		return memerr.New(m.failKind, op, "injected failure")
	}
	return nil
}

// StoreEpisode stores a copy-free reference to the episode
func (m *MemoryStore) StoreEpisode(ctx context.Context, episode *types.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.store_episode"); err != nil {
		return err
	}
	if episode.ID == "" {
		return memerr.New(memerr.KindValidation, "storage.store_episode", "episode id required")
	}
	m.episodes[episode.ID] = episode
	if len(episode.Steps) > 0 {
		m.steps[episode.ID] = append([]*types.ExecutionStep(nil), episode.Steps...)
	}
	return nil
}

// UpdateEpisode replaces a stored episode
func (m *MemoryStore) UpdateEpisode(ctx context.Context, episode *types.Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.update_episode"); err != nil {
		return err
	}
	if _, ok := m.episodes[episode.ID]; !ok {
		return memerr.New(memerr.KindNotFound, "storage.update_episode", "episode not found").WithEntity(episode.ID)
	}
	m.episodes[episode.ID] = episode
	return nil
}

// GetEpisode returns the stored episode with its steps attached
func (m *MemoryStore) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	m.mu.Lock()
	if err := m.checkFailure("storage.get_episode"); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	episode, ok := m.episodes[id]
	steps := m.steps[id]
	m.mu.Unlock()

	if !ok {
		return nil, memerr.New(memerr.KindNotFound, "storage.get_episode", "episode not found").WithEntity(id)
	}
	if len(steps) > len(episode.Steps) {
		episode.Steps = append([]*types.ExecutionStep(nil), steps...)
	}
	return episode, nil
}

// ListRecentEpisodes returns episodes updated since the cutoff, newest first
func (m *MemoryStore) ListRecentEpisodes(ctx context.Context, since time.Time, limit int) ([]*types.Episode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	episodes := make([]*types.Episode, 0, len(m.episodes))
	for _, e := range m.episodes {
		if !e.UpdatedAt.Before(since) {
			episodes = append(episodes, e)
		}
	}
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].UpdatedAt.After(episodes[j].UpdatedAt)
	})
	if limit > 0 && len(episodes) > limit {
		episodes = episodes[:limit]
	}
	return episodes, nil
}

// ListEpisodesByTags filters episodes by normalised tags with AND/OR logic
func (m *MemoryStore) ListEpisodesByTags(ctx context.Context, tags []string, logic types.TagLogic, limit int) ([]*types.Episode, error) {
	if len(tags) == 0 {
		return nil, memerr.New(memerr.KindValidation, "storage.list_by_tags", "at least one tag required")
	}
	if limit <= 0 {
		limit = 50
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*types.Episode, 0, 16)
	for _, e := range m.episodes {
		have := make(map[string]bool, len(e.Tags))
		for _, t := range e.Tags {
			have[t] = true
		}
		count := 0
		for _, t := range tags {
			if have[t] {
				count++
			}
		}
		if (logic == types.TagLogicAnd && count == len(tags)) ||
			(logic != types.TagLogicAnd && count > 0) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// AppendStep appends a single step
func (m *MemoryStore) AppendStep(ctx context.Context, episodeID string, step *types.ExecutionStep) error {
	return m.AppendStepsBatch(ctx, episodeID, []*types.ExecutionStep{step})
}

// AppendStepsBatch appends a batch atomically
func (m *MemoryStore) AppendStepsBatch(ctx context.Context, episodeID string, steps []*types.ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.append_steps_batch"); err != nil {
		return err
	}
	episode, ok := m.episodes[episodeID]
	if !ok {
		return memerr.New(memerr.KindNotFound, "storage.append_steps_batch", "episode not found").WithEntity(episodeID)
	}
	m.steps[episodeID] = append(m.steps[episodeID], steps...)
	episode.UpdatedAt = time.Now()
	return nil
}

// MergePattern performs the deterministic idempotent merge
func (m *MemoryStore) MergePattern(ctx context.Context, pattern *types.Pattern) (*types.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.merge_pattern"); err != nil {
		return nil, err
	}
	if pattern.ID == "" {
		pattern.ID = pattern.CanonicalID()
	}
	merged := pattern
	if existing, ok := m.patterns[pattern.ID]; ok {
		merged = mergePatterns(existing, pattern)
	} else if merged.Support == 0 {
		merged.Support = len(merged.Evidence)
	}
	m.patterns[merged.ID] = merged
	return merged, nil
}

// GetPattern retrieves a pattern by id
func (m *MemoryStore) GetPattern(ctx context.Context, id string) (*types.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pattern, ok := m.patterns[id]
	if !ok {
		return nil, memerr.New(memerr.KindNotFound, "storage.get_pattern", "pattern not found").WithEntity(id)
	}
	return pattern, nil
}

// ListPatterns lists patterns, optionally filtered by kind
func (m *MemoryStore) ListPatterns(ctx context.Context, kind types.PatternKind, limit int) ([]*types.Pattern, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}

	patterns := make([]*types.Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		if kind == "" || p.Kind == kind {
			patterns = append(patterns, p)
		}
	}
	sort.Slice(patterns, func(i, j int) bool {
		return patterns[i].LastSeen.After(patterns[j].LastSeen)
	})
	if len(patterns) > limit {
		patterns = patterns[:limit]
	}
	return patterns, nil
}

// StoreHeuristic upserts a heuristic
func (m *MemoryStore) StoreHeuristic(ctx context.Context, h *types.Heuristic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.store_heuristic"); err != nil {
		return err
	}
	m.heuristics[h.ID] = h
	return nil
}

// ListHeuristics lists heuristics, optionally only active ones
func (m *MemoryStore) ListHeuristics(ctx context.Context, onlyActive bool) ([]*types.Heuristic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	heuristics := make([]*types.Heuristic, 0, len(m.heuristics))
	for _, h := range m.heuristics {
		if !onlyActive || h.Active {
			heuristics = append(heuristics, h)
		}
	}
	sort.Slice(heuristics, func(i, j int) bool {
		return heuristics[i].SuccessRate > heuristics[j].SuccessRate
	})
	return heuristics, nil
}

// StoreEmbedding stores a vector keyed by owner
func (m *MemoryStore) StoreEmbedding(ctx context.Context, e *types.Embedding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.store_embedding"); err != nil {
		return err
	}
	if e.Dimension != len(e.Vector) {
		return memerr.New(memerr.KindValidation, "storage.store_embedding",
			fmt.Sprintf("dimension %d does not match vector length %d", e.Dimension, len(e.Vector)))
	}
	m.embeddings[e.OwnerID] = e
	return nil
}

// GetEmbedding fetches a vector by owner and dimension
func (m *MemoryStore) GetEmbedding(ctx context.Context, ownerID string, dimension int) (*types.Embedding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.embeddings[ownerID]
	if !ok || e.Dimension != dimension {
		return nil, memerr.New(memerr.KindNotFound, "storage.get_embedding", "embedding not found").WithEntity(ownerID)
	}
	return e, nil
}

// VectorTopK brute-force scores all vectors of the dimension
func (m *MemoryStore) VectorTopK(ctx context.Context, dimension int, query []float32, k int, filter VectorFilter) ([]VectorMatch, error) {
	if len(query) != dimension {
		return nil, memerr.New(memerr.KindValidation, "storage.vector_top_k",
			fmt.Sprintf("query length %d does not match dimension %d", len(query), dimension))
	}
	if k <= 0 {
		k = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := make([]VectorMatch, 0, len(m.embeddings))
	for _, e := range m.embeddings {
		if e.Dimension != dimension {
			continue
		}
		if filter.OwnerKind != "" && ownerKind(e.OwnerID) != filter.OwnerKind {
			continue
		}
		matches = append(matches, VectorMatch{
			OwnerID:  e.OwnerID,
			Distance: cosineDistance(query, e.Vector),
			LastSeen: e.CreatedAt,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		if !matches[i].LastSeen.Equal(matches[j].LastSeen) {
			return matches[i].LastSeen.After(matches[j].LastSeen)
		}
		return matches[i].OwnerID < matches[j].OwnerID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func relationshipKey(from, to string, relType types.RelationType) string {
	return strings.Join([]string{from, to, string(relType)}, "\x00")
}

// StoreRelationship inserts an edge, enforcing (from,to,type) uniqueness
func (m *MemoryStore) StoreRelationship(ctx context.Context, rel *types.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("storage.store_relationship"); err != nil {
		return err
	}
	key := relationshipKey(rel.FromEpisodeID, rel.ToEpisodeID, rel.Type)
	if _, exists := m.relationships[key]; exists {
		return memerr.New(memerr.KindValidation, "storage.store_relationship",
			"relationship already exists").WithEntity(rel.FromEpisodeID)
	}
	m.relationships[key] = rel
	return nil
}

// RemoveRelationship deletes the edge identified by (from, to, type)
func (m *MemoryStore) RemoveRelationship(ctx context.Context, from, to string, relType types.RelationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := relationshipKey(from, to, relType)
	if _, exists := m.relationships[key]; !exists {
		return memerr.New(memerr.KindNotFound, "storage.remove_relationship", "relationship not found").WithEntity(from)
	}
	delete(m.relationships, key)
	return nil
}

// GetRelationships returns edges touching the episode
func (m *MemoryStore) GetRelationships(ctx context.Context, episodeID string, direction types.Direction) ([]*types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rels := make([]*types.Relationship, 0, 8)
	for _, rel := range m.relationships {
		switch direction {
		case types.DirectionOutgoing:
			if rel.FromEpisodeID == episodeID {
				rels = append(rels, rel)
			}
		case types.DirectionIncoming:
			if rel.ToEpisodeID == episodeID {
				rels = append(rels, rel)
			}
		default:
			if rel.FromEpisodeID == episodeID || rel.ToEpisodeID == episodeID {
				rels = append(rels, rel)
			}
		}
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].CreatedAt.Before(rels[j].CreatedAt) })
	return rels, nil
}

// ListRelationships returns every stored edge
func (m *MemoryStore) ListRelationships(ctx context.Context) ([]*types.Relationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rels := make([]*types.Relationship, 0, len(m.relationships))
	for _, rel := range m.relationships {
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i].CreatedAt.Before(rels[j].CreatedAt) })
	return rels, nil
}

// Ping always succeeds unless a failure is injected
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkFailure("storage.ping")
}

// Close is a no-op
func (m *MemoryStore) Close() error { return nil }
