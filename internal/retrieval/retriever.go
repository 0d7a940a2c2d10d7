// Package retrieval implements the hierarchical coarse-to-fine retriever
// with Maximal Marginal Relevance diversification.
//
// Pipeline per query: prune candidates through the spatiotemporal index
// (domain, then task type, then temporal clusters), score the survivors,
// take the top-K into the diversifier, and return shared episode handles.
// Vector similarity runs through the chromem ANN side-index for the
// standard dimensions, with the durable store's sharded brute-force
// vector_top_k as the fallback; keyword overlap covers candidates with
// no vector at all. A result cache short-circuits repeated queries until
// any episode write invalidates it.
package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"episodic-memory/internal/ann"
	"episodic-memory/internal/config"
	"episodic-memory/internal/embeddings"
	"episodic-memory/internal/index"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/syncer"
	"episodic-memory/internal/types"
	"episodic-memory/pkg/cache"
)

// Score weights: domain and task type are fixed at 0.3 each; the
// temporal bias tb takes its share from the similarity weight so the
// total stays 1.0 (tb in [0, 0.4], similarity gets 0.4 - tb).
const (
	domainWeight   = 0.3
	taskTypeWeight = 0.3
	simWeightBase  = 0.4
)

// temporalDecayDays controls how fast temporal proximity falls off
const temporalDecayDays = 30.0

// flatScanLimit bounds the candidate set when the spatiotemporal index
// is disabled
const flatScanLimit = 2000

// candidate carries scoring state through the pipeline
type candidate struct {
	episode    *types.Episode
	score      float64
	similarity float64
	tokens     map[string]bool
}

// Retriever is the coarse-to-fine retriever
type Retriever struct {
	store    storage.Store
	sync     *syncer.Engine
	index    *index.Index
	annIdx   *ann.Index          // nil when embeddings are disabled
	embedder embeddings.Embedder // nil when embeddings are disabled
	cfg      config.RetrievalConfig
	features config.FeatureFlags
	log      *logrus.Logger
	clock    func() time.Time

	results *cache.LRU[types.QueryKey, []*types.EpisodeHandle]

	visitedClusters atomic.Int64 // last query, observable for tests
}

// New creates a retriever
func New(store storage.Store, sync *syncer.Engine, ix *index.Index, annIdx *ann.Index,
	embedder embeddings.Embedder, cfg config.RetrievalConfig, features config.FeatureFlags,
	log *logrus.Logger) *Retriever {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Retriever{
		store:    store,
		sync:     sync,
		index:    ix,
		annIdx:   annIdx,
		embedder: embedder,
		cfg:      cfg,
		features: features,
		log:      log,
		clock:    time.Now,
		results:  cache.New[types.QueryKey, []*types.EpisodeHandle](&cache.Config{MaxEntries: cfg.ResultCacheSize, TTL: 5 * time.Minute}),
	}
}

// SetClock replaces the time source (tests only)
func (r *Retriever) SetClock(clock func() time.Time) { r.clock = clock }

// VisitedClusters reports how many index clusters the last query touched
func (r *Retriever) VisitedClusters() int64 { return r.visitedClusters.Load() }

// Invalidate drops all cached results; called on any episode write
func (r *Retriever) Invalidate() { r.results.Clear() }

// ResultCacheStats exposes result-cache counters for monitoring
func (r *Retriever) ResultCacheStats() cache.Stats { return r.results.Stats() }

// Retrieve returns up to limit episodes relevant to the query, diverse
// under MMR. Honors the context deadline by returning the best partial
// result collected so far.
func (r *Retriever) Retrieve(ctx context.Context, query string, taskCtx types.TaskContext, limit int) ([]*types.EpisodeHandle, error) {
	if limit <= 0 {
		limit = 5
	}

	key := types.QueryKey{
		Fingerprint:  types.FingerprintQuery(query),
		Domain:       taskCtx.Domain,
		TaskType:     taskCtx.TaskType,
		Limit:        limit,
		Lambda:       r.cfg.DiversityLambda,
		TemporalBias: r.cfg.TemporalBias,
	}
	if cached, ok := r.results.Get(key); ok {
		return cached, nil
	}

	candidates, degraded, err := r.gather(ctx, taskCtx)
	if err != nil {
		return nil, err
	}

	scored, err := r.score(ctx, query, taskCtx, candidates, degraded)
	if err != nil {
		return nil, err
	}

	// Top-K into the diversifier
	topK := 2 * limit
	if topK < r.cfg.CandidateFloor {
		topK = r.cfg.CandidateFloor
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > topK {
		scored = scored[:topK]
	}

	var selected []*candidate
	if r.features.Diversity && r.cfg.DiversityLambda < 1 {
		selected = r.diversify(ctx, scored, limit)
	} else {
		if len(scored) > limit {
			scored = scored[:limit]
		}
		selected = scored
	}

	handles := make([]*types.EpisodeHandle, 0, len(selected))
	for _, c := range selected {
		handles = append(handles, &types.EpisodeHandle{
			Episode:    c.episode,
			Score:      c.score,
			Similarity: c.similarity,
		})
	}

	// Partial results from an expired deadline are not cached
	if ctx.Err() == nil {
		r.results.Set(key, handles)
	}
	return handles, nil
}

// gather produces candidate episodes: index-pruned when enabled, flat
// scan otherwise. While the breaker is open it degrades to cache-only
// candidates; degraded=true disables vector similarity downstream.
func (r *Retriever) gather(ctx context.Context, taskCtx types.TaskContext) ([]*types.Episode, bool, error) {
	if r.features.SpatiotemporalIndex && r.index != nil {
		ids, visited := r.index.Query(taskCtx.Domain, taskCtx.TaskType, time.Time{}, time.Time{}, r.cfg.MaxClustersToSearch)
		r.visitedClusters.Store(int64(visited))

		episodes := make([]*types.Episode, 0, len(ids))
		degraded := false
		for _, id := range ids {
			if ctx.Err() != nil {
				return episodes, degraded, nil // best partial
			}
			episode, err := r.sync.GetEpisode(ctx, id)
			if err != nil {
				if memerr.KindOf(err) == memerr.KindCircuitOpen {
					degraded = true
					if cached, ok := r.sync.GetEpisodeCacheOnly(id); ok {
						episodes = append(episodes, cached)
						continue
					}
					continue
				}
				if memerr.KindOf(err) == memerr.KindNotFound {
					continue
				}
				return nil, false, err
			}
			episodes = append(episodes, episode)
		}
		if degraded && len(episodes) == 0 {
			return nil, true, memerr.New(memerr.KindCircuitOpen, "retrieval.gather",
				"durable store unavailable and cache has no candidates")
		}
		return episodes, degraded, nil
	}

	// Flat fallback: recent episodes filtered in memory
	r.visitedClusters.Store(0)
	episodes, err := r.store.ListRecentEpisodes(ctx, time.Time{}, flatScanLimit)
	if err != nil {
		if memerr.KindOf(err) == memerr.KindCircuitOpen {
			return nil, true, err
		}
		return nil, false, err
	}
	filtered := episodes[:0]
	for _, episode := range episodes {
		if taskCtx.Domain != "" && episode.Context.Domain != taskCtx.Domain {
			continue
		}
		if taskCtx.TaskType != "" && episode.TaskType != taskCtx.TaskType {
			continue
		}
		filtered = append(filtered, episode)
	}
	return filtered, false, nil
}

// score computes the blended relevance score for each candidate:
//
//	0.3·domain + 0.3·task_type + tb·temporal + (0.4−tb)·similarity
func (r *Retriever) score(ctx context.Context, query string, taskCtx types.TaskContext, episodes []*types.Episode, degraded bool) ([]*candidate, error) {
	tb := r.cfg.TemporalBias
	simWeight := simWeightBase - tb
	now := r.clock()
	queryTokens := tokenize(query)

	var vectorSims map[string]float64
	if !degraded && r.features.Embeddings && r.embedder != nil {
		vector, err := r.embedder.Embed(ctx, query)
		if err != nil {
			r.log.WithError(err).Debug("query embedding failed, using keyword similarity")
		} else {
			vectorSims = r.vectorSimilarities(ctx, vector, len(episodes))
		}
	}

	scored := make([]*candidate, 0, len(episodes))
	for _, episode := range episodes {
		if ctx.Err() != nil {
			break // best partial
		}

		c := &candidate{episode: episode, tokens: episodeTokens(episode)}

		var score float64
		if taskCtx.Domain != "" && episode.Context.Domain == taskCtx.Domain {
			score += domainWeight
		}
		if taskCtx.TaskType != "" && episode.TaskType == taskCtx.TaskType {
			score += taskTypeWeight
		}

		ageDays := now.Sub(episode.UpdatedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		score += tb * math.Exp(-ageDays/temporalDecayDays)

		// Vector similarity from the ANN/shard search when the episode
		// has an indexed vector, else normalised keyword overlap
		sim, ok := vectorSims[episode.ID]
		if !ok {
			sim = keywordOverlap(queryTokens, c.tokens)
		} else if sim < 0 {
			sim = 0
		}
		c.similarity = sim
		score += simWeight * sim

		c.score = score
		scored = append(scored, c)
	}
	return scored, nil
}

// vectorSimilarities scores owners against the query vector through the
// vector search path: the chromem ANN side-index answers the standard
// dimensions, and the durable store's dimension-sharded vector_top_k
// scan covers cold indexes and non-standard dimensions. Returns nil when
// neither path has vectors for this dimension.
func (r *Retriever) vectorSimilarities(ctx context.Context, queryVector []float32, k int) map[string]float64 {
	if k <= 0 || len(queryVector) == 0 {
		return nil
	}

	if r.annIdx != nil {
		matches, err := r.annIdx.TopK(ctx, queryVector, k)
		if err != nil {
			r.log.WithError(err).Debug("ANN query failed, falling back to shard scan")
		} else if len(matches) > 0 {
			sims := make(map[string]float64, len(matches))
			for _, m := range matches {
				sims[m.OwnerID] = m.Similarity
			}
			return sims
		}
	}

	matches, err := r.store.VectorTopK(ctx, len(queryVector), queryVector, k,
		storage.VectorFilter{OwnerKind: "episode"})
	if err != nil {
		r.log.WithError(err).Debug("vector shard scan failed, using keyword similarity")
		return nil
	}
	sims := make(map[string]float64, len(matches))
	for _, m := range matches {
		sims[m.OwnerID] = 1 - m.Distance
	}
	return sims
}

// diversify applies Maximal Marginal Relevance: iteratively pick the
// candidate maximising λ·score − (1−λ)·max_similarity_to_selected.
// Pairwise similarity comes from each candidate's ANN neighbourhood;
// candidates with no indexed vector compare by token overlap.
func (r *Retriever) diversify(ctx context.Context, candidates []*candidate, limit int) []*candidate {
	lambda := r.cfg.DiversityLambda
	neighbors := r.neighborSimilarities(ctx, candidates)
	selected := make([]*candidate, 0, limit)
	remaining := append([]*candidate(nil), candidates...)

	for len(selected) < limit && len(remaining) > 0 {
		if ctx.Err() != nil {
			break // best partial
		}

		bestIdx := -1
		bestValue := math.Inf(-1)
		for i, c := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				if sim := pairwiseSimilarity(c, s, neighbors); sim > maxSim {
					maxSim = sim
				}
			}
			value := lambda*c.score - (1-lambda)*maxSim
			if value > bestValue {
				bestValue = value
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			break
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}

// neighborSimilarities precomputes episode-to-episode similarity for the
// diversifier by querying the ANN index with each candidate's own
// vector. The candidate count bounds both the number of queries and k.
func (r *Retriever) neighborSimilarities(ctx context.Context, candidates []*candidate) map[string]map[string]float64 {
	if r.annIdx == nil {
		return nil
	}
	out := make(map[string]map[string]float64, len(candidates))
	for _, c := range candidates {
		if len(c.episode.Embedding) == 0 || ctx.Err() != nil {
			continue
		}
		matches, err := r.annIdx.TopK(ctx, c.episode.Embedding, 2*len(candidates))
		if err != nil || len(matches) == 0 {
			continue
		}
		sims := make(map[string]float64, len(matches))
		for _, m := range matches {
			sims[m.OwnerID] = m.Similarity
		}
		out[c.episode.ID] = sims
	}
	return out
}

// pairwiseSimilarity reads the ANN neighbourhood of either side; two
// indexed episodes outside each other's neighbourhood count as distant.
// Episodes without vectors compare by token overlap.
func pairwiseSimilarity(a, b *candidate, neighbors map[string]map[string]float64) float64 {
	for _, pair := range [2][2]*candidate{{a, b}, {b, a}} {
		if sims, ok := neighbors[pair[0].episode.ID]; ok {
			if sim, ok := sims[pair[1].episode.ID]; ok {
				if sim < 0 {
					return 0
				}
				return sim
			}
		}
	}
	if _, aIndexed := neighbors[a.episode.ID]; aIndexed {
		if _, bIndexed := neighbors[b.episode.ID]; bIndexed {
			return 0
		}
	}
	return keywordOverlap(a.tokens, b.tokens)
}

// tokenize lowercases and splits on non-alphanumerics
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool, 16)
	for _, token := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(token) >= 2 {
			tokens[token] = true
		}
	}
	return tokens
}

// episodeTokens collects the searchable text of an episode: description
// plus tags
func episodeTokens(e *types.Episode) map[string]bool {
	tokens := tokenize(e.TaskDescription)
	for _, tag := range e.Tags {
		tokens[tag] = true
	}
	for _, tag := range e.Context.Tags {
		tokens[tag] = true
	}
	return tokens
}

// keywordOverlap is |a ∩ b| / |a| (normalised containment of the query
// in the episode text)
func keywordOverlap(query, doc map[string]bool) float64 {
	if len(query) == 0 || len(doc) == 0 {
		return 0
	}
	common := 0
	for token := range query {
		if doc[token] {
			common++
		}
	}
	return float64(common) / float64(len(query))
}
