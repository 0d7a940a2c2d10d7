// Package memory is the embedded library surface of the episodic
// learning memory backend.
//
// A System records agent tasks as episodes (start → log steps →
// complete), mines patterns and heuristics from them asynchronously, and
// retrieves relevant prior experience for new tasks through a
// spatiotemporal index with MMR diversification. Construction wires the
// durable SQLite store, the bbolt hot cache, the circuit breaker, the
// step buffer, the extraction queue and the retriever; there are no
// hidden singletons, and Close drains everything with a deadline.
package memory

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"episodic-memory/internal/ann"
	"episodic-memory/internal/config"
	"episodic-memory/internal/embeddings"
	"episodic-memory/internal/episode"
	"episodic-memory/internal/extraction"
	"episodic-memory/internal/hotcache"
	"episodic-memory/internal/index"
	"episodic-memory/internal/metrics"
	"episodic-memory/internal/relationship"
	"episodic-memory/internal/resilience"
	"episodic-memory/internal/retrieval"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/syncer"
	"episodic-memory/internal/types"
)

// warmLimit bounds how many episodes the startup pass loads into the
// spatiotemporal and ANN indexes
const warmLimit = 10000

// System is the top-level facade
type System struct {
	cfg *config.Config
	log *logrus.Logger

	store         storage.Store // breaker-guarded
	cache         *hotcache.Cache
	breaker       *resilience.Breaker
	syncEngine    *syncer.Engine
	idx           *index.Index
	annIdx        *ann.Index
	embedder      embeddings.Embedder
	queue         *extraction.Queue
	manager       *episode.Manager
	retriever     *retrieval.Retriever
	relationships *relationship.Manager
	mirror        *relationship.Neo4jMirror
	collector     *metrics.Collector
}

// Option customises construction, mainly to substitute test doubles
type Option func(*options)

type options struct {
	store    storage.Store
	embedder embeddings.Embedder
	logger   *logrus.Logger
}

// WithStore substitutes the durable store backend
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithEmbedder substitutes the embedding provider
func WithEmbedder(embedder embeddings.Embedder) Option {
	return func(o *options) { o.embedder = embedder }
}

// WithLogger substitutes the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New constructs a fully wired System from the configuration
func New(cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	s := &System{
		cfg:       cfg,
		log:       log,
		collector: metrics.NewCollector(),
	}

	// Durable store (C1)
	rawStore := o.store
	if rawStore == nil {
		sqlStore, err := storage.NewSQLiteStore(cfg.Storage.DBPath, cfg.Storage.BusyTimeoutMS, log)
		if err != nil {
			return nil, err
		}
		rawStore = sqlStore
	}

	// Breaker (C3) wraps every durable call
	s.breaker = resilience.NewBreaker(cfg.Breaker, cfg.Features.CircuitBreaker, log)
	s.store = resilience.NewGuardedStore(rawStore, s.breaker, cfg.Storage.OpTimeout)

	// Hot cache (C2); empty path runs without a cache
	if cfg.Storage.CachePath != "" {
		cache, err := hotcache.Open(hotcache.Config{
			Path:             cfg.Storage.CachePath,
			MaxEpisodeSize:   cfg.Cache.MaxEpisodeSize,
			MaxPatternSize:   cfg.Cache.MaxPatternSize,
			MaxHeuristicSize: cfg.Cache.MaxHeuristicSize,
			MaxEmbeddingSize: cfg.Cache.MaxEmbeddingSize,
			TTL:              cfg.Cache.TTL,
			Capacity:         cfg.Cache.Capacity,
		}, log)
		if err != nil {
			_ = rawStore.Close()
			return nil, err
		}
		s.cache = cache
	}

	// Sync engine (C10)
	s.syncEngine = syncer.New(s.store, s.cache, cfg.Storage.SyncWindow, cfg.Storage.StrictConflicts, log)

	// Embeddings
	if cfg.Features.Embeddings {
		embedder := o.embedder
		if embedder == nil {
			switch cfg.Embeddings.Provider {
			case "voyage":
				voyage, err := embeddings.NewVoyageEmbedder(cfg.Embeddings.APIKey, cfg.Embeddings.Model, cfg.Embeddings.Timeout)
				if err != nil {
					log.WithError(err).Warn("voyage embedder unavailable, falling back to mock")
					embedder = embeddings.NewMockEmbedder(384)
				} else {
					embedder = voyage
				}
			default:
				embedder = embeddings.NewMockEmbedder(384)
			}
		}
		s.embedder = embeddings.NewCachingEmbedder(embedder, cfg.Embeddings.CacheSize, cfg.Cache.TTL)
		s.annIdx = ann.NewIndex()
	}

	// Spatiotemporal index (C8)
	if cfg.Features.SpatiotemporalIndex {
		s.idx = index.New()
	}

	// Extraction queue (C7); synchronous mode is the queue-off fallback
	s.queue = extraction.NewQueue(cfg.Extraction, s.store, s.cache, false, log)

	// Retriever (C9): vector scoring runs through the ANN side-index
	// with the store's sharded scan as fallback
	s.retriever = retrieval.New(s.store, s.syncEngine, s.idx, s.annIdx, s.embedder, cfg.Retrieval, cfg.Features, log)

	// Relationships (C11), with the optional visualisation mirror
	if cfg.Graph.Neo4jURI != "" {
		mirror, err := relationship.NewNeo4jMirror(cfg.Graph.Neo4jURI, cfg.Graph.Neo4jUser, cfg.Graph.Neo4jPassword, log)
		if err != nil {
			log.WithError(err).Warn("neo4j mirror unavailable, continuing without it")
		} else {
			s.mirror = mirror
		}
	}
	s.relationships = relationship.NewManager(s.store, cfg.Graph.MaxTraversalDepth, s.mirror, log)

	// Episode manager (C5), owning the step buffer (C4)
	s.manager = episode.NewManager(episode.Deps{
		Store:     s.store,
		Sync:      s.syncEngine,
		Cache:     s.cache,
		Queue:     s.queue,
		Index:     s.idx,
		ANNIndex:  s.annIdx,
		Embedder:  s.embedder,
		Metrics:   s.collector,
		BufferCfg: cfg.Buffer,
		Params:    episode.DefaultRewardParams(),
		Features:  cfg.Features,
		OnWrite:   s.retriever.Invalidate,
		Log:       log,
	})

	if err := s.warmStart(context.Background()); err != nil {
		log.WithError(err).Warn("startup warm pass incomplete")
	}

	return s, nil
}

// warmStart runs the bounded reconciliation pass and rebuilds the
// in-memory indexes and relationship graph from the durable store
func (s *System) warmStart(ctx context.Context) error {
	if s.cache != nil {
		if repaired, err := s.syncEngine.Reconcile(ctx); err != nil {
			return err
		} else if repaired > 0 {
			s.log.WithField("repaired", repaired).Info("cache reconciled with durable store")
		}
	}

	if err := s.relationships.Load(ctx); err != nil {
		return err
	}

	if s.idx == nil && s.annIdx == nil {
		return nil
	}
	episodes, err := s.store.ListRecentEpisodes(ctx, time.Time{}, warmLimit)
	if err != nil {
		return err
	}
	for _, e := range episodes {
		if !e.Completed() {
			continue
		}
		if s.idx != nil {
			s.idx.Insert(e.ID, e.Context.Domain, e.TaskType, *e.CompletedAt)
		}
		if s.annIdx != nil && len(e.Embedding) > 0 {
			if err := s.annIdx.Add(ctx, e.ID, e.Embedding); err != nil {
				s.log.WithError(err).Debug("ANN warm add failed")
			}
		}
	}
	return nil
}

// StartEpisode begins recording a new agent task
func (s *System) StartEpisode(ctx context.Context, taskDescription string, taskCtx types.TaskContext) (string, error) {
	return s.manager.Start(ctx, taskDescription, taskCtx)
}

// LogStep appends an execution step to an active episode
func (s *System) LogStep(ctx context.Context, id string, step *types.ExecutionStep) error {
	return s.manager.LogStep(ctx, id, step)
}

// CompleteEpisode closes an episode with its outcome
func (s *System) CompleteEpisode(ctx context.Context, id string, outcome *types.TaskOutcome) (*types.EpisodeSummary, error) {
	return s.manager.Complete(ctx, id, outcome)
}

// GetEpisode returns a shared episode handle
func (s *System) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	return s.manager.Get(ctx, id)
}

// RetrieveRelevantContext returns up to limit episodes relevant to the
// query, diversified under MMR
func (s *System) RetrieveRelevantContext(ctx context.Context, query string, taskCtx types.TaskContext, limit int) ([]*types.EpisodeHandle, error) {
	defer s.collector.Time("retrieve_relevant_context")()
	return s.retriever.Retrieve(ctx, query, taskCtx, limit)
}

// AddEpisodeRelationship adds a typed directed edge between episodes
func (s *System) AddEpisodeRelationship(ctx context.Context, from, to string, relType types.RelationType, metadata map[string]interface{}) (*types.Relationship, error) {
	return s.relationships.Add(ctx, from, to, relType, metadata)
}

// RemoveEpisodeRelationship removes the edge identified by (from, to, type)
func (s *System) RemoveEpisodeRelationship(ctx context.Context, from, to string, relType types.RelationType) error {
	return s.relationships.Remove(ctx, from, to, relType)
}

// GetEpisodeRelationships returns edges touching an episode
func (s *System) GetEpisodeRelationships(ctx context.Context, id string, direction types.Direction, typeFilter types.RelationType) ([]*types.Relationship, error) {
	return s.relationships.Get(ctx, id, direction, typeFilter)
}

// FindRelatedEpisodes walks the relationship graph breadth-first
func (s *System) FindRelatedEpisodes(ctx context.Context, id string, maxDepth int, direction types.Direction, typeFilter types.RelationType) ([]relationship.RelatedEpisode, error) {
	return s.relationships.FindRelated(ctx, id, maxDepth, direction, typeFilter)
}

// GetRelationshipGraph exports the full graph as a labeled edge list
func (s *System) GetRelationshipGraph(ctx context.Context) ([]relationship.EdgeListEntry, error) {
	return s.relationships.ExportEdgeList(ctx)
}

// AddEpisodeTags merges tags into an episode's tag set
func (s *System) AddEpisodeTags(ctx context.Context, id string, tags []string) error {
	return s.manager.AddTags(ctx, id, tags)
}

// RemoveEpisodeTags removes tags from an episode's tag set
func (s *System) RemoveEpisodeTags(ctx context.Context, id string, tags []string) error {
	return s.manager.RemoveTags(ctx, id, tags)
}

// SetEpisodeTags replaces an episode's tag set
func (s *System) SetEpisodeTags(ctx context.Context, id string, tags []string) error {
	return s.manager.SetTags(ctx, id, tags)
}

// ListEpisodesByTags lists episodes matching the tags with and/or logic
func (s *System) ListEpisodesByTags(ctx context.Context, tags []string, logic types.TagLogic, limit int) ([]*types.Episode, error) {
	return s.manager.ListByTags(ctx, tags, logic, limit)
}

// MonitoringSummary is the health/monitoring view of the system
type MonitoringSummary struct {
	Breaker         resilience.Snapshot               `json:"breaker"`
	QueueDepth      int                               `json:"queue_depth"`
	PatternsDropped int64                             `json:"patterns_dropped"`
	CacheHitRatio   float64                           `json:"cache_hit_ratio"`
	CacheStats      *hotcache.Stats                   `json:"cache_stats,omitempty"`
	BufferRetries   int64                             `json:"buffer_retries"`
	BufferDrops     int64                             `json:"buffer_drops"`
	SyncConflicts   int64                             `json:"sync_conflicts"`
	IndexedEpisodes int                               `json:"indexed_episodes"`
	Latencies       map[string]metrics.LatencySummary `json:"latencies"`
	Counters        map[string]int64                  `json:"counters"`
}

// GetMonitoringSummary reports breaker state, queue depth, cache hit
// ratio and per-operation latency percentiles
func (s *System) GetMonitoringSummary() *MonitoringSummary {
	summary := &MonitoringSummary{
		Breaker:         s.breaker.Snapshot(),
		QueueDepth:      s.queue.Depth(),
		PatternsDropped: s.queue.Dropped(),
		BufferRetries:   s.manager.Buffer().Retries(),
		BufferDrops:     s.manager.Buffer().Drops(),
		SyncConflicts:   s.syncEngine.Conflicts(),
		Latencies:       s.collector.Latencies(),
		Counters:        s.collector.Counters(),
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		summary.CacheStats = &stats
		summary.CacheHitRatio = stats.HitRatio
	}
	if s.idx != nil {
		summary.IndexedEpisodes = s.idx.Size()
	}
	return summary
}

// Close drains the pipelines and releases every handle: extraction queue
// first (drain deadline), then the step buffer, cache, mirror and store
func (s *System) Close(ctx context.Context) error {
	s.queue.Close()
	s.manager.Close()
	if s.mirror != nil {
		_ = s.mirror.Close(ctx)
	}
	var firstErr error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
