package episode

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"episodic-memory/internal/ann"
	"episodic-memory/internal/config"
	"episodic-memory/internal/embeddings"
	"episodic-memory/internal/extraction"
	"episodic-memory/internal/hotcache"
	"episodic-memory/internal/index"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/metrics"
	"episodic-memory/internal/stepbuffer"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/syncer"
	"episodic-memory/internal/types"
)

// episodeState is the per-episode lock and lifecycle bookkeeping. The
// mutex serialises log_step and complete_episode for one id; operations
// on different ids run in parallel.
type episodeState struct {
	mu        sync.Mutex
	known     bool // lifecycle observed by this process
	lastStep  int
	completed bool
	degraded  bool
}

// Manager owns the episode lifecycle: Active → Completed. It orchestrates
// the dual-backend write path, the step buffer, the reward/reflection
// computation, the spatiotemporal index and the extraction queue.
type Manager struct {
	store    storage.Store // breaker-guarded
	sync     *syncer.Engine
	cache    *hotcache.Cache // may be nil
	buffer   *stepbuffer.Buffer
	queue    *extraction.Queue
	index    *index.Index
	annIndex *ann.Index          // may be nil
	embedder embeddings.Embedder // may be nil
	metrics  *metrics.Collector
	params   RewardParams
	log      *logrus.Logger
	clock    func() time.Time

	// onWrite is invoked after any episode mutation so the retrieval
	// result cache can invalidate
	onWrite func()

	stateMu sync.Mutex
	states  map[string]*episodeState

	indexEnabled bool
}

// Deps carries the manager's collaborators
type Deps struct {
	Store     storage.Store
	Sync      *syncer.Engine
	Cache     *hotcache.Cache
	Queue     *extraction.Queue
	Index     *index.Index
	ANNIndex  *ann.Index
	Embedder  embeddings.Embedder
	Metrics   *metrics.Collector
	BufferCfg config.BufferConfig
	Params    RewardParams
	Features  config.FeatureFlags
	OnWrite   func()
	Log       *logrus.Logger
}

// NewManager wires the manager and its internally-owned step buffer
func NewManager(deps Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector()
	}
	m := &Manager{
		store:        deps.Store,
		sync:         deps.Sync,
		cache:        deps.Cache,
		queue:        deps.Queue,
		index:        deps.Index,
		annIndex:     deps.ANNIndex,
		embedder:     deps.Embedder,
		metrics:      deps.Metrics,
		params:       deps.Params,
		log:          log,
		clock:        time.Now,
		onWrite:      deps.OnWrite,
		states:       make(map[string]*episodeState),
		indexEnabled: deps.Features.SpatiotemporalIndex,
	}

	m.buffer = stepbuffer.New(deps.BufferCfg,
		func(ctx context.Context, episodeID string, steps []*types.ExecutionStep) error {
			return m.store.AppendStepsBatch(ctx, episodeID, steps)
		},
		m.markDegraded,
		func(episodeID string) {
			// One cache invalidation per flushed batch
			if m.cache != nil {
				_ = m.cache.InvalidateEpisode(episodeID)
			}
		},
		log)
	return m
}

// SetClock replaces the time source (tests only)
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// Buffer exposes the step buffer for monitoring
func (m *Manager) Buffer() *stepbuffer.Buffer { return m.buffer }

// state returns (creating if needed) the lifecycle state for an id
func (m *Manager) state(id string) *episodeState {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	st, ok := m.states[id]
	if !ok {
		st = &episodeState{}
		m.states[id] = st
	}
	return st
}

func (m *Manager) markDegraded(episodeID string, err error) {
	st := m.state(episodeID)
	st.degraded = true
	m.metrics.Add("buffer_drained", 1)
	m.log.WithError(err).WithField("episode_id", episodeID).Warn("step buffer drained, episode degraded")
}

// Start allocates an episode and writes the empty record to both
// backends. The durable store is authoritative: its failure fails the
// call, a cache failure only warns.
func (m *Manager) Start(ctx context.Context, taskDescription string, taskCtx types.TaskContext) (string, error) {
	defer m.metrics.Time("start_episode")()

	if err := types.ValidateTaskDescription(taskDescription); err != nil {
		return "", memerr.Wrap(memerr.KindValidation, "episode.start", err)
	}
	if err := types.ValidateContext(&taskCtx); err != nil {
		return "", memerr.Wrap(memerr.KindValidation, "episode.start", err)
	}
	taskType := taskCtx.TaskType
	if taskType == "" {
		taskType = types.TaskOther
	}
	if !taskType.Valid() {
		return "", memerr.New(memerr.KindValidation, "episode.start",
			fmt.Sprintf("invalid task type: %q", taskType))
	}

	now := m.clock()
	episode := &types.Episode{
		ID:              uuid.NewString(),
		CreatedAt:       now,
		UpdatedAt:       now,
		TaskType:        taskType,
		TaskDescription: taskDescription,
		Context:         taskCtx,
		Steps:           []*types.ExecutionStep{},
		Tags:            append([]string(nil), taskCtx.Tags...),
	}

	// Dual write, concurrently: C1 authoritative, C2 best-effort
	var cacheErr error
	var wg sync.WaitGroup
	if m.cache != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cacheErr = m.cache.PutEpisode(episode)
		}()
	}
	storeErr := m.store.StoreEpisode(ctx, episode)
	wg.Wait()

	if storeErr != nil {
		return "", storeErr
	}
	if cacheErr != nil {
		m.log.WithError(cacheErr).WithField("episode_id", episode.ID).
			Warn("cache write failed on start, continuing on durable store")
	}

	st := m.state(episode.ID)
	st.known = true

	if m.onWrite != nil {
		m.onWrite()
	}
	return episode.ID, nil
}

// LogStep validates ordering and enqueues the step. Returns after
// enqueue, not after durability.
func (m *Manager) LogStep(ctx context.Context, id string, step *types.ExecutionStep) error {
	defer m.metrics.Time("log_step")()

	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completed {
		return memerr.New(memerr.KindValidation, "episode.log_step", "episode closed").WithEntity(id)
	}
	if err := types.ValidateStep(step); err != nil {
		return memerr.Wrap(memerr.KindValidation, "episode.log_step", err).WithEntity(id)
	}

	// Unknown to this process: recover the lifecycle from the stores
	if !st.known {
		episode, err := m.sync.GetEpisode(ctx, id)
		if err != nil {
			return err
		}
		st.known = true
		if episode.Completed() {
			st.completed = true
			return memerr.New(memerr.KindValidation, "episode.log_step", "episode closed").WithEntity(id)
		}
		st.lastStep = episode.LastStepNumber()
	}

	if step.StepNumber != st.lastStep+1 {
		return memerr.New(memerr.KindValidation, "episode.log_step",
			fmt.Sprintf("step out of order: got %d, want %d", step.StepNumber, st.lastStep+1)).WithEntity(id)
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = m.clock()
	}

	if err := m.buffer.Enqueue(id, step); err != nil {
		return err
	}
	st.lastStep = step.StepNumber

	if m.onWrite != nil {
		m.onWrite()
	}
	return nil
}

// Fsync flushes any buffered steps for the episode immediately
func (m *Manager) Fsync(ctx context.Context, id string) error {
	return m.buffer.Flush(ctx, id)
}

// Complete closes the episode: flush the buffer, compute reward and
// reflection, persist to both backends, index it, and submit it for
// pattern extraction. After Complete, LogStep fails with EpisodeClosed.
func (m *Manager) Complete(ctx context.Context, id string, outcome *types.TaskOutcome) (*types.EpisodeSummary, error) {
	defer m.metrics.Time("complete_episode")()

	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.completed {
		return nil, memerr.New(memerr.KindValidation, "episode.complete", "episode closed").WithEntity(id)
	}
	if err := types.ValidateOutcome(outcome); err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, "episode.complete", err).WithEntity(id)
	}

	// Barrier: all prior log_step effects become durable before the
	// completed episode is computed
	var drained error
	if err := m.buffer.Flush(ctx, id); err != nil {
		if memerr.KindOf(err) != memerr.KindBufferDrained {
			return nil, err
		}
		drained = err // episode continues, caller is informed
	}

	episode, err := m.store.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	st.known = true
	if episode.Completed() {
		st.completed = true
		return nil, memerr.New(memerr.KindValidation, "episode.complete", "episode closed").WithEntity(id)
	}

	now := m.clock()
	if now.Before(episode.CreatedAt) {
		now = episode.CreatedAt
	}
	completedAt := now
	episode.CompletedAt = &completedAt
	episode.UpdatedAt = now
	episode.Outcome = outcome
	episode.Degraded = episode.Degraded || st.degraded

	episode.Reward = ComputeReward(episode, m.hasNovelPattern(ctx, episode), m.params)
	episode.Reflection = GenerateReflection(episode)

	if err := m.sync.WriteThrough(ctx, episode, true); err != nil {
		return nil, err
	}
	st.completed = true
	m.buffer.Remove(id)

	m.attachEmbedding(ctx, episode)

	if m.indexEnabled && m.index != nil {
		m.index.Insert(episode.ID, episode.Context.Domain, episode.TaskType, completedAt)
	}

	if m.queue != nil {
		if !m.queue.Submit(episode) {
			m.metrics.Add("patterns_dropped", 1)
		}
	}

	if m.onWrite != nil {
		m.onWrite()
	}

	summary := &types.EpisodeSummary{
		EpisodeID:  episode.ID,
		Verdict:    outcome.Verdict,
		Reward:     episode.Reward,
		Reflection: episode.Reflection,
		StepCount:  len(episode.Steps),
		Duration:   completedAt.Sub(episode.CreatedAt),
		Degraded:   episode.Degraded,
	}
	if drained != nil {
		summary.Degraded = true
	}
	return summary, nil
}

// hasNovelPattern reports whether the episode would introduce at least
// one pattern id unknown to the store. Unreachable store means no bonus.
func (m *Manager) hasNovelPattern(ctx context.Context, episode *types.Episode) bool {
	for _, id := range extraction.CandidateIDs(episode) {
		if _, err := m.store.GetPattern(ctx, id); memerr.KindOf(err) == memerr.KindNotFound {
			return true
		}
	}
	return false
}

// attachEmbedding computes and stores the episode embedding, best-effort
func (m *Manager) attachEmbedding(ctx context.Context, episode *types.Episode) {
	if m.embedder == nil {
		return
	}
	text := episode.TaskDescription
	if episode.Context.Domain != "" {
		text += "\n" + episode.Context.Domain
	}
	vector, err := m.embedder.Embed(ctx, text)
	if err != nil {
		m.log.WithError(err).WithField("episode_id", episode.ID).Debug("embedding generation failed")
		return
	}
	episode.Embedding = vector

	embedding := &types.Embedding{
		OwnerID:   episode.ID,
		Dimension: len(vector),
		Vector:    vector,
		Provider:  m.embedder.Provider(),
		Model:     m.embedder.Model(),
		CreatedAt: m.clock(),
	}
	if err := m.store.StoreEmbedding(ctx, embedding); err != nil {
		m.log.WithError(err).WithField("episode_id", episode.ID).Debug("embedding store failed")
		return
	}
	if m.cache != nil {
		_ = m.cache.PutEmbedding(embedding)
	}
	if m.annIndex != nil {
		if err := m.annIndex.Add(ctx, episode.ID, vector); err != nil {
			m.log.WithError(err).Debug("ANN index add failed")
		}
	}
	// Keep the persisted episode in step with its embedding field
	if err := m.sync.WriteThrough(ctx, episode, true); err != nil {
		m.log.WithError(err).WithField("episode_id", episode.ID).Debug("embedding attach update failed")
	}
}

// Get returns a shared episode handle
func (m *Manager) Get(ctx context.Context, id string) (*types.Episode, error) {
	return m.sync.GetEpisode(ctx, id)
}

// AddTags merges normalised tags into the episode's tag set
func (m *Manager) AddTags(ctx context.Context, id string, tags []string) error {
	return m.mutateTags(ctx, id, func(current []string) ([]string, error) {
		normalized, err := types.NormalizeTags(tags)
		if err != nil {
			return nil, err
		}
		merged, err := types.NormalizeTags(append(append([]string(nil), current...), normalized...))
		if err != nil {
			return nil, err
		}
		return merged, nil
	})
}

// RemoveTags removes the given tags from the episode's tag set
func (m *Manager) RemoveTags(ctx context.Context, id string, tags []string) error {
	return m.mutateTags(ctx, id, func(current []string) ([]string, error) {
		normalized, err := types.NormalizeTags(tags)
		if err != nil {
			return nil, err
		}
		drop := make(map[string]bool, len(normalized))
		for _, tag := range normalized {
			drop[tag] = true
		}
		kept := make([]string, 0, len(current))
		for _, tag := range current {
			if !drop[tag] {
				kept = append(kept, tag)
			}
		}
		return kept, nil
	})
}

// SetTags replaces the episode's tag set
func (m *Manager) SetTags(ctx context.Context, id string, tags []string) error {
	return m.mutateTags(ctx, id, func([]string) ([]string, error) {
		return types.NormalizeTags(tags)
	})
}

func (m *Manager) mutateTags(ctx context.Context, id string, mutate func([]string) ([]string, error)) error {
	episode, err := m.sync.GetEpisode(ctx, id)
	if err != nil {
		return err
	}
	tags, err := mutate(episode.Tags)
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, "episode.tags", err).WithEntity(id)
	}
	sort.Strings(tags)
	if equalStrings(tags, episode.Tags) {
		return nil // idempotent: no write, no invalidation
	}
	episode.Tags = tags
	episode.UpdatedAt = m.clock()
	if err := m.sync.WriteThrough(ctx, episode, true); err != nil {
		return err
	}
	if m.onWrite != nil {
		m.onWrite()
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ListByTags lists episodes matching the normalised tags
func (m *Manager) ListByTags(ctx context.Context, tags []string, logic types.TagLogic, limit int) ([]*types.Episode, error) {
	normalized, err := types.NormalizeTags(tags)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, "episode.list_by_tags", err)
	}
	return m.store.ListEpisodesByTags(ctx, normalized, logic, limit)
}

// Close stops the step buffer
func (m *Manager) Close() {
	m.buffer.Close()
}
