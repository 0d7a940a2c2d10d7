package extraction

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"episodic-memory/internal/config"
	"episodic-memory/internal/hotcache"
	"episodic-memory/internal/resilience"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/types"
)

// Queue is the bounded multi-producer pattern-extraction queue. A worker
// pool dequeues completed episodes, runs the extractors, merges the
// results into the durable store, refreshes the cache, and synthesizes
// heuristics from patterns clearing the thresholds.
//
// Backpressure: a full queue blocks the submitter for at most the
// configured wait, then the episode is dropped from extraction (it is
// already durable) and counted.
type Queue struct {
	cfg   config.ExtractionConfig
	store storage.Store
	cache *hotcache.Cache // may be nil
	log   *logrus.Logger
	clock func() time.Time

	jobs chan *types.Episode
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	synchronous bool

	processed atomic.Int64
	dropped   atomic.Int64
}

// NewQueue creates the queue. When synchronous is set (extraction
// feature toggle off) Submit runs the pipeline inline instead of
// spawning workers.
func NewQueue(cfg config.ExtractionConfig, store storage.Store, cache *hotcache.Cache, synchronous bool, log *logrus.Logger) *Queue {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:         cfg,
		store:       store,
		cache:       cache,
		log:         log,
		clock:       time.Now,
		jobs:        make(chan *types.Episode, cfg.QueueCapacity),
		ctx:         ctx,
		cancel:      cancel,
		synchronous: synchronous,
	}
	if !synchronous {
		for i := 0; i < cfg.WorkerCount; i++ {
			q.wg.Add(1)
			go q.worker()
		}
	}
	return q
}

// Submit hands a completed episode to the extraction pipeline. Never
// blocks longer than the configured submit wait; overflow is counted as
// a dropped extraction, the episode itself stays durable.
func (q *Queue) Submit(episode *types.Episode) bool {
	if q.synchronous {
		q.process(q.ctx, episode)
		return true
	}

	select {
	case q.jobs <- episode:
		return true
	default:
	}

	timer := time.NewTimer(q.cfg.SubmitWait)
	defer timer.Stop()
	select {
	case q.jobs <- episode:
		return true
	case <-timer.C:
		q.dropped.Add(1)
		q.log.WithField("episode_id", episode.ID).Warn("pattern extraction queue full, episode dropped")
		return false
	case <-q.ctx.Done():
		q.dropped.Add(1)
		return false
	}
}

// worker drains the queue until cancellation
func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case episode := <-q.jobs:
			q.process(q.ctx, episode)
		case <-q.ctx.Done():
			return
		}
	}
}

// process runs the extractor pipeline for one episode
func (q *Queue) process(ctx context.Context, episode *types.Episode) {
	candidates := ExtractPatterns(episode)
	if len(candidates) == 0 {
		q.processed.Add(1)
		return
	}

	patternIDs := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return
		}
		var merged *types.Pattern
		err := resilience.Retry(ctx, 2, func(ctx context.Context) error {
			var err error
			merged, err = q.store.MergePattern(ctx, candidate)
			return err
		})
		if err != nil {
			q.log.WithError(err).WithField("pattern_id", candidate.ID).Warn("pattern merge failed")
			continue
		}
		patternIDs = append(patternIDs, merged.ID)

		if q.cache != nil {
			if err := q.cache.PutPattern(merged); err != nil {
				q.log.WithError(err).Debug("failed to cache merged pattern")
			}
		}

		if merged.Support >= q.cfg.MinSupport && merged.Confidence >= q.cfg.MinConfidence {
			if heuristic := SynthesizeHeuristic(merged, q.clock()); heuristic != nil {
				if err := q.store.StoreHeuristic(ctx, heuristic); err != nil {
					q.log.WithError(err).WithField("heuristic_id", heuristic.ID).Warn("heuristic store failed")
				} else if q.cache != nil {
					_ = q.cache.PutHeuristic(heuristic)
				}
			}
		}
	}

	// Attach the produced pattern refs to the episode, written once
	if len(patternIDs) > 0 {
		episode.PatternRefs = patternIDs
		episode.UpdatedAt = q.clock()
		if err := q.store.UpdateEpisode(ctx, episode); err != nil {
			q.log.WithError(err).WithField("episode_id", episode.ID).Warn("failed to attach pattern refs")
		} else if q.cache != nil {
			_ = q.cache.PutEpisode(episode)
		}
	}

	q.processed.Add(1)
}

// Depth reports the queued episode count (monitoring)
func (q *Queue) Depth() int { return len(q.jobs) }

// Processed reports completed extractions (monitoring)
func (q *Queue) Processed() int64 { return q.processed.Load() }

// Dropped reports episodes dropped on overflow (patterns_dropped metric)
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Close drains the queue within the deadline, then abandons what
// remains and stops the workers.
func (q *Queue) Close() {
	if q.synchronous {
		q.cancel()
		return
	}

	deadline := time.NewTimer(q.cfg.DrainDeadline)
	defer deadline.Stop()

	// Drain: wait for the queue to empty or the deadline to pass
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for len(q.jobs) > 0 {
		select {
		case <-deadline.C:
			q.log.WithField("remaining", len(q.jobs)).Warn("extraction queue drain deadline reached")
			q.cancel()
			q.wg.Wait()
			return
		case <-ticker.C:
		}
	}
	q.cancel()
	q.wg.Wait()
}
