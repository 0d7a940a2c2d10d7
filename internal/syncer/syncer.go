// Package syncer reconciles the durable store and the hot cache: cache
// misses read through to the durable store, and a bounded startup pass
// walks recent episodes to repair divergence. Resolution is
// last-writer-wins on updated_at with the durable store authoritative on
// ties. Everything moves by shared reference; conflict resolution never
// deep-copies an episode.
package syncer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"episodic-memory/internal/hotcache"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/types"
)

const (
	reconcileLimit = 1000
	// reconcileHorizon bounds how far back the startup pass walks; the
	// per-entry conflict window is configured separately
	reconcileHorizon = 7 * 24 * time.Hour
)

// Engine is the sync/conflict engine
type Engine struct {
	store  storage.Store
	cache  *hotcache.Cache // may be nil (cache disabled)
	log    *logrus.Logger
	clock  func() time.Time
	strict bool
	window time.Duration

	conflicts atomic.Int64
	repairs   atomic.Int64
}

// New creates a sync engine
func New(store storage.Store, cache *hotcache.Cache, window time.Duration, strict bool, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Engine{
		store:  store,
		cache:  cache,
		log:    log,
		clock:  time.Now,
		strict: strict,
		window: window,
	}
}

// SetClock replaces the time source (tests only)
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// GetEpisode returns a shared episode handle, serving from cache when
// fresh and populating the cache on miss
func (e *Engine) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	if e.cache != nil {
		if cached, ok, err := e.cache.GetEpisode(id); err == nil && ok {
			return cached, nil
		}
	}

	episode, err := e.store.GetEpisode(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		if err := e.cache.PutEpisode(episode); err != nil {
			e.log.WithError(err).WithField("episode_id", id).Debug("cache populate failed")
		}
	}
	return episode, nil
}

// GetEpisodeCacheOnly serves from the cache without touching the durable
// store. Used on the degraded retrieval path while the breaker is open.
func (e *Engine) GetEpisodeCacheOnly(id string) (*types.Episode, bool) {
	if e.cache == nil {
		return nil, false
	}
	episode, ok, err := e.cache.GetEpisode(id)
	if err != nil || !ok {
		return nil, false
	}
	return episode, true
}

// Reconcile walks recent durable episodes and makes the cache agree.
// Runs bounded work: at most reconcileLimit episodes updated within
// reconcileHorizon, or within the sync window when that is longer.
// Returns the number of repaired entries.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	if e.cache == nil {
		return 0, nil
	}

	horizon := reconcileHorizon
	if e.window > horizon {
		horizon = e.window
	}
	since := e.clock().Add(-horizon)
	episodes, err := e.store.ListRecentEpisodes(ctx, since, reconcileLimit)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, durable := range episodes {
		if ctx.Err() != nil {
			return repaired, memerr.Wrap(memerr.KindCancelled, "syncer.reconcile", ctx.Err())
		}
		changed, err := e.resolve(durable)
		if err != nil {
			return repaired, err
		}
		if changed {
			repaired++
		}
	}

	if err := e.cache.PutMeta("last_reconcile", fmt.Sprintf("%d", e.clock().UnixMilli())); err != nil {
		e.log.WithError(err).Debug("failed to stamp reconcile time")
	}
	e.repairs.Add(int64(repaired))
	return repaired, nil
}

// resolve applies the conflict policy for one episode. Returns whether
// the cache entry was repaired; on a tie the cache takes the durable
// content but the entry is not counted as a repair.
func (e *Engine) resolve(durable *types.Episode) (bool, error) {
	cached, ok, err := e.cache.GetEpisode(durable.ID)
	if err != nil || !ok {
		// Miss: populate
		if putErr := e.cache.PutEpisode(durable); putErr != nil {
			e.log.WithError(putErr).WithField("episode_id", durable.ID).Debug("cache populate failed")
			return false, nil
		}
		return true, nil
	}

	if cached.UpdatedAt.Equal(durable.UpdatedAt) {
		// Tie: the durable content is authoritative
		if err := e.cache.PutEpisode(durable); err != nil {
			e.log.WithError(err).WithField("episode_id", durable.ID).Debug("cache repair failed")
		}
		return false, nil
	}

	if cached.UpdatedAt.After(durable.UpdatedAt) {
		// The cache claims a write the durable store never saw. Within the
		// sync window this is in-flight lag and the newer writer wins;
		// a gap wider than the window is a real divergence.
		if cached.UpdatedAt.Sub(durable.UpdatedAt) > e.window {
			e.conflicts.Add(1)
			if e.strict {
				return false, memerr.New(memerr.KindConflict, "syncer.resolve",
					fmt.Sprintf("cache ahead of durable store by %s", cached.UpdatedAt.Sub(durable.UpdatedAt))).
					WithEntity(durable.ID)
			}
			e.log.WithFields(logrus.Fields{
				"episode_id": durable.ID,
				"cache_at":   cached.UpdatedAt,
				"durable_at": durable.UpdatedAt,
			}).Warn("cache/durable divergence beyond sync window, keeping durable content")
			// Durable store is authoritative: overwrite
			if err := e.cache.PutEpisode(durable); err != nil {
				return false, nil
			}
			return true, nil
		}
		return false, nil
	}

	// Durable is newer: last writer wins
	if err := e.cache.PutEpisode(durable); err != nil {
		e.log.WithError(err).WithField("episode_id", durable.ID).Debug("cache repair failed")
		return false, nil
	}
	return true, nil
}

// WriteThrough persists an episode to both backends: durable first
// (authoritative), then cache best-effort
func (e *Engine) WriteThrough(ctx context.Context, episode *types.Episode, update bool) error {
	var err error
	if update {
		err = e.store.UpdateEpisode(ctx, episode)
	} else {
		err = e.store.StoreEpisode(ctx, episode)
	}
	if err != nil {
		return err
	}
	if e.cache != nil {
		if cacheErr := e.cache.PutEpisode(episode); cacheErr != nil {
			e.log.WithError(cacheErr).WithField("episode_id", episode.ID).
				Warn("durable write succeeded but cache write failed")
		}
	}
	return nil
}

// Conflicts reports unresolved divergences observed (monitoring)
func (e *Engine) Conflicts() int64 { return e.conflicts.Load() }

// Repairs reports cache entries rewritten by reconciliation (monitoring)
func (e *Engine) Repairs() int64 { return e.repairs.Load() }
