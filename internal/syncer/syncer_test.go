package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episodic-memory/internal/hotcache"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/types"
)

func newTestEngine(t *testing.T, strict bool) (*Engine, *storage.MemoryStore, *hotcache.Cache) {
	t.Helper()
	store := storage.NewMemoryStore()
	cache, err := hotcache.Open(hotcache.DefaultConfig(filepath.Join(t.TempDir(), "cache.db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	engine := New(store, cache, 24*time.Hour, strict, nil)
	return engine, store, cache
}

func syncEpisode(id string, updatedAt time.Time) *types.Episode {
	return &types.Episode{
		ID:              id,
		CreatedAt:       updatedAt.Add(-time.Minute),
		UpdatedAt:       updatedAt,
		TaskType:        types.TaskOther,
		TaskDescription: "sync test",
	}
}

func TestReadThroughPopulatesCache(t *testing.T) {
	engine, store, cache := newTestEngine(t, false)
	ctx := context.Background()

	episode := syncEpisode("ep-1", time.Now())
	require.NoError(t, store.StoreEpisode(ctx, episode))

	got, err := engine.GetEpisode(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, "ep-1", got.ID)

	// Cache now holds the episode
	cached, ok, err := cache.GetEpisode("ep-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, episode.TaskDescription, cached.TaskDescription)
}

func TestCacheHitSkipsStore(t *testing.T) {
	engine, store, _ := newTestEngine(t, false)
	ctx := context.Background()

	episode := syncEpisode("ep-1", time.Now())
	require.NoError(t, store.StoreEpisode(ctx, episode))

	_, err := engine.GetEpisode(ctx, "ep-1")
	require.NoError(t, err)
	calls := store.CallCount()

	_, err = engine.GetEpisode(ctx, "ep-1")
	require.NoError(t, err)
	assert.Equal(t, calls, store.CallCount(), "second read must come from cache")
}

func TestGetEpisodeNotFound(t *testing.T) {
	engine, _, _ := newTestEngine(t, false)
	_, err := engine.GetEpisode(context.Background(), "ghost")
	assert.Equal(t, memerr.KindNotFound, memerr.KindOf(err))
}

func TestReconcilePopulatesMisses(t *testing.T) {
	engine, store, cache := newTestEngine(t, false)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.StoreEpisode(ctx, syncEpisode(id, time.Now())))
	}

	repaired, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, repaired)

	for _, id := range []string{"a", "b"} {
		_, ok, _ := cache.GetEpisode(id)
		assert.True(t, ok, "episode %s should be cached after reconcile", id)
	}

	// Reconcile stamps its completion time
	_, ok, err := cache.GetMeta("last_reconcile")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcileDurableNewerWins(t *testing.T) {
	engine, store, cache := newTestEngine(t, false)
	ctx := context.Background()

	now := time.Now()
	stale := syncEpisode("ep-1", now.Add(-time.Hour))
	stale.TaskDescription = "stale"
	require.NoError(t, cache.PutEpisode(stale))

	fresh := syncEpisode("ep-1", now)
	fresh.TaskDescription = "fresh"
	require.NoError(t, store.StoreEpisode(ctx, fresh))

	repaired, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)

	cached, ok, _ := cache.GetEpisode("ep-1")
	require.True(t, ok)
	assert.Equal(t, "fresh", cached.TaskDescription, "durable content must win")
}

func TestReconcileCacheNewerWithinWindowKept(t *testing.T) {
	engine, store, cache := newTestEngine(t, false)
	ctx := context.Background()

	now := time.Now()
	newer := syncEpisode("ep-1", now)
	newer.TaskDescription = "cache-newer"
	require.NoError(t, cache.PutEpisode(newer))

	older := syncEpisode("ep-1", now.Add(-time.Minute))
	older.TaskDescription = "durable-older"
	require.NoError(t, store.StoreEpisode(ctx, older))

	repaired, err := engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, repaired, "newer cache entry within the window is in-flight lag")

	cached, ok, _ := cache.GetEpisode("ep-1")
	require.True(t, ok)
	assert.Equal(t, "cache-newer", cached.TaskDescription)
}

func TestReconcileDivergenceBeyondWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	setup := func(t *testing.T, strict bool) (*Engine, *hotcache.Cache) {
		store := storage.NewMemoryStore()
		cache, err := hotcache.Open(hotcache.DefaultConfig(filepath.Join(t.TempDir(), "cache.db")), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = cache.Close() })

		// One-hour window: the cache claims a write 2h newer than the
		// durable row, a divergence beyond the window
		engine := New(store, cache, time.Hour, strict, nil)

		durable := syncEpisode("ep-1", now.Add(-2*time.Hour))
		durable.TaskDescription = "durable"
		require.NoError(t, store.StoreEpisode(ctx, durable))

		cacheSide := syncEpisode("ep-1", now)
		cacheSide.TaskDescription = "cache"
		require.NoError(t, cache.PutEpisode(cacheSide))
		return engine, cache
	}

	t.Run("default logs and keeps durable content", func(t *testing.T) {
		engine, cache := setup(t, false)

		_, err := engine.Reconcile(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), engine.Conflicts())

		cached, ok, _ := cache.GetEpisode("ep-1")
		require.True(t, ok)
		assert.Equal(t, "durable", cached.TaskDescription, "durable store is authoritative")
	})

	t.Run("strict surfaces Conflict", func(t *testing.T) {
		engine, _ := setup(t, true)

		_, err := engine.Reconcile(ctx)
		require.Error(t, err)
		assert.Equal(t, memerr.KindConflict, memerr.KindOf(err))
	})
}

func TestWriteThroughDurableFirst(t *testing.T) {
	engine, store, cache := newTestEngine(t, false)
	ctx := context.Background()

	episode := syncEpisode("ep-1", time.Now())
	require.NoError(t, engine.WriteThrough(ctx, episode, false))

	_, err := store.GetEpisode(ctx, "ep-1")
	require.NoError(t, err)
	_, ok, _ := cache.GetEpisode("ep-1")
	assert.True(t, ok)

	// Durable failure propagates; nothing is cached past it
	store.FailNext(1, memerr.KindTransient)
	fail := syncEpisode("ep-2", time.Now())
	err = engine.WriteThrough(ctx, fail, false)
	assert.Equal(t, memerr.KindTransient, memerr.KindOf(err))
}

func TestCacheOnlyRead(t *testing.T) {
	engine, _, cache := newTestEngine(t, false)

	require.NoError(t, cache.PutEpisode(syncEpisode("ep-1", time.Now())))
	got, ok := engine.GetEpisodeCacheOnly("ep-1")
	require.True(t, ok)
	assert.Equal(t, "ep-1", got.ID)

	_, ok = engine.GetEpisodeCacheOnly("ghost")
	assert.False(t, ok)
}
