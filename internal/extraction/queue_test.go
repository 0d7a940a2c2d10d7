package extraction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episodic-memory/internal/config"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/types"
)

func queueConfig() config.ExtractionConfig {
	return config.ExtractionConfig{
		QueueCapacity: 8,
		WorkerCount:   2,
		MinSupport:    1,
		MinConfidence: 0.5,
		SubmitWait:    20 * time.Millisecond,
		DrainDeadline: time.Second,
	}
}

func TestQueueProcessesEpisode(t *testing.T) {
	store := storage.NewMemoryStore()
	episode := miningEpisode()
	require.NoError(t, store.StoreEpisode(context.Background(), episode))

	queue := NewQueue(queueConfig(), store, nil, false, nil)
	defer queue.Close()

	require.True(t, queue.Submit(episode))

	assert.Eventually(t, func() bool {
		return queue.Processed() == 1
	}, 2*time.Second, 10*time.Millisecond)

	patterns, err := store.ListPatterns(context.Background(), types.PatternToolSequence, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 1, patterns[0].Support)

	// Pattern refs were written back to the episode
	got, err := store.GetEpisode(context.Background(), episode.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.PatternRefs)
}

func TestQueueMergesRepeatedPatterns(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	queue := NewQueue(queueConfig(), store, nil, true, nil)
	defer queue.Close()

	for _, id := range []string{"ep-1", "ep-2", "ep-3"} {
		episode := miningEpisode()
		episode.ID = id
		require.NoError(t, store.StoreEpisode(ctx, episode))
		queue.Submit(episode)
	}

	patterns, err := store.ListPatterns(ctx, types.PatternToolSequence, 10)
	require.NoError(t, err)
	require.Len(t, patterns, 1, "same behaviour must merge into one pattern")
	assert.Equal(t, 3, patterns[0].Support)
	assert.Len(t, patterns[0].Evidence, 3)
}

func TestQueueSynthesizesHeuristics(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	cfg := queueConfig()
	cfg.MinSupport = 2
	queue := NewQueue(cfg, store, nil, true, nil)
	defer queue.Close()

	for _, id := range []string{"ep-1", "ep-2"} {
		episode := miningEpisode()
		episode.ID = id
		require.NoError(t, store.StoreEpisode(ctx, episode))
		queue.Submit(episode)
	}

	heuristics, err := store.ListHeuristics(ctx, false)
	require.NoError(t, err)
	assert.NotEmpty(t, heuristics, "patterns above thresholds must yield heuristics")
}

func TestQueueBackpressureDrops(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	cfg := queueConfig()
	cfg.QueueCapacity = 1
	cfg.WorkerCount = 1
	cfg.SubmitWait = 10 * time.Millisecond
	queue := NewQueue(cfg, store, nil, false, nil)
	defer queue.Close()

	// Saturate the single worker and one-slot queue with far more
	// episodes than capacity
	accepted := 0
	for i := 0; i < 50; i++ {
		episode := miningEpisode()
		episode.ID = types.FingerprintQuery(string(rune(i)))
		_ = store.StoreEpisode(ctx, episode)
		if queue.Submit(episode) {
			accepted++
		}
	}

	// Either everything was fast enough, or drops were counted; both
	// must add up with no submissions lost silently
	assert.Equal(t, int64(50-accepted), queue.Dropped())
}

func TestQueueCloseDrains(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	queue := NewQueue(queueConfig(), store, nil, false, nil)
	episode := miningEpisode()
	require.NoError(t, store.StoreEpisode(ctx, episode))
	queue.Submit(episode)
	queue.Close()

	patterns, err := store.ListPatterns(ctx, "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, patterns, "close must drain queued work within the deadline")
}
