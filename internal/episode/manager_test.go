package episode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"episodic-memory/internal/config"
	"episodic-memory/internal/extraction"
	"episodic-memory/internal/index"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/resilience"
	"episodic-memory/internal/storage"
	"episodic-memory/internal/syncer"
	"episodic-memory/internal/types"
)

type managerFixture struct {
	manager *Manager
	store   *storage.MemoryStore
	guarded *resilience.GuardedStore
	index   *index.Index
	queue   *extraction.Queue
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	cfg := config.Default()

	raw := storage.NewMemoryStore()
	breaker := resilience.NewBreaker(cfg.Breaker, true, nil)
	guarded := resilience.NewGuardedStore(raw, breaker, cfg.Storage.OpTimeout)
	syncEngine := syncer.New(guarded, nil, cfg.Storage.SyncWindow, false, nil)
	ix := index.New()
	// Synchronous extraction keeps the tests deterministic
	queue := extraction.NewQueue(cfg.Extraction, guarded, nil, true, nil)
	t.Cleanup(queue.Close)

	manager := NewManager(Deps{
		Store:     guarded,
		Sync:      syncEngine,
		Queue:     queue,
		Index:     ix,
		BufferCfg: cfg.Buffer,
		Params:    DefaultRewardParams(),
		Features:  cfg.Features,
	})
	t.Cleanup(manager.Close)

	return &managerFixture{manager: manager, store: raw, guarded: guarded, index: ix, queue: queue}
}

func webContext() types.TaskContext {
	return types.TaskContext{
		Domain:   "web-api",
		Language: "rust",
		TaskType: types.TaskCodeGeneration,
	}
}

func TestStartEpisode(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "Add login endpoint", webContext())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	episode, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, episode.Steps)
	assert.Nil(t, episode.CompletedAt)
	assert.Equal(t, types.TaskCodeGeneration, episode.TaskType)
	assert.Equal(t, "web-api", episode.Context.Domain)
}

func TestStartEpisodeValidation(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	_, err := f.manager.Start(ctx, "   ", webContext())
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	badTags := webContext()
	badTags.Tags = []string{"bad tag!"}
	_, err = f.manager.Start(ctx, "task", badTags)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))

	badType := webContext()
	badType.TaskType = "cooking"
	_, err = f.manager.Start(ctx, "task", badType)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
}

func TestStartEpisodeStorageFailure(t *testing.T) {
	f := newManagerFixture(t)
	f.store.FailNext(1, memerr.KindTransient)

	_, err := f.manager.Start(context.Background(), "task", webContext())
	require.Error(t, err)
	assert.Equal(t, memerr.KindTransient, memerr.KindOf(err))
}

func TestLogStepOrdering(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "task", webContext())
	require.NoError(t, err)

	require.NoError(t, f.manager.LogStep(ctx, id, &types.ExecutionStep{
		StepNumber: 1, Tool: "http_client", Success: true, LatencyMS: 50,
	}))

	// Gap is rejected
	err = f.manager.LogStep(ctx, id, &types.ExecutionStep{
		StepNumber: 3, Tool: "file_write", Success: true,
	})
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
	assert.Contains(t, err.Error(), "out of order")

	// Correct next step is accepted
	require.NoError(t, f.manager.LogStep(ctx, id, &types.ExecutionStep{
		StepNumber: 2, Tool: "file_write", Success: true,
	}))
}

func TestCompleteEpisode(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "Add login endpoint", webContext())
	require.NoError(t, err)

	for i, tool := range []string{"http_client", "file_write", "test_runner"} {
		require.NoError(t, f.manager.LogStep(ctx, id, &types.ExecutionStep{
			StepNumber: i + 1, Tool: tool, Success: true, LatencyMS: 50,
		}))
	}

	summary, err := f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictSuccess})
	require.NoError(t, err)

	assert.Equal(t, types.VerdictSuccess, summary.Verdict)
	assert.Equal(t, 3, summary.StepCount)
	require.NotNil(t, summary.Reward)
	assert.InDelta(t, 1.0, summary.Reward.Base, 1e-9)
	assert.Greater(t, summary.Reward.Complexity, 0.0)
	assert.Greater(t, summary.Reward.Total, 1.0)
	assert.LessOrEqual(t, summary.Reward.Total, 1.4)
	require.NotNil(t, summary.Reflection)

	episode, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, episode.CompletedAt)
	assert.False(t, episode.CompletedAt.Before(episode.CreatedAt))
	assert.Len(t, episode.Steps, 3, "buffered steps must be durable before completion")

	// Synchronous extraction produced the tool-sequence pattern
	patterns, err := f.guarded.ListPatterns(ctx, types.PatternToolSequence, 10)
	require.NoError(t, err)
	require.NotEmpty(t, patterns)
	assert.Equal(t, []string{"http_client", "file_write", "test_runner"}, patterns[0].ToolSequence.Tools)

	// Pattern refs were attached once extraction ran
	episode, err = f.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, episode.PatternRefs)

	// The episode entered the spatiotemporal index
	ids, _ := f.index.Query("web-api", types.TaskCodeGeneration, time.Time{}, time.Time{}, 0)
	assert.Contains(t, ids, id)
}

func TestLogStepAfterCompleteFails(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "task", webContext())
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictSuccess})
	require.NoError(t, err)

	err = f.manager.LogStep(ctx, id, &types.ExecutionStep{StepNumber: 1, Tool: "x"})
	require.Error(t, err)
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
	assert.Contains(t, err.Error(), "closed")
}

func TestDoubleCompleteFails(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "task", webContext())
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictSuccess})
	require.NoError(t, err)
	_, err = f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictFailure})
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
}

func TestCompleteEmptyEpisode(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "task", webContext())
	require.NoError(t, err)
	summary, err := f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictSuccess})
	require.NoError(t, err)

	assert.Equal(t, 0, summary.StepCount)
	assert.InDelta(t, 1.0, summary.Reward.Base, 1e-9)
	assert.Zero(t, summary.Reward.Complexity)

	// No steps means no tool-sequence patterns
	patterns, err := f.guarded.ListPatterns(ctx, types.PatternToolSequence, 10)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestCompleteWhileBreakerOpen(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "task", webContext())
	require.NoError(t, err)

	// Force the breaker open with consecutive failures
	f.store.FailNext(100, memerr.KindTransient)
	for i := 0; i < 5; i++ {
		_ = f.guarded.Ping(ctx)
	}

	_, err = f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictSuccess})
	require.Error(t, err)
	assert.Equal(t, memerr.KindCircuitOpen, memerr.KindOf(err))
}

func TestTagOperations(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	id, err := f.manager.Start(ctx, "task", webContext())
	require.NoError(t, err)

	require.NoError(t, f.manager.AddTags(ctx, id, []string{"Auth", "web"}))
	episode, err := f.manager.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "web"}, episode.Tags)

	// Re-adding the same tags is a no-op after normalisation
	before := episode.UpdatedAt
	require.NoError(t, f.manager.AddTags(ctx, id, []string{"AUTH", "web"}))
	episode, _ = f.manager.Get(ctx, id)
	assert.Equal(t, before, episode.UpdatedAt, "idempotent tag add must not rewrite")

	require.NoError(t, f.manager.RemoveTags(ctx, id, []string{"auth"}))
	episode, _ = f.manager.Get(ctx, id)
	assert.Equal(t, []string{"web"}, episode.Tags)

	require.NoError(t, f.manager.SetTags(ctx, id, []string{"db", "perf"}))
	episode, _ = f.manager.Get(ctx, id)
	assert.Equal(t, []string{"db", "perf"}, episode.Tags)

	err = f.manager.AddTags(ctx, id, []string{"bad tag"})
	assert.Equal(t, memerr.KindValidation, memerr.KindOf(err))
}

func TestListByTags(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	a, _ := f.manager.Start(ctx, "first", webContext())
	b, _ := f.manager.Start(ctx, "second", webContext())
	require.NoError(t, f.manager.SetTags(ctx, a, []string{"auth", "web"}))
	require.NoError(t, f.manager.SetTags(ctx, b, []string{"auth"}))

	both, err := f.manager.ListByTags(ctx, []string{"auth"}, types.TagLogicOr, 10)
	require.NoError(t, err)
	assert.Len(t, both, 2)

	only, err := f.manager.ListByTags(ctx, []string{"auth", "web"}, types.TagLogicAnd, 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, a, only[0].ID)
}

func TestConcurrentEpisodesIndependent(t *testing.T) {
	f := newManagerFixture(t)
	ctx := context.Background()

	ids := make([]string, 4)
	for i := range ids {
		id, err := f.manager.Start(ctx, "task", webContext())
		require.NoError(t, err)
		ids[i] = id
	}

	done := make(chan error, len(ids))
	for _, id := range ids {
		go func(id string) {
			for n := 1; n <= 5; n++ {
				if err := f.manager.LogStep(ctx, id, &types.ExecutionStep{
					StepNumber: n, Tool: "tool", Success: true, LatencyMS: 1,
				}); err != nil {
					done <- err
					return
				}
			}
			_, err := f.manager.Complete(ctx, id, &types.TaskOutcome{Verdict: types.VerdictSuccess})
			done <- err
		}(id)
	}
	for range ids {
		require.NoError(t, <-done)
	}

	for _, id := range ids {
		episode, err := f.manager.Get(ctx, id)
		require.NoError(t, err)
		assert.Len(t, episode.Steps, 5)
		for i, step := range episode.Steps {
			assert.Equal(t, i+1, step.StepNumber)
		}
	}
}
