package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"episodic-memory/internal/memerr"
	"episodic-memory/internal/types"
)

// newTestSQLiteStore creates a temporary SQLite store for testing
func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath, 5000, nil)
	if err != nil {
		t.Fatalf("Failed to create test SQLite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testEpisode(id string) *types.Episode {
	now := time.Now().Truncate(time.Millisecond)
	return &types.Episode{
		ID:              id,
		CreatedAt:       now,
		UpdatedAt:       now,
		TaskType:        types.TaskCodeGeneration,
		TaskDescription: "Add login endpoint",
		Context: types.TaskContext{
			Domain:     "web-api",
			Language:   "go",
			Frameworks: []string{"echo"},
		},
		Tags: []string{"auth", "web"},
	}
}

func TestNewSQLiteStore(t *testing.T) {
	tests := []struct {
		name    string
		dbPath  string
		wantErr bool
	}{
		{name: "create new database", dbPath: filepath.Join(t.TempDir(), "new.db")},
		{name: "empty path", dbPath: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewSQLiteStore(tt.dbPath, 5000, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewSQLiteStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if store != nil {
				_ = store.Close()
			}
		})
	}
}

func TestEpisodeRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	episode := testEpisode("ep-1")
	completedAt := episode.CreatedAt.Add(time.Minute)
	episode.CompletedAt = &completedAt
	episode.Outcome = &types.TaskOutcome{Verdict: types.VerdictSuccess}
	episode.Reward = &types.Reward{Total: 1.3, Base: 1.0, Complexity: 0.1, Efficiency: 0.2}
	episode.Reflection = &types.Reflection{Summary: "done", Lessons: []string{"a lesson"}}
	episode.PatternRefs = []string{"pat_abc"}
	episode.Embedding = []float32{0.1, 0.2, 0.3}

	if err := store.StoreEpisode(ctx, episode); err != nil {
		t.Fatalf("StoreEpisode failed: %v", err)
	}

	got, err := store.GetEpisode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}

	if got.TaskDescription != episode.TaskDescription {
		t.Errorf("description = %q, want %q", got.TaskDescription, episode.TaskDescription)
	}
	if got.TaskType != types.TaskCodeGeneration {
		t.Errorf("task type = %q", got.TaskType)
	}
	if got.Context.Domain != "web-api" || got.Context.Language != "go" {
		t.Errorf("context = %+v", got.Context)
	}
	if len(got.Context.Frameworks) != 1 || got.Context.Frameworks[0] != "echo" {
		t.Errorf("frameworks = %v", got.Context.Frameworks)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) {
		t.Errorf("completed_at = %v, want %v", got.CompletedAt, completedAt)
	}
	if got.Outcome == nil || got.Outcome.Verdict != types.VerdictSuccess {
		t.Errorf("outcome = %+v", got.Outcome)
	}
	if got.Reward == nil || got.Reward.Total != 1.3 {
		t.Errorf("reward = %+v", got.Reward)
	}
	if got.Reflection == nil || got.Reflection.Summary != "done" {
		t.Errorf("reflection = %+v", got.Reflection)
	}
	if len(got.PatternRefs) != 1 || got.PatternRefs[0] != "pat_abc" {
		t.Errorf("pattern refs = %v", got.PatternRefs)
	}
	if len(got.Embedding) != 3 || got.Embedding[1] != 0.2 {
		t.Errorf("embedding = %v", got.Embedding)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags = %v", got.Tags)
	}
}

func TestGetEpisodeNotFound(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.GetEpisode(context.Background(), "nope")
	if memerr.KindOf(err) != memerr.KindNotFound {
		t.Errorf("expected not_found, got %v", err)
	}
}

func TestUpdateEpisode(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	episode := testEpisode("ep-1")
	if err := store.StoreEpisode(ctx, episode); err != nil {
		t.Fatalf("StoreEpisode failed: %v", err)
	}

	episode.Degraded = true
	episode.UpdatedAt = episode.UpdatedAt.Add(time.Second)
	if err := store.UpdateEpisode(ctx, episode); err != nil {
		t.Fatalf("UpdateEpisode failed: %v", err)
	}

	got, err := store.GetEpisode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if !got.Degraded {
		t.Error("degraded flag not persisted")
	}
	if !got.CreatedAt.Equal(episode.CreatedAt) {
		t.Error("created_at must be immutable across updates")
	}

	missing := testEpisode("ghost")
	if err := store.UpdateEpisode(ctx, missing); memerr.KindOf(err) != memerr.KindNotFound {
		t.Errorf("expected not_found updating ghost, got %v", err)
	}
}

func TestAppendStepsBatchTransactional(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	episode := testEpisode("ep-1")
	if err := store.StoreEpisode(ctx, episode); err != nil {
		t.Fatalf("StoreEpisode failed: %v", err)
	}

	steps := []*types.ExecutionStep{
		{StepNumber: 1, Timestamp: time.Now(), Tool: "http_client", Action: "GET", Success: true, LatencyMS: 50,
			Parameters: map[string]interface{}{"url": "/login"}},
		{StepNumber: 2, Timestamp: time.Now(), Tool: "file_write", Action: "write", Success: true, LatencyMS: 50},
		{StepNumber: 3, Timestamp: time.Now(), Tool: "test_runner", Action: "run", Success: true, LatencyMS: 50},
	}
	if err := store.AppendStepsBatch(ctx, "ep-1", steps); err != nil {
		t.Fatalf("AppendStepsBatch failed: %v", err)
	}

	got, err := store.GetEpisode(ctx, "ep-1")
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(got.Steps))
	}
	for i, step := range got.Steps {
		if step.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i, step.StepNumber)
		}
	}
	if got.Steps[0].Parameters["url"] != "/login" {
		t.Errorf("parameters not round-tripped: %v", got.Steps[0].Parameters)
	}

	// Duplicate step number violates the primary key and rolls the whole
	// batch back
	bad := []*types.ExecutionStep{
		{StepNumber: 4, Timestamp: time.Now(), Tool: "a"},
		{StepNumber: 4, Timestamp: time.Now(), Tool: "b"},
	}
	if err := store.AppendStepsBatch(ctx, "ep-1", bad); err == nil {
		t.Fatal("expected batch failure on duplicate step number")
	}
	got, _ = store.GetEpisode(ctx, "ep-1")
	if len(got.Steps) != 3 {
		t.Errorf("failed batch must not partially apply: steps = %d", len(got.Steps))
	}
}

func TestMergePatternIdempotent(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	build := func() *types.Pattern {
		return &types.Pattern{
			Kind:       types.PatternToolSequence,
			Confidence: 0.8,
			FirstSeen:  time.Now().Add(-time.Hour).Truncate(time.Millisecond),
			LastSeen:   time.Now().Truncate(time.Millisecond),
			Evidence:   []string{"ep-1"},
			ToolSequence: &types.ToolSequenceData{
				Tools:       []string{"a", "b"},
				Context:     "web-api",
				SuccessRate: 0.8,
				AvgLatency:  100,
			},
		}
	}

	first, err := store.MergePattern(ctx, build())
	if err != nil {
		t.Fatalf("MergePattern failed: %v", err)
	}
	if first.Support != 1 {
		t.Errorf("support = %d, want 1", first.Support)
	}

	// Same episode again: merge is idempotent on {pattern_id, episode_id}
	second, err := store.MergePattern(ctx, build())
	if err != nil {
		t.Fatalf("second MergePattern failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("re-extraction changed pattern id: %s vs %s", second.ID, first.ID)
	}
	if second.Support != 1 {
		t.Errorf("idempotent merge changed support: %d", second.Support)
	}

	// New evidence increments support and unions evidence
	p := build()
	p.Evidence = []string{"ep-2"}
	third, err := store.MergePattern(ctx, p)
	if err != nil {
		t.Fatalf("third MergePattern failed: %v", err)
	}
	if third.Support != 2 {
		t.Errorf("support after new evidence = %d, want 2", third.Support)
	}
	if len(third.Evidence) != 2 {
		t.Errorf("evidence = %v", third.Evidence)
	}

	got, err := store.GetPattern(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetPattern failed: %v", err)
	}
	if got.ToolSequence == nil || len(got.ToolSequence.Tools) != 2 {
		t.Errorf("payload not persisted: %+v", got.ToolSequence)
	}
}

func TestVectorTopK(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	vectors := map[string][]float32{
		"ep-near":    {1, 0, 0},
		"ep-mid":     {0.7, 0.7, 0},
		"ep-far":     {0, 0, 1},
		"pat_remote": {1, 0.1, 0},
	}
	for owner, vector := range vectors {
		err := store.StoreEmbedding(ctx, &types.Embedding{
			OwnerID: owner, Dimension: 3, Vector: vector,
			Provider: "mock", Model: "mock-model", CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("StoreEmbedding(%s) failed: %v", owner, err)
		}
	}

	// Non-standard dimension routes to the overflow table and still
	// answers correctly brute-force
	matches, err := store.VectorTopK(ctx, 3, []float32{1, 0, 0}, 2, VectorFilter{OwnerKind: "episode"})
	if err != nil {
		t.Fatalf("VectorTopK failed: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].OwnerID != "ep-near" {
		t.Errorf("nearest = %s, want ep-near", matches[0].OwnerID)
	}
	if matches[0].Distance > matches[1].Distance {
		t.Error("matches not ordered by ascending distance")
	}
	for _, m := range matches {
		if m.OwnerID == "pat_remote" {
			t.Error("owner-kind filter leaked a pattern")
		}
	}
}

func TestVectorTopKDimensionMismatch(t *testing.T) {
	store := newTestSQLiteStore(t)
	_, err := store.VectorTopK(context.Background(), 3, []float32{1, 0}, 5, VectorFilter{})
	if memerr.KindOf(err) != memerr.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStoreEmbeddingStandardDimension(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	vector := make([]float32, 384)
	vector[0] = 1
	err := store.StoreEmbedding(ctx, &types.Embedding{
		OwnerID: "ep-1", Dimension: 384, Vector: vector, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("StoreEmbedding failed: %v", err)
	}

	got, err := store.GetEmbedding(ctx, "ep-1", 384)
	if err != nil {
		t.Fatalf("GetEmbedding failed: %v", err)
	}
	if got.Dimension != 384 || len(got.Vector) != 384 || got.Vector[0] != 1 {
		t.Errorf("embedding round trip mismatch: dim=%d len=%d", got.Dimension, len(got.Vector))
	}
}

func TestRelationshipUniqueness(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.StoreEpisode(ctx, testEpisode(id)); err != nil {
			t.Fatalf("StoreEpisode(%s) failed: %v", id, err)
		}
	}

	rel := &types.Relationship{
		ID: "r1", FromEpisodeID: "a", ToEpisodeID: "b",
		Type: types.RelDependsOn, CreatedAt: time.Now(),
	}
	if err := store.StoreRelationship(ctx, rel); err != nil {
		t.Fatalf("StoreRelationship failed: %v", err)
	}

	dup := &types.Relationship{
		ID: "r2", FromEpisodeID: "a", ToEpisodeID: "b",
		Type: types.RelDependsOn, CreatedAt: time.Now(),
	}
	if err := store.StoreRelationship(ctx, dup); memerr.KindOf(err) != memerr.KindValidation {
		t.Errorf("expected validation error on duplicate edge, got %v", err)
	}

	// Same endpoints, different type is a distinct edge
	other := &types.Relationship{
		ID: "r3", FromEpisodeID: "a", ToEpisodeID: "b",
		Type: types.RelRelatedTo, CreatedAt: time.Now(),
	}
	if err := store.StoreRelationship(ctx, other); err != nil {
		t.Errorf("different type should not collide: %v", err)
	}
}

func TestRemoveRelationshipRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.StoreEpisode(ctx, testEpisode(id)); err != nil {
			t.Fatal(err)
		}
	}
	rel := &types.Relationship{ID: "r1", FromEpisodeID: "a", ToEpisodeID: "b", Type: types.RelFollows, CreatedAt: time.Now()}

	// add; remove; add leaves the graph equal to the state after the
	// first add
	if err := store.StoreRelationship(ctx, rel); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveRelationship(ctx, "a", "b", types.RelFollows); err != nil {
		t.Fatal(err)
	}
	rel2 := &types.Relationship{ID: "r2", FromEpisodeID: "a", ToEpisodeID: "b", Type: types.RelFollows, CreatedAt: time.Now()}
	if err := store.StoreRelationship(ctx, rel2); err != nil {
		t.Fatal(err)
	}

	rels, err := store.GetRelationships(ctx, "a", types.DirectionOutgoing)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].Type != types.RelFollows {
		t.Errorf("relationships = %+v, want single follows edge", rels)
	}

	if err := store.RemoveRelationship(ctx, "a", "b", types.RelBlocks); memerr.KindOf(err) != memerr.KindNotFound {
		t.Errorf("expected not_found removing absent edge, got %v", err)
	}
}

func TestListEpisodesByTags(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	a := testEpisode("a")
	a.Tags = []string{"auth", "web"}
	b := testEpisode("b")
	b.Tags = []string{"auth"}
	c := testEpisode("c")
	c.Tags = []string{"db"}
	for _, e := range []*types.Episode{a, b, c} {
		if err := store.StoreEpisode(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	and, err := store.ListEpisodesByTags(ctx, []string{"auth", "web"}, types.TagLogicAnd, 10)
	if err != nil {
		t.Fatalf("AND listing failed: %v", err)
	}
	if len(and) != 1 || and[0].ID != "a" {
		t.Errorf("AND = %v", episodeIDs(and))
	}

	or, err := store.ListEpisodesByTags(ctx, []string{"auth", "db"}, types.TagLogicOr, 10)
	if err != nil {
		t.Fatalf("OR listing failed: %v", err)
	}
	if len(or) != 3 {
		t.Errorf("OR = %v, want all three", episodeIDs(or))
	}

	if _, err := store.ListEpisodesByTags(ctx, nil, types.TagLogicAnd, 10); memerr.KindOf(err) != memerr.KindValidation {
		t.Errorf("expected validation error for empty tag set, got %v", err)
	}
}

func TestListRecentEpisodes(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	old := testEpisode("old")
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	old.UpdatedAt = old.CreatedAt
	recent := testEpisode("recent")
	for _, e := range []*types.Episode{old, recent} {
		if err := store.StoreEpisode(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	episodes, err := store.ListRecentEpisodes(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("ListRecentEpisodes failed: %v", err)
	}
	if len(episodes) != 1 || episodes[0].ID != "recent" {
		t.Errorf("recent = %v", episodeIDs(episodes))
	}
}

func TestHeuristicRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	h := &types.Heuristic{
		ID: "heur_1", Condition: "when X", Action: "do Y",
		Evidence: []string{"ep-1"}, SuccessRate: 0.9, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.StoreHeuristic(ctx, h); err != nil {
		t.Fatalf("StoreHeuristic failed: %v", err)
	}

	inactive := &types.Heuristic{
		ID: "heur_2", Condition: "when Z", Action: "avoid W",
		SuccessRate: 0.2, Active: false,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := store.StoreHeuristic(ctx, inactive); err != nil {
		t.Fatal(err)
	}

	active, err := store.ListHeuristics(ctx, true)
	if err != nil {
		t.Fatalf("ListHeuristics failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "heur_1" {
		t.Errorf("active heuristics = %d", len(active))
	}

	all, err := store.ListHeuristics(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all heuristics = %d, want 2", len(all))
	}
}

func TestPing(t *testing.T) {
	store := newTestSQLiteStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func episodeIDs(episodes []*types.Episode) []string {
	ids := make([]string, 0, len(episodes))
	for _, e := range episodes {
		ids = append(ids, e.ID)
	}
	return ids
}
