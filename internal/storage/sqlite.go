// Package storage - SQLite persistent storage implementation.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"episodic-memory/internal/embeddings"
	"episodic-memory/internal/memerr"
	"episodic-memory/internal/types"
)

// SQLiteStore implements Store on a single SQLite database file. All
// user-derived values flow through parameter binding; the only
// interpolated identifiers are the dimension-sharded embedding table
// names, drawn from the closed whitelist in sqlite_schema.go.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger

	// Prepared statements for the hot paths
	stmtInsertEpisode  *sql.Stmt
	stmtUpdateEpisode  *sql.Stmt
	stmtGetEpisode     *sql.Stmt
	stmtGetSteps       *sql.Stmt
	stmtInsertStep     *sql.Stmt
	stmtGetPattern     *sql.Stmt
	stmtUpsertPattern  *sql.Stmt
	stmtInsertHeur     *sql.Stmt
	stmtInsertRelation *sql.Stmt
	stmtDeleteRelation *sql.Stmt
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string, busyTimeoutMs int, log *logrus.Logger) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	dsn := dbPath + fmt.Sprintf("?_busy_timeout=%d", busyTimeoutMs)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with limited connections
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure SQLite: %w", err)
	}
	if err := initializeSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{db: db, log: log}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	log.WithField("path", dbPath).Info("sqlite store initialized")
	return s, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.stmtInsertEpisode, err = s.db.Prepare(`
		INSERT INTO episodes (
			id, created_at, updated_at, completed_at, task_type,
			task_description, domain, language, frameworks, context_tags,
			tags, outcome, reward, reflection, pattern_refs, embedding, degraded
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert episode: %w", err)
	}

	s.stmtUpdateEpisode, err = s.db.Prepare(`
		UPDATE episodes SET
			updated_at = ?, completed_at = ?, task_type = ?,
			task_description = ?, domain = ?, language = ?, frameworks = ?,
			context_tags = ?, tags = ?, outcome = ?, reward = ?,
			reflection = ?, pattern_refs = ?, embedding = ?, degraded = ?
		WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare update episode: %w", err)
	}

	s.stmtGetEpisode, err = s.db.Prepare(`
		SELECT id, created_at, updated_at, completed_at, task_type,
		       task_description, domain, language, frameworks, context_tags,
		       tags, outcome, reward, reflection, pattern_refs, embedding, degraded
		FROM episodes WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get episode: %w", err)
	}

	s.stmtGetSteps, err = s.db.Prepare(`
		SELECT step_number, timestamp, tool, action, parameters, result,
		       latency_ms, tokens_used, success, observation
		FROM steps WHERE episode_id = ? ORDER BY step_number
	`)
	if err != nil {
		return fmt.Errorf("prepare get steps: %w", err)
	}

	s.stmtInsertStep, err = s.db.Prepare(`
		INSERT INTO steps (
			episode_id, step_number, timestamp, tool, action, parameters,
			result, latency_ms, tokens_used, success, observation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert step: %w", err)
	}

	s.stmtGetPattern, err = s.db.Prepare(`
		SELECT id, kind, confidence, support, first_seen, last_seen, evidence, payload
		FROM patterns WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare get pattern: %w", err)
	}

	s.stmtUpsertPattern, err = s.db.Prepare(`
		INSERT INTO patterns (id, kind, confidence, support, first_seen, last_seen, evidence, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			confidence=excluded.confidence,
			support=excluded.support,
			first_seen=MIN(first_seen, excluded.first_seen),
			last_seen=MAX(last_seen, excluded.last_seen),
			evidence=excluded.evidence,
			payload=excluded.payload
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert pattern: %w", err)
	}

	s.stmtInsertHeur, err = s.db.Prepare(`
		INSERT INTO heuristics (id, condition, action, evidence, success_rate, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			evidence=excluded.evidence,
			success_rate=excluded.success_rate,
			active=excluded.active,
			updated_at=excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare insert heuristic: %w", err)
	}

	s.stmtInsertRelation, err = s.db.Prepare(`
		INSERT INTO episode_relationships (id, from_episode_id, to_episode_id, type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert relationship: %w", err)
	}

	s.stmtDeleteRelation, err = s.db.Prepare(`
		DELETE FROM episode_relationships
		WHERE from_episode_id = ? AND to_episode_id = ? AND type = ?
	`)
	if err != nil {
		return fmt.Errorf("prepare delete relationship: %w", err)
	}

	return nil
}

// StoreEpisode inserts a new episode row and its tag index entries
func (s *SQLiteStore) StoreEpisode(ctx context.Context, episode *types.Episode) error {
	args, err := episodeArgs(episode)
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, "storage.store_episode", err).WithEntity(episode.ID)
	}

	if _, err := s.stmtInsertEpisode.ExecContext(ctx, append([]interface{}{episode.ID}, args...)...); err != nil {
		return classify("storage.store_episode", err)
	}
	if err := s.syncTags(ctx, episode); err != nil {
		return err
	}
	return nil
}

// UpdateEpisode rewrites the episode row; steps are managed separately
func (s *SQLiteStore) UpdateEpisode(ctx context.Context, episode *types.Episode) error {
	args, err := episodeArgs(episode)
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, "storage.update_episode", err).WithEntity(episode.ID)
	}

	// args[0] is created_at, which is immutable and not part of the UPDATE
	res, err := s.stmtUpdateEpisode.ExecContext(ctx, append(args[1:], episode.ID)...)
	if err != nil {
		return classify("storage.update_episode", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.New(memerr.KindNotFound, "storage.update_episode", "episode not found").WithEntity(episode.ID)
	}
	return s.syncTags(ctx, episode)
}

// episodeArgs marshals the episode columns after the id
func episodeArgs(e *types.Episode) ([]interface{}, error) {
	frameworks, err := json.Marshal(e.Context.Frameworks)
	if err != nil {
		return nil, err
	}
	contextTags, err := json.Marshal(e.Context.Tags)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, err
	}
	var outcome, reward, reflection, patternRefs []byte
	if e.Outcome != nil {
		if outcome, err = json.Marshal(e.Outcome); err != nil {
			return nil, err
		}
	}
	if e.Reward != nil {
		if reward, err = json.Marshal(e.Reward); err != nil {
			return nil, err
		}
	}
	if e.Reflection != nil {
		if reflection, err = json.Marshal(e.Reflection); err != nil {
			return nil, err
		}
	}
	if len(e.PatternRefs) > 0 {
		if patternRefs, err = json.Marshal(e.PatternRefs); err != nil {
			return nil, err
		}
	}

	var completedAt interface{}
	if e.CompletedAt != nil {
		completedAt = e.CompletedAt.UnixMilli()
	}
	var embedding []byte
	if len(e.Embedding) > 0 {
		embedding = encodeVector(e.Embedding)
	}

	return []interface{}{
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli(), completedAt,
		string(e.TaskType), e.TaskDescription, e.Context.Domain,
		e.Context.Language, frameworks, contextTags, tags,
		nullableBytes(outcome), nullableBytes(reward),
		nullableBytes(reflection), nullableBytes(patternRefs),
		nullableBytes(embedding), boolToInt(e.Degraded),
	}, nil
}

func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// syncTags rewrites the episode_tags index and bumps tag_metadata
func (s *SQLiteStore) syncTags(ctx context.Context, episode *types.Episode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("storage.sync_tags", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM episode_tags WHERE episode_id = ?", episode.ID); err != nil {
		return classify("storage.sync_tags", err)
	}
	now := episode.UpdatedAt.UnixMilli()
	for _, tag := range episode.Tags {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO episode_tags (episode_id, tag) VALUES (?, ?)", episode.ID, tag); err != nil {
			return classify("storage.sync_tags", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tag_metadata (tag, usage_count, first_used, last_used)
			VALUES (?, 1, ?, ?)
			ON CONFLICT(tag) DO UPDATE SET
				usage_count = usage_count + 1,
				last_used = excluded.last_used
		`, tag, now, now); err != nil {
			return classify("storage.sync_tags", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classify("storage.sync_tags", err)
	}
	return nil
}

// GetEpisode retrieves an episode with its full step log
func (s *SQLiteStore) GetEpisode(ctx context.Context, id string) (*types.Episode, error) {
	row := s.stmtGetEpisode.QueryRowContext(ctx, id)
	episode, err := scanEpisode(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, memerr.New(memerr.KindNotFound, "storage.get_episode", "episode not found").WithEntity(id)
		}
		return nil, classify("storage.get_episode", err)
	}

	steps, err := s.loadSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	episode.Steps = steps
	return episode, nil
}

func (s *SQLiteStore) loadSteps(ctx context.Context, episodeID string) ([]*types.ExecutionStep, error) {
	rows, err := s.stmtGetSteps.QueryContext(ctx, episodeID)
	if err != nil {
		return nil, classify("storage.get_steps", err)
	}
	defer rows.Close() //nolint:errcheck // rows.Err() catches real errors

	steps := make([]*types.ExecutionStep, 0, 8)
	for rows.Next() {
		step := &types.ExecutionStep{}
		var ts int64
		var params, result, observation sql.NullString
		var success int
		if err := rows.Scan(&step.StepNumber, &ts, &step.Tool, &step.Action,
			&params, &result, &step.LatencyMS, &step.TokensUsed, &success, &observation); err != nil {
			return nil, classify("storage.get_steps", err)
		}
		step.Timestamp = time.UnixMilli(ts)
		step.Success = success == 1
		if params.Valid && params.String != "" {
			if err := json.Unmarshal([]byte(params.String), &step.Parameters); err != nil {
				s.log.WithError(err).Warn("failed to unmarshal step parameters")
			}
		}
		if result.Valid {
			step.Result = result.String
		}
		if observation.Valid {
			step.Observation = observation.String
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("storage.get_steps", err)
	}
	return steps, nil
}

// scanEpisode scans the episode columns from a row
func scanEpisode(row interface{ Scan(...interface{}) error }) (*types.Episode, error) {
	e := &types.Episode{}
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	var taskType string
	var frameworks, contextTags, tags, outcome, reward, reflection, patternRefs sql.NullString
	var embedding []byte
	var degraded int

	err := row.Scan(&e.ID, &createdAt, &updatedAt, &completedAt, &taskType,
		&e.TaskDescription, &e.Context.Domain, &e.Context.Language,
		&frameworks, &contextTags, &tags, &outcome, &reward, &reflection,
		&patternRefs, &embedding, &degraded)
	if err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		e.Embedding = decodeVector(embedding)
	}

	e.CreatedAt = time.UnixMilli(createdAt)
	e.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		e.CompletedAt = &t
	}
	e.TaskType = types.TaskType(taskType)
	e.Degraded = degraded == 1

	unmarshalInto := func(src sql.NullString, dst interface{}) error {
		if !src.Valid || src.String == "" || src.String == "null" {
			return nil
		}
		return json.Unmarshal([]byte(src.String), dst)
	}
	if err := unmarshalInto(frameworks, &e.Context.Frameworks); err != nil {
		return nil, err
	}
	if err := unmarshalInto(contextTags, &e.Context.Tags); err != nil {
		return nil, err
	}
	if err := unmarshalInto(tags, &e.Tags); err != nil {
		return nil, err
	}
	if outcome.Valid && outcome.String != "" {
		e.Outcome = &types.TaskOutcome{}
		if err := json.Unmarshal([]byte(outcome.String), e.Outcome); err != nil {
			return nil, err
		}
	}
	if reward.Valid && reward.String != "" {
		e.Reward = &types.Reward{}
		if err := json.Unmarshal([]byte(reward.String), e.Reward); err != nil {
			return nil, err
		}
	}
	if reflection.Valid && reflection.String != "" {
		e.Reflection = &types.Reflection{}
		if err := json.Unmarshal([]byte(reflection.String), e.Reflection); err != nil {
			return nil, err
		}
	}
	if err := unmarshalInto(patternRefs, &e.PatternRefs); err != nil {
		return nil, err
	}
	return e, nil
}

// ListRecentEpisodes returns episodes updated since the cutoff, newest first
func (s *SQLiteStore) ListRecentEpisodes(ctx context.Context, since time.Time, limit int) ([]*types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, updated_at, completed_at, task_type,
		       task_description, domain, language, frameworks, context_tags,
		       tags, outcome, reward, reflection, pattern_refs, embedding, degraded
		FROM episodes WHERE updated_at >= ?
		ORDER BY updated_at DESC LIMIT ?
	`, since.UnixMilli(), limit)
	if err != nil {
		return nil, classify("storage.list_recent", err)
	}
	defer rows.Close() //nolint:errcheck

	return s.collectEpisodes(ctx, rows)
}

func (s *SQLiteStore) collectEpisodes(ctx context.Context, rows *sql.Rows) ([]*types.Episode, error) {
	episodes := make([]*types.Episode, 0, 16)
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, classify("storage.scan_episode", err)
		}
		episodes = append(episodes, episode)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("storage.scan_episode", err)
	}
	for _, episode := range episodes {
		steps, err := s.loadSteps(ctx, episode.ID)
		if err != nil {
			return nil, err
		}
		episode.Steps = steps
	}
	return episodes, nil
}

// ListEpisodesByTags lists episodes matching the tag set with AND/OR logic
func (s *SQLiteStore) ListEpisodesByTags(ctx context.Context, tags []string, logic types.TagLogic, limit int) ([]*types.Episode, error) {
	if len(tags) == 0 {
		return nil, memerr.New(memerr.KindValidation, "storage.list_by_tags", "at least one tag required")
	}
	if limit <= 0 {
		limit = 50
	}

	placeholders := make([]byte, 0, len(tags)*2)
	args := make([]interface{}, 0, len(tags)+2)
	for i, tag := range tags {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, tag)
	}

	query := fmt.Sprintf(`
		SELECT e.id, e.created_at, e.updated_at, e.completed_at, e.task_type,
		       e.task_description, e.domain, e.language, e.frameworks,
		       e.context_tags, e.tags, e.outcome, e.reward, e.reflection,
		       e.pattern_refs, e.embedding, e.degraded
		FROM episodes e
		JOIN episode_tags t ON t.episode_id = e.id
		WHERE t.tag IN (%s)
		GROUP BY e.id`, placeholders)
	if logic == types.TagLogicAnd {
		query += " HAVING COUNT(DISTINCT t.tag) = ?"
		args = append(args, len(tags))
	}
	query += " ORDER BY e.updated_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("storage.list_by_tags", err)
	}
	defer rows.Close() //nolint:errcheck

	return s.collectEpisodes(ctx, rows)
}

// AppendStep persists a single step
func (s *SQLiteStore) AppendStep(ctx context.Context, episodeID string, step *types.ExecutionStep) error {
	return s.AppendStepsBatch(ctx, episodeID, []*types.ExecutionStep{step})
}

// AppendStepsBatch persists a batch of steps in one transaction: all
// succeed or none do.
func (s *SQLiteStore) AppendStepsBatch(ctx context.Context, episodeID string, steps []*types.ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("storage.append_steps_batch", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt := tx.StmtContext(ctx, s.stmtInsertStep)
	for _, step := range steps {
		var params []byte
		if step.Parameters != nil {
			if params, err = json.Marshal(step.Parameters); err != nil {
				return memerr.Wrap(memerr.KindValidation, "storage.append_steps_batch", err).WithEntity(episodeID)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			episodeID, step.StepNumber, step.Timestamp.UnixMilli(), step.Tool,
			step.Action, nullableBytes(params), step.Result, step.LatencyMS,
			step.TokensUsed, boolToInt(step.Success), step.Observation); err != nil {
			return classify("storage.append_steps_batch", err)
		}
	}
	if _, err := tx.ExecContext(ctx, "UPDATE episodes SET updated_at = ? WHERE id = ?",
		time.Now().UnixMilli(), episodeID); err != nil {
		return classify("storage.append_steps_batch", err)
	}
	if err := tx.Commit(); err != nil {
		return classify("storage.append_steps_batch", err)
	}
	return nil
}

// patternPayload is the serialized variant data of a pattern row
type patternPayload struct {
	ToolSequence  *types.ToolSequenceData   `json:"tool_sequence,omitempty"`
	DecisionPoint *types.DecisionPointData  `json:"decision_point,omitempty"`
	ErrorRecovery *types.ErrorRecoveryData  `json:"error_recovery,omitempty"`
	ContextData   *types.ContextPatternData `json:"context_data,omitempty"`
}

// MergePattern upserts a pattern keyed on its canonical id. The merge is
// deterministic: union of evidence, min first_seen, max last_seen,
// support = evidence count, confidence = support-weighted mean.
func (s *SQLiteStore) MergePattern(ctx context.Context, pattern *types.Pattern) (*types.Pattern, error) {
	if pattern.ID == "" {
		pattern.ID = pattern.CanonicalID()
	}

	merged := pattern
	existing, err := s.GetPattern(ctx, pattern.ID)
	if err != nil && memerr.KindOf(err) != memerr.KindNotFound {
		return nil, err
	}
	if existing != nil {
		merged = mergePatterns(existing, pattern)
	} else if merged.Support == 0 {
		merged.Support = len(merged.Evidence)
	}

	evidence, err := json.Marshal(merged.Evidence)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, "storage.merge_pattern", err)
	}
	payload, err := json.Marshal(patternPayload{
		ToolSequence:  merged.ToolSequence,
		DecisionPoint: merged.DecisionPoint,
		ErrorRecovery: merged.ErrorRecovery,
		ContextData:   merged.ContextData,
	})
	if err != nil {
		return nil, memerr.Wrap(memerr.KindValidation, "storage.merge_pattern", err)
	}

	if _, err := s.stmtUpsertPattern.ExecContext(ctx,
		merged.ID, string(merged.Kind), merged.Confidence, merged.Support,
		merged.FirstSeen.UnixMilli(), merged.LastSeen.UnixMilli(),
		evidence, payload); err != nil {
		return nil, classify("storage.merge_pattern", err)
	}
	return merged, nil
}

// mergePatterns combines an existing row with an incoming extraction
func mergePatterns(existing, incoming *types.Pattern) *types.Pattern {
	merged := &types.Pattern{
		ID:            existing.ID,
		Kind:          existing.Kind,
		FirstSeen:     existing.FirstSeen,
		LastSeen:      existing.LastSeen,
		Evidence:      append([]string(nil), existing.Evidence...),
		ToolSequence:  existing.ToolSequence,
		DecisionPoint: existing.DecisionPoint,
		ErrorRecovery: existing.ErrorRecovery,
		ContextData:   existing.ContextData,
	}
	if incoming.FirstSeen.Before(merged.FirstSeen) {
		merged.FirstSeen = incoming.FirstSeen
	}
	if incoming.LastSeen.After(merged.LastSeen) {
		merged.LastSeen = incoming.LastSeen
	}
	for _, id := range incoming.Evidence {
		merged.AddEvidence(id)
	}
	merged.Support = len(merged.Evidence)

	// Support-weighted confidence keeps repeated merges deterministic
	totalSupport := existing.Support + incoming.Support
	if totalSupport > 0 {
		merged.Confidence = (existing.Confidence*float64(existing.Support) +
			incoming.Confidence*float64(incoming.Support)) / float64(totalSupport)
	} else {
		merged.Confidence = existing.Confidence
	}

	// Variant aggregates follow the same weighting
	if merged.ToolSequence != nil && incoming.ToolSequence != nil && totalSupport > 0 {
		w1, w2 := float64(existing.Support), float64(incoming.Support)
		merged.ToolSequence = &types.ToolSequenceData{
			Tools:   existing.ToolSequence.Tools,
			Context: existing.ToolSequence.Context,
			SuccessRate: (existing.ToolSequence.SuccessRate*w1 +
				incoming.ToolSequence.SuccessRate*w2) / (w1 + w2),
			AvgLatency: (existing.ToolSequence.AvgLatency*w1 +
				incoming.ToolSequence.AvgLatency*w2) / (w1 + w2),
		}
	}
	if merged.ErrorRecovery != nil && incoming.ErrorRecovery != nil && totalSupport > 0 {
		w1, w2 := float64(existing.Support), float64(incoming.Support)
		merged.ErrorRecovery = &types.ErrorRecoveryData{
			ErrorType:     existing.ErrorRecovery.ErrorType,
			RecoverySteps: existing.ErrorRecovery.RecoverySteps,
			SuccessRate: (existing.ErrorRecovery.SuccessRate*w1 +
				incoming.ErrorRecovery.SuccessRate*w2) / (w1 + w2),
		}
	}
	if merged.DecisionPoint != nil && incoming.DecisionPoint != nil {
		stats := make(map[string]int, len(existing.DecisionPoint.OutcomeStats))
		for k, v := range existing.DecisionPoint.OutcomeStats {
			stats[k] = v
		}
		for k, v := range incoming.DecisionPoint.OutcomeStats {
			stats[k] += v
		}
		merged.DecisionPoint = &types.DecisionPointData{
			Condition:    existing.DecisionPoint.Condition,
			Action:       existing.DecisionPoint.Action,
			OutcomeStats: stats,
		}
	}
	return merged
}

// GetPattern retrieves a pattern by id
func (s *SQLiteStore) GetPattern(ctx context.Context, id string) (*types.Pattern, error) {
	row := s.stmtGetPattern.QueryRowContext(ctx, id)
	pattern, err := scanPattern(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, memerr.New(memerr.KindNotFound, "storage.get_pattern", "pattern not found").WithEntity(id)
		}
		return nil, classify("storage.get_pattern", err)
	}
	return pattern, nil
}

func scanPattern(row interface{ Scan(...interface{}) error }) (*types.Pattern, error) {
	p := &types.Pattern{}
	var kind string
	var firstSeen, lastSeen int64
	var evidence, payload sql.NullString

	if err := row.Scan(&p.ID, &kind, &p.Confidence, &p.Support, &firstSeen,
		&lastSeen, &evidence, &payload); err != nil {
		return nil, err
	}
	p.Kind = types.PatternKind(kind)
	p.FirstSeen = time.UnixMilli(firstSeen)
	p.LastSeen = time.UnixMilli(lastSeen)
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &p.Evidence); err != nil {
			return nil, err
		}
	}
	if payload.Valid && payload.String != "" {
		var pp patternPayload
		if err := json.Unmarshal([]byte(payload.String), &pp); err != nil {
			return nil, err
		}
		p.ToolSequence = pp.ToolSequence
		p.DecisionPoint = pp.DecisionPoint
		p.ErrorRecovery = pp.ErrorRecovery
		p.ContextData = pp.ContextData
	}
	return p, nil
}

// ListPatterns lists patterns, optionally filtered by kind, most recently
// seen first
func (s *SQLiteStore) ListPatterns(ctx context.Context, kind types.PatternKind, limit int) ([]*types.Pattern, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, confidence, support, first_seen, last_seen, evidence, payload
		FROM patterns
		WHERE (? = '' OR kind = ?)
		ORDER BY last_seen DESC LIMIT ?
	`, string(kind), string(kind), limit)
	if err != nil {
		return nil, classify("storage.list_patterns", err)
	}
	defer rows.Close() //nolint:errcheck

	patterns := make([]*types.Pattern, 0, 16)
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, classify("storage.list_patterns", err)
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// StoreHeuristic upserts a heuristic
func (s *SQLiteStore) StoreHeuristic(ctx context.Context, h *types.Heuristic) error {
	evidence, err := json.Marshal(h.Evidence)
	if err != nil {
		return memerr.Wrap(memerr.KindValidation, "storage.store_heuristic", err)
	}
	if _, err := s.stmtInsertHeur.ExecContext(ctx,
		h.ID, h.Condition, h.Action, evidence, h.SuccessRate,
		boolToInt(h.Active), h.CreatedAt.UnixMilli(), h.UpdatedAt.UnixMilli()); err != nil {
		return classify("storage.store_heuristic", err)
	}
	return nil
}

// ListHeuristics lists heuristics, optionally only active ones
func (s *SQLiteStore) ListHeuristics(ctx context.Context, onlyActive bool) ([]*types.Heuristic, error) {
	active := 0
	if onlyActive {
		active = 1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, condition, action, evidence, success_rate, active, created_at, updated_at
		FROM heuristics WHERE (? = 0 OR active = 1)
		ORDER BY success_rate DESC
	`, active)
	if err != nil {
		return nil, classify("storage.list_heuristics", err)
	}
	defer rows.Close() //nolint:errcheck

	heuristics := make([]*types.Heuristic, 0, 16)
	for rows.Next() {
		h := &types.Heuristic{}
		var evidence sql.NullString
		var activeInt int
		var createdAt, updatedAt int64
		if err := rows.Scan(&h.ID, &h.Condition, &h.Action, &evidence,
			&h.SuccessRate, &activeInt, &createdAt, &updatedAt); err != nil {
			return nil, classify("storage.list_heuristics", err)
		}
		h.Active = activeInt == 1
		h.CreatedAt = time.UnixMilli(createdAt)
		h.UpdatedAt = time.UnixMilli(updatedAt)
		if evidence.Valid && evidence.String != "" {
			if err := json.Unmarshal([]byte(evidence.String), &h.Evidence); err != nil {
				return nil, classify("storage.list_heuristics", err)
			}
		}
		heuristics = append(heuristics, h)
	}
	return heuristics, rows.Err()
}

// StoreEmbedding routes the vector to its dimension shard
func (s *SQLiteStore) StoreEmbedding(ctx context.Context, e *types.Embedding) error {
	if len(e.Vector) == 0 || e.Dimension != len(e.Vector) {
		return memerr.New(memerr.KindValidation, "storage.store_embedding",
			fmt.Sprintf("dimension %d does not match vector length %d", e.Dimension, len(e.Vector))).
			WithEntity(e.OwnerID)
	}
	table := embeddingTableFor(e.Dimension)
	query := fmt.Sprintf(`
		INSERT INTO %s (owner_id, owner_kind, dimension, vector, provider, model, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_id) DO UPDATE SET
			dimension=excluded.dimension,
			vector=excluded.vector,
			provider=excluded.provider,
			model=excluded.model,
			last_seen=excluded.last_seen
	`, table)

	now := e.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query,
		e.OwnerID, ownerKind(e.OwnerID), e.Dimension, encodeVector(e.Vector),
		e.Provider, e.Model, now.UnixMilli(), now.UnixMilli()); err != nil {
		return classify("storage.store_embedding", err)
	}
	return nil
}

func ownerKind(ownerID string) string {
	if len(ownerID) > 4 && ownerID[:4] == "pat_" {
		return "pattern"
	}
	return "episode"
}

// GetEmbedding fetches the vector for an owner within a dimension shard
func (s *SQLiteStore) GetEmbedding(ctx context.Context, ownerID string, dimension int) (*types.Embedding, error) {
	table := embeddingTableFor(dimension)
	query := fmt.Sprintf(`
		SELECT owner_id, dimension, vector, provider, model, created_at
		FROM %s WHERE owner_id = ? AND dimension = ?
	`, table)

	e := &types.Embedding{}
	var blob []byte
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, ownerID, dimension).Scan(
		&e.OwnerID, &e.Dimension, &blob, &e.Provider, &e.Model, &createdAt)
	if err == sql.ErrNoRows {
		return nil, memerr.New(memerr.KindNotFound, "storage.get_embedding", "embedding not found").WithEntity(ownerID)
	}
	if err != nil {
		return nil, classify("storage.get_embedding", err)
	}
	e.Vector = decodeVector(blob)
	e.CreatedAt = time.UnixMilli(createdAt)
	return e, nil
}

// VectorTopK scores every row in the dimension shard by cosine distance
// and returns the k nearest, ties broken by last_seen desc then owner_id
// asc. Non-standard dimensions are scored brute-force in their overflow
// table; standard dimensions stay correct here while the ANN side-index
// accelerates the retriever.
func (s *SQLiteStore) VectorTopK(ctx context.Context, dimension int, query []float32, k int, filter VectorFilter) ([]VectorMatch, error) {
	if len(query) != dimension {
		return nil, memerr.New(memerr.KindValidation, "storage.vector_top_k",
			fmt.Sprintf("query length %d does not match dimension %d", len(query), dimension))
	}
	if k <= 0 {
		k = 10
	}

	table := embeddingTableFor(dimension)
	sqlQuery := fmt.Sprintf(`
		SELECT owner_id, vector, last_seen
		FROM %s WHERE dimension = ? AND (? = '' OR owner_kind = ?)
	`, table)

	rows, err := s.db.QueryContext(ctx, sqlQuery, dimension, filter.OwnerKind, filter.OwnerKind)
	if err != nil {
		return nil, classify("storage.vector_top_k", err)
	}
	defer rows.Close() //nolint:errcheck

	matches := make([]VectorMatch, 0, 64)
	for rows.Next() {
		var ownerID string
		var blob []byte
		var lastSeen int64
		if err := rows.Scan(&ownerID, &blob, &lastSeen); err != nil {
			return nil, classify("storage.vector_top_k", err)
		}
		vector := decodeVector(blob)
		if len(vector) != dimension {
			continue
		}
		matches = append(matches, VectorMatch{
			OwnerID:  ownerID,
			Distance: cosineDistance(query, vector),
			LastSeen: time.UnixMilli(lastSeen),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify("storage.vector_top_k", err)
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

// StoreRelationship inserts an edge; duplicate (from,to,type) is a
// validation error per the uniqueness contract
func (s *SQLiteStore) StoreRelationship(ctx context.Context, rel *types.Relationship) error {
	var metadata []byte
	var err error
	if rel.Metadata != nil {
		if metadata, err = json.Marshal(rel.Metadata); err != nil {
			return memerr.Wrap(memerr.KindValidation, "storage.store_relationship", err)
		}
	}
	if _, err := s.stmtInsertRelation.ExecContext(ctx,
		rel.ID, rel.FromEpisodeID, rel.ToEpisodeID, string(rel.Type),
		nullableBytes(metadata), rel.CreatedAt.UnixMilli()); err != nil {
		if isUniqueViolation(err) {
			return memerr.New(memerr.KindValidation, "storage.store_relationship",
				"relationship already exists").WithEntity(rel.FromEpisodeID)
		}
		return classify("storage.store_relationship", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint")
}

// RemoveRelationship deletes the edge identified by (from, to, type)
func (s *SQLiteStore) RemoveRelationship(ctx context.Context, from, to string, relType types.RelationType) error {
	res, err := s.stmtDeleteRelation.ExecContext(ctx, from, to, string(relType))
	if err != nil {
		return classify("storage.remove_relationship", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.New(memerr.KindNotFound, "storage.remove_relationship", "relationship not found").WithEntity(from)
	}
	return nil
}

// GetRelationships returns edges touching the episode in the requested direction
func (s *SQLiteStore) GetRelationships(ctx context.Context, episodeID string, direction types.Direction) ([]*types.Relationship, error) {
	var query string
	var args []interface{}
	switch direction {
	case types.DirectionOutgoing:
		query = "SELECT id, from_episode_id, to_episode_id, type, metadata, created_at FROM episode_relationships WHERE from_episode_id = ?"
		args = []interface{}{episodeID}
	case types.DirectionIncoming:
		query = "SELECT id, from_episode_id, to_episode_id, type, metadata, created_at FROM episode_relationships WHERE to_episode_id = ?"
		args = []interface{}{episodeID}
	default:
		query = "SELECT id, from_episode_id, to_episode_id, type, metadata, created_at FROM episode_relationships WHERE from_episode_id = ? OR to_episode_id = ?"
		args = []interface{}{episodeID, episodeID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("storage.get_relationships", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanRelationships(rows)
}

// ListRelationships returns every stored edge
func (s *SQLiteStore) ListRelationships(ctx context.Context) ([]*types.Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, from_episode_id, to_episode_id, type, metadata, created_at FROM episode_relationships")
	if err != nil {
		return nil, classify("storage.list_relationships", err)
	}
	defer rows.Close() //nolint:errcheck

	return scanRelationships(rows)
}

func scanRelationships(rows *sql.Rows) ([]*types.Relationship, error) {
	rels := make([]*types.Relationship, 0, 16)
	for rows.Next() {
		rel := &types.Relationship{}
		var relType string
		var metadata sql.NullString
		var createdAt int64
		if err := rows.Scan(&rel.ID, &rel.FromEpisodeID, &rel.ToEpisodeID,
			&relType, &metadata, &createdAt); err != nil {
			return nil, classify("storage.scan_relationship", err)
		}
		rel.Type = types.RelationType(relType)
		rel.CreatedAt = time.UnixMilli(createdAt)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &rel.Metadata); err != nil {
				return nil, classify("storage.scan_relationship", err)
			}
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// Ping probes backend liveness
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify("storage.ping", err)
	}
	return nil
}

// Close releases the database handle
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Vector codec: little-endian float32, matching the blob layout of the
// embedding shards.

func encodeVector(vector []float32) []byte {
	buf := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vector
}

// cosineDistance is 1 - cosine similarity; zero vectors score maximally distant
func cosineDistance(a, b []float32) float64 {
	return 1.0 - embeddings.CosineSimilarity(a, b)
}
