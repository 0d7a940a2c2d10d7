// Package storage - SQLite schema definitions and migrations.
package storage

import (
	"database/sql"
	"fmt"
)

const schemaVersion = 1

// embeddingTables maps supported dimensions to their shard table. This is
// a closed whitelist: table names are never built from caller input.
var embeddingTables = map[int]string{
	384:  "embeddings_384",
	1024: "embeddings_1024",
	1536: "embeddings_1536",
	3072: "embeddings_3072",
}

const embeddingOverflowTable = "embeddings_other"

// embeddingTableFor returns the shard for a dimension, falling back to
// the brute-force overflow table for non-standard dimensions.
func embeddingTableFor(dimension int) string {
	if table, ok := embeddingTables[dimension]; ok {
		return table
	}
	return embeddingOverflowTable
}

// Schema defines the complete database schema
const schema = `
-- Schema metadata for versioning
CREATE TABLE IF NOT EXISTS schema_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Episodes table
CREATE TABLE IF NOT EXISTS episodes (
    id TEXT PRIMARY KEY,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    completed_at INTEGER,
    task_type TEXT NOT NULL,
    task_description TEXT NOT NULL,
    domain TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    frameworks TEXT,
    context_tags TEXT,
    tags TEXT,
    outcome TEXT,
    reward TEXT,
    reflection TEXT,
    pattern_refs TEXT,
    embedding BLOB,
    degraded INTEGER NOT NULL DEFAULT 0
);

-- Execution steps, gap-free per episode
CREATE TABLE IF NOT EXISTS steps (
    episode_id TEXT NOT NULL,
    step_number INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    tool TEXT NOT NULL,
    action TEXT NOT NULL DEFAULT '',
    parameters TEXT,
    result TEXT,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 0,
    observation TEXT,
    PRIMARY KEY (episode_id, step_number),
    FOREIGN KEY (episode_id) REFERENCES episodes(id) ON DELETE CASCADE
);

-- Mined patterns, keyed by canonical content hash
CREATE TABLE IF NOT EXISTS patterns (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.0,
    support INTEGER NOT NULL DEFAULT 0,
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL,
    evidence TEXT,
    payload TEXT NOT NULL
);

-- Heuristics derived from patterns
CREATE TABLE IF NOT EXISTS heuristics (
    id TEXT PRIMARY KEY,
    condition TEXT NOT NULL,
    action TEXT NOT NULL,
    evidence TEXT,
    success_rate REAL NOT NULL DEFAULT 0.0,
    active INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Dimension-sharded embedding tables. Vectors are little-endian float32
-- blobs; the shard is chosen from a fixed whitelist, non-standard
-- dimensions land in embeddings_other and are scored brute-force.
CREATE TABLE IF NOT EXISTS embeddings_384 (
    owner_id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL DEFAULT 'episode',
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS embeddings_1024 (
    owner_id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL DEFAULT 'episode',
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS embeddings_1536 (
    owner_id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL DEFAULT 'episode',
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS embeddings_3072 (
    owner_id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL DEFAULT 'episode',
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS embeddings_other (
    owner_id TEXT PRIMARY KEY,
    owner_kind TEXT NOT NULL DEFAULT 'episode',
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    last_seen INTEGER NOT NULL
);

-- Tag index
CREATE TABLE IF NOT EXISTS episode_tags (
    episode_id TEXT NOT NULL,
    tag TEXT NOT NULL,
    PRIMARY KEY (episode_id, tag),
    FOREIGN KEY (episode_id) REFERENCES episodes(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tag_metadata (
    tag TEXT PRIMARY KEY,
    usage_count INTEGER NOT NULL DEFAULT 0,
    first_used INTEGER NOT NULL,
    last_used INTEGER NOT NULL
);

-- Typed directed edges between episodes
CREATE TABLE IF NOT EXISTS episode_relationships (
    id TEXT PRIMARY KEY,
    from_episode_id TEXT NOT NULL,
    to_episode_id TEXT NOT NULL,
    type TEXT NOT NULL,
    metadata TEXT,
    created_at INTEGER NOT NULL,
    UNIQUE (from_episode_id, to_episode_id, type),
    FOREIGN KEY (from_episode_id) REFERENCES episodes(id) ON DELETE CASCADE,
    FOREIGN KEY (to_episode_id) REFERENCES episodes(id) ON DELETE CASCADE
);

-- Performance indexes
CREATE INDEX IF NOT EXISTS idx_episodes_updated ON episodes(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_episodes_domain ON episodes(domain);
CREATE INDEX IF NOT EXISTS idx_episodes_task_type ON episodes(task_type);
CREATE INDEX IF NOT EXISTS idx_steps_episode ON steps(episode_id);
CREATE INDEX IF NOT EXISTS idx_patterns_kind ON patterns(kind);
CREATE INDEX IF NOT EXISTS idx_patterns_last_seen ON patterns(last_seen DESC);
CREATE INDEX IF NOT EXISTS idx_tags_tag ON episode_tags(tag);
CREATE INDEX IF NOT EXISTS idx_rel_from ON episode_relationships(from_episode_id);
CREATE INDEX IF NOT EXISTS idx_rel_to ON episode_relationships(to_episode_id);
`

// initializeSchema creates all tables and indexes
func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	var currentVersion int
	err := db.QueryRow("SELECT value FROM schema_metadata WHERE key = 'version'").Scan(&currentVersion)
	if err == sql.ErrNoRows {
		_, err = db.Exec("INSERT INTO schema_metadata (key, value) VALUES ('version', ?)", schemaVersion)
		if err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	} else if currentVersion != schemaVersion {
		return fmt.Errorf("schema version mismatch: expected %d, got %d", schemaVersion, currentVersion)
	}

	return nil
}

// configureSQLite sets pragmas for performance and safety
func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}
