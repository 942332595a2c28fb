// Package store implements the SQLite-backed memory store: a temporal
// knowledge graph with vector embeddings, an episodic run buffer,
// procedural skills and execution patterns.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"engramd/internal/logging"
)

// MemoryStore is the single-writer SQLite store backing all memory
// layers. Safe for concurrent use.
type MemoryStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	dim    int
}

// NewMemoryStore opens (or creates) the memory database at dbPath.
// dim is the embedding dimensionality; vectors of any other length are
// rejected with ErrDimensionMismatch. Pass ":memory:" for an ephemeral
// store.
func NewMemoryStore(dbPath string, dim int) (*MemoryStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", ErrConstraintViolation, dim)
	}

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	// Single connection keeps the RWMutex the only serialization point
	// and avoids SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &MemoryStore{db: db, dbPath: dbPath, dim: dim}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logging.Boot("memory store opened at %s (dim=%d, vec=%v)", dbPath, dim, vecEnabled)
	return s, nil
}

// Close closes the underlying database.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Path returns the database file path.
func (s *MemoryStore) Path() string {
	return s.dbPath
}

// Dimensions returns the embedding dimensionality the store enforces.
func (s *MemoryStore) Dimensions() int {
	return s.dim
}

func (s *MemoryStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		content_summary TEXT NOT NULL DEFAULT '',
		embedding BLOB,
		importance REAL NOT NULL DEFAULT 0.5,
		metadata TEXT,
		created_at TEXT NOT NULL,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		last_accessed TEXT NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(label, name)
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_label ON nodes(label);
	CREATE INDEX IF NOT EXISTS idx_nodes_valid ON nodes(valid_until);

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		relation TEXT NOT NULL,
		weight REAL NOT NULL DEFAULT 1.0,
		metadata TEXT,
		valid_from TEXT NOT NULL,
		valid_until TEXT,
		observed INTEGER NOT NULL DEFAULT 1,
		FOREIGN KEY (source_id) REFERENCES nodes(id),
		FOREIGN KEY (target_id) REFERENCES nodes(id)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_open
		ON edges(source_id, relation, target_id) WHERE valid_until IS NULL;
	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);

	CREATE TABLE IF NOT EXISTS episodes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		step_index INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB,
		importance REAL NOT NULL DEFAULT 0.5,
		metadata TEXT,
		created_at TEXT NOT NULL,
		archived INTEGER NOT NULL DEFAULT 0,
		consolidated_at TEXT,
		UNIQUE(run_id, step_index)
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_run ON episodes(run_id, step_index);
	CREATE INDEX IF NOT EXISTS idx_episodes_unconsolidated
		ON episodes(consolidated_at) WHERE consolidated_at IS NULL;

	CREATE TABLE IF NOT EXISTS skills (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		steps TEXT NOT NULL DEFAULT '[]',
		times_used INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0.0,
		archived INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		last_used TEXT
	);

	CREATE TABLE IF NOT EXISTS patterns (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		trigger_context TEXT NOT NULL,
		approach_summary TEXT NOT NULL DEFAULT '',
		outcome_result TEXT NOT NULL DEFAULT '',
		correction_strategy TEXT,
		embedding BLOB,
		frequency INTEGER NOT NULL DEFAULT 1,
		archived INTEGER NOT NULL DEFAULT 0,
		metadata TEXT,
		created_at TEXT NOT NULL,
		last_seen TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns(type);

	CREATE TABLE IF NOT EXISTS consolidation_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		episodes_consolidated INTEGER NOT NULL DEFAULT 0,
		nodes_created INTEGER NOT NULL DEFAULT 0,
		edges_created INTEGER NOT NULL DEFAULT 0,
		skills_pruned INTEGER NOT NULL DEFAULT 0,
		patterns_pruned INTEGER NOT NULL DEFAULT 0,
		patterns_updated INTEGER NOT NULL DEFAULT 0,
		episodes_archived INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS schema_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// validity predicate shared by every query that filters to current
// records. Parameter is the as-of time in storage format.
const validWhere = "(valid_until IS NULL OR valid_until > ?)"

// Times are stored as RFC3339Nano TEXT in UTC so that lexicographic
// comparison in SQL matches chronological order.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func marshalMetadata(m Metadata) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func unmarshalMetadata(ns sql.NullString) (Metadata, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m Metadata
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

// Stats returns a census of the store.
func (s *MemoryStore) Stats() (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := fmtTime(time.Now())
	st := &Stats{}

	counts := []struct {
		query string
		args  []interface{}
		dest  *int64
	}{
		{"SELECT COUNT(*) FROM nodes", nil, &st.Nodes},
		{"SELECT COUNT(*) FROM nodes WHERE " + validWhere, []interface{}{now}, &st.ValidNodes},
		{"SELECT COUNT(*) FROM edges", nil, &st.Edges},
		{"SELECT COUNT(*) FROM edges WHERE " + validWhere, []interface{}{now}, &st.ValidEdges},
		{"SELECT COUNT(*) FROM episodes", nil, &st.Episodes},
		{"SELECT COUNT(*) FROM episodes WHERE consolidated_at IS NULL AND archived = 0", nil, &st.UnconsolidatedEpisodes},
		{"SELECT COUNT(*) FROM episodes WHERE archived = 1", nil, &st.ArchivedEpisodes},
		{"SELECT COUNT(*) FROM skills", nil, &st.Skills},
		{"SELECT COUNT(*) FROM patterns", nil, &st.Patterns},
		{"SELECT COUNT(DISTINCT run_id) FROM episodes", nil, &st.Runs},
	}
	for _, c := range counts {
		if err := s.db.QueryRow(c.query, c.args...).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("stats query failed: %w", err)
		}
	}

	// Usage-weighted mean so a skill used once does not count as much
	// as one used a hundred times.
	const rateQuery = `
		SELECT COALESCE(SUM(success_rate * times_used) / NULLIF(SUM(times_used), 0), 0)
		FROM skills WHERE archived = 0`
	if err := s.db.QueryRow(rateQuery).Scan(&st.OverallSuccessRate); err != nil {
		return nil, fmt.Errorf("stats query failed: %w", err)
	}

	version, err := s.getSchemaVersionLocked()
	if err != nil {
		return nil, err
	}
	st.SchemaVersion = version

	return st, nil
}
