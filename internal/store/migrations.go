// Versioned schema migrations. Databases created by older releases are
// upgraded in place; a file backup is taken before any destructive step.
package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"engramd/internal/logging"
)

// Schema versions:
// v1: nodes, edges, episodes, skills, patterns
// v2: episode importance/archived/consolidated_at, node access tracking,
//     consolidation_runs bookkeeping
// v3: node description/content_summary/created_at, episode embeddings,
//     skill steps/updated_at, SUCCESS/FAILURE pattern fields,
//     archive flags on skills and patterns
const currentSchemaVersion = 3

// columnMigration adds a column to an existing table when missing.
type columnMigration struct {
	table  string
	column string
	def    string
}

var pendingMigrations = []columnMigration{
	{"episodes", "importance", "REAL NOT NULL DEFAULT 0.5"},
	{"episodes", "archived", "INTEGER NOT NULL DEFAULT 0"},
	{"episodes", "consolidated_at", "TEXT"},
	{"nodes", "last_accessed", "TEXT NOT NULL DEFAULT '1970-01-01T00:00:00Z'"},
	{"nodes", "access_count", "INTEGER NOT NULL DEFAULT 0"},
	{"nodes", "description", "TEXT NOT NULL DEFAULT ''"},
	{"nodes", "content_summary", "TEXT NOT NULL DEFAULT ''"},
	{"nodes", "created_at", "TEXT NOT NULL DEFAULT '1970-01-01T00:00:00Z'"},
	{"episodes", "embedding", "BLOB"},
	{"skills", "steps", "TEXT NOT NULL DEFAULT '[]'"},
	{"skills", "updated_at", "TEXT NOT NULL DEFAULT '1970-01-01T00:00:00Z'"},
	{"skills", "archived", "INTEGER NOT NULL DEFAULT 0"},
	{"patterns", "trigger_context", "TEXT NOT NULL DEFAULT ''"},
	{"patterns", "approach_summary", "TEXT NOT NULL DEFAULT ''"},
	{"patterns", "outcome_result", "TEXT NOT NULL DEFAULT ''"},
	{"patterns", "correction_strategy", "TEXT"},
	{"patterns", "archived", "INTEGER NOT NULL DEFAULT 0"},
}

// columnRehome copies a superseded column into its replacement and
// drops the original. patterns.summary was NOT NULL without a default,
// so leaving it in place would break inserts on migrated databases.
type columnRehome struct {
	table string
	from  string
	to    string
}

var pendingRehomes = []columnRehome{
	{"nodes", "summary", "content_summary"},
	{"patterns", "summary", "trigger_context"},
	{"skills", "body", ""},
}

func (s *MemoryStore) runMigrations() error {
	timer := logging.StartTimer(logging.CategoryBoot, "runMigrations")
	defer timer.Stop()

	version, err := s.getSchemaVersionLocked()
	if err != nil {
		return err
	}
	if version >= currentSchemaVersion {
		return nil
	}

	logging.Boot("migrating schema v%d -> v%d", version, currentSchemaVersion)

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.table) {
			continue
		}
		if columnExists(s.db, m.table, m.column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.def)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
		logging.Boot("migration applied: added %s.%s", m.table, m.column)
		applied++
	}

	for _, r := range pendingRehomes {
		if !tableExists(s.db, r.table) || !columnExists(s.db, r.table, r.from) {
			continue
		}
		if r.to != "" {
			query := fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = ''", r.table, r.to, r.from, r.to)
			if _, err := s.db.Exec(query); err != nil {
				return fmt.Errorf("migration rehome %s.%s failed: %w", r.table, r.from, err)
			}
		}
		query := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", r.table, r.from)
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("migration drop %s.%s failed: %w", r.table, r.from, err)
		}
		logging.Boot("migration applied: retired %s.%s", r.table, r.from)
		applied++
	}

	if err := s.setSchemaVersionLocked(currentSchemaVersion); err != nil {
		return err
	}
	logging.Boot("schema migrations complete: applied=%d", applied)
	return nil
}

func (s *MemoryStore) getSchemaVersionLocked() (int, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM schema_meta WHERE key = 'schema_version'").Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema version %q: %w", raw, err)
	}
	return version, nil
}

func (s *MemoryStore) setSchemaVersionLocked(version int) error {
	_, err := s.db.Exec(`
		INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(version))
	if err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// CreateBackup copies the database file next to itself with a
// timestamped suffix and returns the backup path. No backup is taken
// for in-memory databases.
func (s *MemoryStore) CreateBackup() (string, error) {
	if s.dbPath == ":memory:" || s.dbPath == "" {
		return "", nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	backupPath := fmt.Sprintf("%s.backup-%s", s.dbPath, time.Now().Format("20060102-150405"))

	src, err := os.Open(s.dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open database for backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(backupPath)
		return "", fmt.Errorf("failed to copy database: %w", err)
	}

	logging.Boot("created backup at %s", backupPath)
	return backupPath, nil
}
