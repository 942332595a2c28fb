package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"engramd/internal/logging"
)

const episodeColumns = `id, run_id, step_index, role, content, embedding, importance,
	metadata, created_at, archived, consolidated_at`

// AppendEpisode records one step of a run in the episodic buffer.
// A duplicate (run_id, step_index) is rejected with
// ErrConstraintViolation; the buffer is append-only.
func (s *MemoryStore) AppendEpisode(ep *Episode) (*Episode, error) {
	if ep.RunID == "" {
		return nil, fmt.Errorf("%w: episode run_id required", ErrConstraintViolation)
	}
	if ep.StepIndex < 0 {
		return nil, fmt.Errorf("%w: negative step index %d", ErrConstraintViolation, ep.StepIndex)
	}
	switch ep.Role {
	case RoleUser, RoleAgent, RoleSystem, RoleTool:
	default:
		return nil, fmt.Errorf("%w: unknown episode role %q", ErrConstraintViolation, ep.Role)
	}
	if ep.Importance < 0 || ep.Importance > 1 {
		return nil, fmt.Errorf("%w: importance %f out of [0,1]", ErrConstraintViolation, ep.Importance)
	}
	if err := s.checkDim(ep.Embedding); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := marshalMetadata(ep.Metadata)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	createdAt := ep.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO episodes (id, run_id, step_index, role, content, embedding, importance,
			metadata, created_at, archived, consolidated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
		id, ep.RunID, ep.StepIndex, ep.Role, ep.Content, EncodeVector(ep.Embedding),
		ep.Importance, meta, fmtTime(createdAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: step %d already recorded for run %s",
				ErrConstraintViolation, ep.StepIndex, ep.RunID)
		}
		return nil, fmt.Errorf("failed to append episode: %w", err)
	}

	logging.StoreDebug("appended episode run=%s step=%d role=%s", ep.RunID, ep.StepIndex, ep.Role)
	return s.getEpisodeLocked(s.db, id)
}

// isUniqueViolation matches unique-constraint failures from both the
// modernc and mattn drivers without importing driver error types.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

func (s *MemoryStore) getEpisodeLocked(ex execer, id string) (*Episode, error) {
	row := ex.QueryRow("SELECT "+episodeColumns+" FROM episodes WHERE id = ?", id)
	return scanEpisode(row)
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var (
		ep           Episode
		blob         []byte
		meta         sql.NullString
		createdAt    string
		archived     int
		consolidated sql.NullString
	)
	err := row.Scan(&ep.ID, &ep.RunID, &ep.StepIndex, &ep.Role, &ep.Content, &blob,
		&ep.Importance, &meta, &createdAt, &archived, &consolidated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan episode: %w", err)
	}

	if ep.Embedding, err = DecodeVector(blob); err != nil {
		return nil, err
	}
	if ep.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	if ep.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at on episode %s: %w", ep.ID, err)
	}
	if ep.ConsolidatedAt, err = parseNullTime(consolidated); err != nil {
		return nil, fmt.Errorf("bad consolidated_at on episode %s: %w", ep.ID, err)
	}
	ep.Archived = archived != 0
	return &ep, nil
}

// RunEpisodes replays a run in step order.
func (s *MemoryStore) RunEpisodes(runID string) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEpisodesLocked(
		"SELECT "+episodeColumns+" FROM episodes WHERE run_id = ? ORDER BY step_index",
		runID)
}

// UnconsolidatedEpisodes returns up to limit episodes that have not yet
// been through a consolidation cycle, oldest first. A non-empty runID
// restricts the result to that run; limit <= 0 means no limit.
func (s *MemoryStore) UnconsolidatedEpisodes(runID string, limit int) ([]*Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := "SELECT " + episodeColumns + ` FROM episodes
		WHERE consolidated_at IS NULL AND archived = 0`
	args := []interface{}{}
	if runID != "" {
		q += " AND run_id = ?"
		args = append(args, runID)
	}
	q += " ORDER BY created_at, run_id, step_index"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEpisodesLocked(q, args...)
}

func (s *MemoryStore) queryEpisodesLocked(query string, args ...interface{}) ([]*Episode, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("episode query failed: %w", err)
	}
	defer rows.Close()

	var eps []*Episode
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// RunIDs returns the distinct run identifiers present in the buffer,
// most recent first.
func (s *MemoryStore) RunIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT run_id FROM episodes GROUP BY run_id ORDER BY MAX(created_at) DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
