package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"engramd/internal/logging"
)

const patternColumns = `id, type, trigger_context, approach_summary, outcome_result,
	correction_strategy, embedding, frequency, archived, metadata, created_at, last_seen`

// ObservePattern records an execution pattern, deduplicating by
// embedding similarity over the trigger context: if a live pattern of
// the same type is at least dedupThreshold cosine-similar, its
// frequency is bumped instead of inserting a near-duplicate. Type must
// be SUCCESS or FAILURE. Returns the stored pattern.
func (s *MemoryStore) ObservePattern(p *Pattern, dedupThreshold float64) (*Pattern, error) {
	if p.Type != PatternSuccess && p.Type != PatternFailure {
		return nil, fmt.Errorf("%w: pattern type must be %s or %s, got %q",
			ErrConstraintViolation, PatternSuccess, PatternFailure, p.Type)
	}
	if p.TriggerContext == "" {
		return nil, fmt.Errorf("%w: pattern trigger context required", ErrConstraintViolation)
	}
	if err := s.checkDim(p.Embedding); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observePatternLocked(s.db, p, dedupThreshold)
}

func (s *MemoryStore) observePatternLocked(ex execer, p *Pattern, dedupThreshold float64) (*Pattern, error) {
	now := time.Now()

	if p.Embedding != nil && dedupThreshold > 0 {
		match, err := s.mostSimilarPatternLocked(ex, p.Type, p.Embedding)
		if err != nil {
			return nil, err
		}
		if match != nil && match.similarity >= dedupThreshold {
			// A correction learned later refines the merged pattern.
			var correction sql.NullString
			if p.CorrectionStrategy != nil {
				correction = sql.NullString{String: *p.CorrectionStrategy, Valid: true}
			}
			_, err := ex.Exec(`
				UPDATE patterns SET
					frequency = frequency + 1,
					last_seen = ?,
					correction_strategy = COALESCE(?, correction_strategy)
				WHERE id = ?`,
				fmtTime(now), correction, match.id)
			if err != nil {
				return nil, fmt.Errorf("failed to bump pattern frequency: %w", err)
			}
			logging.StoreDebug("pattern %q merged into %s (sim=%.3f)", p.TriggerContext, match.id, match.similarity)
			return s.getPatternLocked(ex, match.id)
		}
	}

	meta, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, err
	}
	var correction sql.NullString
	if p.CorrectionStrategy != nil {
		correction = sql.NullString{String: *p.CorrectionStrategy, Valid: true}
	}
	id := uuid.New().String()
	_, err = ex.Exec(`
		INSERT INTO patterns (id, type, trigger_context, approach_summary, outcome_result,
			correction_strategy, embedding, frequency, archived, metadata, created_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0, ?, ?, ?)`,
		id, p.Type, p.TriggerContext, p.ApproachSummary, p.OutcomeResult,
		correction, EncodeVector(p.Embedding), meta, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to insert pattern: %w", err)
	}

	return s.getPatternLocked(ex, id)
}

type patternMatch struct {
	id         string
	similarity float64
}

func (s *MemoryStore) mostSimilarPatternLocked(ex execer, ptype string, query []float32) (*patternMatch, error) {
	rows, err := ex.Query(
		"SELECT id, embedding FROM patterns WHERE type = ? AND archived = 0 AND embedding IS NOT NULL", ptype)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var best *patternMatch
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		emb, err := DecodeVector(blob)
		if err != nil || len(emb) != len(query) {
			continue
		}
		sim, err := cosine(query, emb)
		if err != nil {
			continue
		}
		if best == nil || sim > best.similarity {
			best = &patternMatch{id: id, similarity: sim}
		}
	}
	return best, rows.Err()
}

// IncrementPatternFrequency bumps a pattern's frequency counter and
// last_seen in a single atomic update.
func (s *MemoryStore) IncrementPatternFrequency(id string) (*Pattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"UPDATE patterns SET frequency = frequency + 1, last_seen = ? WHERE id = ?",
		fmtTime(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("failed to bump pattern frequency: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: pattern %s", ErrNotFound, id)
	}
	return s.getPatternLocked(s.db, id)
}

// GetPattern returns the pattern with the given ID, archived or not.
func (s *MemoryStore) GetPattern(id string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPatternLocked(s.db, id)
}

func (s *MemoryStore) getPatternLocked(ex execer, id string) (*Pattern, error) {
	row := ex.QueryRow("SELECT "+patternColumns+" FROM patterns WHERE id = ?", id)
	return scanPattern(row)
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var (
		p          Pattern
		correction sql.NullString
		blob       []byte
		meta       sql.NullString
		createdAt  string
		lastSeen   string
	)
	err := row.Scan(&p.ID, &p.Type, &p.TriggerContext, &p.ApproachSummary, &p.OutcomeResult,
		&correction, &blob, &p.Frequency, &p.Archived, &meta, &createdAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan pattern: %w", err)
	}

	if correction.Valid {
		p.CorrectionStrategy = &correction.String
	}
	if p.Embedding, err = DecodeVector(blob); err != nil {
		return nil, err
	}
	if p.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at on pattern %s: %w", p.ID, err)
	}
	if p.LastSeen, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("bad last_seen on pattern %s: %w", p.ID, err)
	}
	return &p, nil
}

// SimilarPatterns returns up to k live patterns ranked by cosine
// similarity to the query embedding.
func (s *MemoryStore) SimilarPatterns(query []float32, k int) ([]*Pattern, error) {
	if err := s.checkDim(query); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []*Pattern{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	all, err := s.listPatternsLocked(
		"SELECT " + patternColumns + " FROM patterns WHERE archived = 0 AND embedding IS NOT NULL")
	if err != nil {
		return nil, err
	}

	type scored struct {
		p   *Pattern
		sim float64
	}
	ranked := make([]scored, 0, len(all))
	for _, p := range all {
		if len(p.Embedding) != len(query) {
			continue
		}
		sim, err := cosine(query, p.Embedding)
		if err != nil {
			continue
		}
		ranked = append(ranked, scored{p, sim})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].sim > ranked[j].sim })

	if len(ranked) > k {
		ranked = ranked[:k]
	}
	out := make([]*Pattern, len(ranked))
	for i, r := range ranked {
		out[i] = r.p
	}
	return out, nil
}

// ListPatterns returns all live patterns ordered by frequency.
func (s *MemoryStore) ListPatterns() ([]*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listPatternsLocked(
		"SELECT " + patternColumns + " FROM patterns WHERE archived = 0 ORDER BY frequency DESC")
}

func (s *MemoryStore) listPatternsLocked(query string, args ...interface{}) ([]*Pattern, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("pattern query failed: %w", err)
	}
	defer rows.Close()

	var patterns []*Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
