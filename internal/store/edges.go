package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"engramd/internal/logging"
)

const edgeColumns = `id, source_id, target_id, relation, weight, metadata,
	valid_from, valid_until, observed`

func validateEdgeEndpoints(sourceID, targetID, relation string) error {
	if sourceID == "" || targetID == "" || relation == "" {
		return fmt.Errorf("%w: edge endpoints and relation required", ErrConstraintViolation)
	}
	if len(relation) > maxRelationLen {
		return fmt.Errorf("%w: relation exceeds %d bytes", ErrConstraintViolation, maxRelationLen)
	}
	if sourceID == targetID {
		return fmt.Errorf("%w: self-loop edge on node %s", ErrConstraintViolation, sourceID)
	}
	return nil
}

// AddEdge asserts a relation between two nodes, superseding any open
// edge for the same (source, relation, target) triple: the old edge's
// interval is closed at the new edge's valid_from and a fresh edge is
// inserted. Both endpoints must exist.
func (s *MemoryStore) AddEdge(e *Edge) (*Edge, error) {
	if err := validateEdgeEndpoints(e.SourceID, e.TargetID, e.Relation); err != nil {
		return nil, err
	}
	if e.Weight < 0 {
		return nil, fmt.Errorf("%w: negative edge weight %f", ErrConstraintViolation, e.Weight)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stored, err := s.addEdgeLocked(tx, e)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *MemoryStore) addEdgeLocked(ex execer, e *Edge) (*Edge, error) {
	if err := s.checkEndpointsExist(ex, e.SourceID, e.TargetID); err != nil {
		return nil, err
	}

	now := time.Now()
	validFrom := e.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	fromStr := fmtTime(validFrom)

	// Supersede: close the currently open edge for this triple, if any.
	_, err := ex.Exec(`
		UPDATE edges SET valid_until = ?
		WHERE source_id = ? AND relation = ? AND target_id = ? AND valid_until IS NULL`,
		fromStr, e.SourceID, e.Relation, e.TargetID)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede edge: %w", err)
	}

	meta, err := marshalMetadata(e.Metadata)
	if err != nil {
		return nil, err
	}
	weight := e.Weight
	if weight == 0 {
		weight = 1.0
	}
	id := uuid.New().String()

	_, err = ex.Exec(`
		INSERT INTO edges (id, source_id, target_id, relation, weight, metadata,
			valid_from, valid_until, observed)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, 1)`,
		id, e.SourceID, e.TargetID, e.Relation, weight, meta, fromStr)
	if err != nil {
		return nil, fmt.Errorf("failed to insert edge: %w", err)
	}

	logging.StoreDebug("added edge %s -[%s]-> %s", e.SourceID, e.Relation, e.TargetID)
	return s.getEdgeLocked(ex, id)
}

// ObserveEdge reinforces the open edge for (source, relation, target):
// its weight grows by increment and its observation count by one, in a
// single statement. If no open edge exists one is created with weight
// 1.0. Returns the resulting edge.
func (s *MemoryStore) ObserveEdge(sourceID, relation, targetID string, increment float64) (*Edge, error) {
	if err := validateEdgeEndpoints(sourceID, targetID, relation); err != nil {
		return nil, err
	}
	if increment < 0 {
		return nil, fmt.Errorf("%w: negative weight increment %f", ErrConstraintViolation, increment)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observeEdgeLocked(s.db, sourceID, relation, targetID, increment)
}

func (s *MemoryStore) observeEdgeLocked(ex execer, sourceID, relation, targetID string, increment float64) (*Edge, error) {
	res, err := ex.Exec(`
		UPDATE edges SET weight = weight + ?, observed = observed + 1
		WHERE source_id = ? AND relation = ? AND target_id = ? AND valid_until IS NULL`,
		increment, sourceID, relation, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to reinforce edge: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return s.addEdgeLocked(ex, &Edge{
			SourceID: sourceID,
			TargetID: targetID,
			Relation: relation,
			Weight:   1.0,
		})
	}

	row := ex.QueryRow(`SELECT `+edgeColumns+` FROM edges
		WHERE source_id = ? AND relation = ? AND target_id = ? AND valid_until IS NULL`,
		sourceID, relation, targetID)
	return scanEdge(row)
}

func (s *MemoryStore) checkEndpointsExist(ex execer, sourceID, targetID string) error {
	for _, id := range []string{sourceID, targetID} {
		var one int
		err := ex.QueryRow("SELECT 1 FROM nodes WHERE id = ?", id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: node %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// GetEdge returns the edge with the given ID regardless of validity.
func (s *MemoryStore) GetEdge(id string) (*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEdgeLocked(s.db, id)
}

func (s *MemoryStore) getEdgeLocked(ex execer, id string) (*Edge, error) {
	row := ex.QueryRow("SELECT "+edgeColumns+" FROM edges WHERE id = ?", id)
	return scanEdge(row)
}

func scanEdge(row rowScanner) (*Edge, error) {
	var (
		e          Edge
		meta       sql.NullString
		validFrom  string
		validUntil sql.NullString
	)
	err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &meta,
		&validFrom, &validUntil, &e.Observed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan edge: %w", err)
	}

	if e.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	if e.ValidFrom, err = parseTime(validFrom); err != nil {
		return nil, fmt.Errorf("bad valid_from on edge %s: %w", e.ID, err)
	}
	if e.ValidUntil, err = parseNullTime(validUntil); err != nil {
		return nil, fmt.Errorf("bad valid_until on edge %s: %w", e.ID, err)
	}
	return &e, nil
}

// InvalidateEdge closes the edge's validity interval. Returns
// ErrInvalidTemporalRange if at precedes valid_from.
func (s *MemoryStore) InvalidateEdge(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getEdgeLocked(s.db, id)
	if err != nil {
		return err
	}
	if e.ValidUntil != nil {
		return fmt.Errorf("%w: edge %s already invalidated", ErrNotFound, id)
	}
	if at.Before(e.ValidFrom) {
		return fmt.Errorf("%w: invalidation time %s precedes valid_from %s",
			ErrInvalidTemporalRange, at.Format(time.RFC3339), e.ValidFrom.Format(time.RFC3339))
	}

	_, err = s.db.Exec("UPDATE edges SET valid_until = ? WHERE id = ?", fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to invalidate edge %s: %w", id, err)
	}
	return nil
}

// Neighbors returns the edges valid at the given time that leave or
// enter the node, outgoing first.
func (s *MemoryStore) Neighbors(nodeID string, at time.Time) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEdgesLocked(`
		SELECT `+edgeColumns+` FROM edges
		WHERE (source_id = ? OR target_id = ?)
			AND valid_from <= ? AND `+validWhere+`
		ORDER BY source_id = ? DESC, weight DESC`,
		nodeID, nodeID, fmtTime(at), fmtTime(at), nodeID)
}

// EdgesAt returns every edge valid at the given instant. This is the
// time-travel view of the graph.
func (s *MemoryStore) EdgesAt(at time.Time) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEdgesLocked(`
		SELECT `+edgeColumns+` FROM edges
		WHERE valid_from <= ? AND `+validWhere+`
		ORDER BY valid_from`,
		fmtTime(at), fmtTime(at))
}

// queryEdgesLocked runs an edge query with the read lock already held,
// so Neighbors and EdgesAt never re-enter the mutex.
func (s *MemoryStore) queryEdgesLocked(query string, args ...interface{}) ([]*Edge, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("edge query failed: %w", err)
	}
	defer rows.Close()

	var edges []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
