package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"engramd/internal/logging"
)

const nodeColumns = `id, label, name, description, content_summary, embedding,
	importance, metadata, created_at, valid_from, valid_until, last_accessed, access_count`

// UpsertNode inserts a node or merges into the existing node with the
// same (label, name). A merge refreshes description, content summary,
// embedding, importance and metadata, and reopens the node if it had
// been invalidated. The stored node is returned.
func (s *MemoryStore) UpsertNode(n *Node) (*Node, error) {
	if n.Label == "" || n.Name == "" {
		return nil, fmt.Errorf("%w: node label and name required", ErrConstraintViolation)
	}
	if len(n.Label) > maxLabelLen {
		return nil, fmt.Errorf("%w: label exceeds %d bytes", ErrConstraintViolation, maxLabelLen)
	}
	if err := s.checkDim(n.Embedding); err != nil {
		return nil, err
	}
	if n.Importance < 0 || n.Importance > 1 {
		return nil, fmt.Errorf("%w: importance %f out of [0,1]", ErrConstraintViolation, n.Importance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertNodeLocked(s.db, n)
}

// execer abstracts *sql.DB and *sql.Tx so upserts run standalone or
// inside a consolidation transaction.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func (s *MemoryStore) upsertNodeLocked(ex execer, n *Node) (*Node, error) {
	now := time.Now()
	meta, err := marshalMetadata(n.Metadata)
	if err != nil {
		return nil, err
	}

	id := n.ID
	if id == "" {
		id = uuid.New().String()
	}
	validFrom := n.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}

	_, err = ex.Exec(`
		INSERT INTO nodes (id, label, name, description, content_summary, embedding,
			importance, metadata, created_at, valid_from, valid_until, last_accessed, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, 0)
		ON CONFLICT(label, name) DO UPDATE SET
			description = excluded.description,
			content_summary = excluded.content_summary,
			embedding = COALESCE(excluded.embedding, nodes.embedding),
			importance = excluded.importance,
			metadata = COALESCE(excluded.metadata, nodes.metadata),
			valid_until = NULL`,
		id, n.Label, n.Name, n.Description, n.ContentSummary, EncodeVector(n.Embedding),
		n.Importance, meta, fmtTime(now), fmtTime(validFrom), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert node %s/%s: %w", n.Label, n.Name, err)
	}

	logging.StoreDebug("upserted node %s/%s", n.Label, n.Name)
	return s.getNodeByNameLocked(ex, n.Label, n.Name)
}

// GetNode returns the node with the given ID regardless of validity.
func (s *MemoryStore) GetNode(id string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow("SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
	return scanNode(row)
}

// GetNodeByName returns the node identified by (label, name).
func (s *MemoryStore) GetNodeByName(label, name string) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getNodeByNameLocked(s.db, label, name)
}

func (s *MemoryStore) getNodeByNameLocked(ex execer, label, name string) (*Node, error) {
	row := ex.QueryRow("SELECT "+nodeColumns+" FROM nodes WHERE label = ? AND name = ?", label, name)
	return scanNode(row)
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n          Node
		blob       []byte
		meta       sql.NullString
		createdAt  string
		validFrom  string
		validUntil sql.NullString
		accessed   string
	)
	err := row.Scan(&n.ID, &n.Label, &n.Name, &n.Description, &n.ContentSummary, &blob,
		&n.Importance, &meta, &createdAt, &validFrom, &validUntil, &accessed, &n.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	if n.Embedding, err = DecodeVector(blob); err != nil {
		return nil, err
	}
	if n.Metadata, err = unmarshalMetadata(meta); err != nil {
		return nil, err
	}
	if n.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at on node %s: %w", n.ID, err)
	}
	if n.ValidFrom, err = parseTime(validFrom); err != nil {
		return nil, fmt.Errorf("bad valid_from on node %s: %w", n.ID, err)
	}
	if n.ValidUntil, err = parseNullTime(validUntil); err != nil {
		return nil, fmt.Errorf("bad valid_until on node %s: %w", n.ID, err)
	}
	if n.LastAccessed, err = parseTime(accessed); err != nil {
		return nil, fmt.Errorf("bad last_accessed on node %s: %w", n.ID, err)
	}
	return &n, nil
}

// TouchNodes records an access on each node: last_accessed moves to now
// and access_count increments, in a single statement per node so
// concurrent touches never lose counts.
func (s *MemoryStore) TouchNodes(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := fmtTime(time.Now())
	for _, id := range ids {
		_, err := s.db.Exec(
			"UPDATE nodes SET last_accessed = ?, access_count = access_count + 1 WHERE id = ?",
			now, id)
		if err != nil {
			return fmt.Errorf("failed to touch node %s: %w", id, err)
		}
	}
	return nil
}

// InvalidateNode closes the node's validity interval at the given time
// and cascades to every open edge touching it. Returns ErrNotFound if
// the node does not exist, ErrConstraintViolation if it is already
// closed, and ErrInvalidTemporalRange if at precedes valid_from.
func (s *MemoryStore) InvalidateNode(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var validFrom string
	var validUntil sql.NullString
	err := s.db.QueryRow("SELECT valid_from, valid_until FROM nodes WHERE id = ?", id).
		Scan(&validFrom, &validUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if validUntil.Valid {
		return fmt.Errorf("%w: node %s already invalidated", ErrConstraintViolation, id)
	}
	from, err := parseTime(validFrom)
	if err != nil {
		return fmt.Errorf("bad valid_from on node %s: %w", id, err)
	}
	if at.Before(from) {
		return fmt.Errorf("%w: invalidation time %s precedes valid_from %s",
			ErrInvalidTemporalRange, at.Format(time.RFC3339), from.Format(time.RFC3339))
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	atStr := fmtTime(at)
	if _, err := tx.Exec("UPDATE nodes SET valid_until = ? WHERE id = ?", atStr, id); err != nil {
		return fmt.Errorf("failed to invalidate node %s: %w", id, err)
	}
	res, err := tx.Exec(
		"UPDATE edges SET valid_until = ? WHERE (source_id = ? OR target_id = ?) AND valid_until IS NULL",
		atStr, id, id)
	if err != nil {
		return fmt.Errorf("failed to cascade invalidation from node %s: %w", id, err)
	}
	cascaded, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Store("invalidated node %s (cascaded to %d edges)", id, cascaded)
	return nil
}

// ValidEmbeddedNodes returns every node that is valid now and carries
// an embedding, the candidate set for hybrid retrieval.
func (s *MemoryStore) ValidEmbeddedNodes() ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT "+nodeColumns+" FROM nodes WHERE embedding IS NOT NULL AND "+validWhere,
		fmtTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// NodesByIDs returns the nodes for the given IDs, preserving input
// order. Missing IDs are skipped.
func (s *MemoryStore) NodesByIDs(ids []string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		row := s.db.QueryRow("SELECT "+nodeColumns+" FROM nodes WHERE id = ?", id)
		n, err := scanNode(row)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
