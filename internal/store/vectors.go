package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"engramd/internal/logging"
)

// EncodeVector serializes an embedding as little-endian float32 bytes,
// the layout sqlite-vec expects for BLOB vectors.
func EncodeVector(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes a BLOB produced by EncodeVector.
func DecodeVector(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("%w: blob length %d is not a multiple of 4", ErrDimensionMismatch, len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// checkDim validates an embedding against the store's dimensionality.
// nil embeddings are allowed (graph-only nodes).
func (s *MemoryStore) checkDim(v []float32) error {
	if v == nil {
		return nil
	}
	if len(v) != s.dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), s.dim)
	}
	return nil
}

// UpsertEmbedding replaces the stored embedding of an existing node.
// The write is visible to any search issued after it returns.
func (s *MemoryStore) UpsertEmbedding(nodeID string, vec []float32) error {
	if vec == nil {
		return fmt.Errorf("%w: embedding required", ErrConstraintViolation)
	}
	if err := s.checkDim(vec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("UPDATE nodes SET embedding = ? WHERE id = ?", EncodeVector(vec), nodeID)
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: node %s", ErrNotFound, nodeID)
	}
	logging.StoreDebug("embedding updated for node %s", nodeID)
	return nil
}

// ScoredMatch pairs a node ID with its cosine similarity to a query.
type ScoredMatch struct {
	NodeID     string
	Similarity float64
}

// Nearest returns the k valid nodes whose embeddings are closest to
// query by cosine similarity, optionally restricted to one label.
// Nodes without embeddings are skipped. A context deadline cuts the
// search short with ErrTimeout.
func (s *MemoryStore) Nearest(ctx context.Context, query []float32, label string, k int) ([]ScoredMatch, error) {
	if err := s.checkDim(query); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, fmt.Errorf("%w: query embedding required", ErrConstraintViolation)
	}
	if k <= 0 {
		return []ScoredMatch{}, nil
	}

	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("nearest(k=%d)", k))
	defer timer.StopWithThreshold(200 * time.Millisecond)

	s.mu.RLock()
	defer s.mu.RUnlock()

	asOf := fmtTime(time.Now())
	var (
		matches []ScoredMatch
		err     error
	)
	if vecEnabled {
		matches, err = s.nearestVec(ctx, query, label, k, asOf)
	} else {
		matches, err = s.nearestScan(ctx, query, label, k, asOf)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, err
	}
	return matches, nil
}

// nearestScan brute-forces cosine similarity in Go. Candidate rows are
// streamed from SQLite and the context is checked between rows so long
// scans respect deadlines.
func (s *MemoryStore) nearestScan(ctx context.Context, query []float32, label string, k int, asOf string) ([]ScoredMatch, error) {
	q := "SELECT id, embedding FROM nodes WHERE embedding IS NOT NULL AND " + validWhere
	args := []interface{}{asOf}
	if label != "" {
		q += " AND label = ?"
		args = append(args, label)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan failed: %w", err)
	}
	defer rows.Close()

	var matches []ScoredMatch
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		emb, err := DecodeVector(blob)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("skipping node %s with corrupt embedding: %v", id, err)
			continue
		}
		if len(emb) != len(query) {
			continue
		}
		sim, err := cosine(query, emb)
		if err != nil {
			continue
		}
		matches = append(matches, ScoredMatch{NodeID: id, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		af, bf := float64(a[i]), float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
