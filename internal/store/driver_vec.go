//go:build sqlite_vec && cgo

package store

import (
	"context"
	"fmt"

	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// CGO driver with the sqlite-vec extension loaded. Distance is computed
// inside SQLite via vec_distance_cosine.
const (
	driverName = "sqlite3"
	vecEnabled = true
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension.
	vec.Auto()
}

// nearestVec pushes distance computation into SQLite. Ordering and
// limiting happen in SQL, so only k rows cross the driver boundary.
func (s *MemoryStore) nearestVec(ctx context.Context, query []float32, label string, k int, asOf string) ([]ScoredMatch, error) {
	blob := EncodeVector(query)

	q := `SELECT id, vec_distance_cosine(embedding, ?) AS dist
		FROM nodes
		WHERE embedding IS NOT NULL AND ` + validWhere
	args := []interface{}{blob, asOf}
	if label != "" {
		q += " AND label = ?"
		args = append(args, label)
	}
	q += " ORDER BY dist ASC LIMIT ?"
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	defer rows.Close()

	var matches []ScoredMatch
	for rows.Next() {
		var m ScoredMatch
		var dist float64
		if err := rows.Scan(&m.NodeID, &dist); err != nil {
			return nil, err
		}
		m.Similarity = 1 - dist
		matches = append(matches, m)
	}
	return matches, rows.Err()
}
