//go:build !sqlite_vec || !cgo

package store

import (
	"context"

	_ "modernc.org/sqlite"
)

// Pure-Go driver. No CGO toolchain required.
const (
	driverName = "sqlite"
	vecEnabled = false
)

// nearestVec is never reached without the sqlite_vec build tag; the
// pure-Go scan handles all searches.
func (s *MemoryStore) nearestVec(ctx context.Context, query []float32, label string, k int, asOf string) ([]ScoredMatch, error) {
	return s.nearestScan(ctx, query, label, k, asOf)
}
