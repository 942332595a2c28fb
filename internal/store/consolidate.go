package store

import (
	"fmt"
	"time"

	"engramd/internal/logging"
)

// NodeRef identifies a node by its (label, name) key, used when the
// node's ID is not yet known.
type NodeRef struct {
	Label string
	Name  string
}

// EdgeObservation is one edge assertion produced by extraction. Nodes
// are referenced by key because they may be created in the same batch.
type EdgeObservation struct {
	Source    NodeRef
	Relation  string
	Target    NodeRef
	Increment float64
}

// ConsolidationBatch is the unit of work a consolidation cycle commits:
// extracted nodes, edge observations between them, and the episodes the
// batch was distilled from.
type ConsolidationBatch struct {
	Nodes      []*Node
	Edges      []EdgeObservation
	EpisodeIDs []string
}

// BatchResult reports what a committed batch changed.
type BatchResult struct {
	NodesUpserted  int
	EdgesObserved  int
	EpisodesMarked int
}

// ApplyConsolidation commits a batch atomically: all nodes are
// upserted, all edges observed and all source episodes marked
// consolidated, or none of it happens.
func (s *MemoryStore) ApplyConsolidation(batch *ConsolidationBatch) (*BatchResult, error) {
	for _, n := range batch.Nodes {
		if n.Label == "" || n.Name == "" {
			return nil, fmt.Errorf("%w: batch node missing label or name", ErrConstraintViolation)
		}
		if err := s.checkDim(n.Embedding); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryConsolidation,
		fmt.Sprintf("applyBatch(nodes=%d, edges=%d, episodes=%d)",
			len(batch.Nodes), len(batch.Edges), len(batch.EpisodeIDs)))
	defer timer.Stop()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	result := &BatchResult{}

	for _, n := range batch.Nodes {
		if _, err := s.upsertNodeLocked(tx, n); err != nil {
			return nil, err
		}
		result.NodesUpserted++
	}

	for _, obs := range batch.Edges {
		src, err := s.getNodeByNameLocked(tx, obs.Source.Label, obs.Source.Name)
		if err != nil {
			return nil, fmt.Errorf("edge source %s/%s: %w", obs.Source.Label, obs.Source.Name, err)
		}
		dst, err := s.getNodeByNameLocked(tx, obs.Target.Label, obs.Target.Name)
		if err != nil {
			return nil, fmt.Errorf("edge target %s/%s: %w", obs.Target.Label, obs.Target.Name, err)
		}
		if src.ID == dst.ID {
			continue
		}
		if _, err := s.observeEdgeLocked(tx, src.ID, obs.Relation, dst.ID, obs.Increment); err != nil {
			return nil, err
		}
		result.EdgesObserved++
	}

	now := fmtTime(time.Now())
	for _, id := range batch.EpisodeIDs {
		res, err := tx.Exec(
			"UPDATE episodes SET consolidated_at = ? WHERE id = ? AND consolidated_at IS NULL",
			now, id)
		if err != nil {
			return nil, fmt.Errorf("failed to mark episode %s consolidated: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			result.EpisodesMarked++
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	logging.Consolidation("batch committed: %d nodes, %d edges, %d episodes",
		result.NodesUpserted, result.EdgesObserved, result.EpisodesMarked)
	return result, nil
}

// PruneSkills retires the named skills. By default they are flagged
// archived and drop out of listings and utility scoring but stay
// retrievable by name; with hardDelete the rows are removed outright.
// Returns how many were affected.
func (s *MemoryStore) PruneSkills(names []string, hardDelete bool) (int, error) {
	if len(names) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := "UPDATE skills SET archived = 1, updated_at = ? WHERE archived = 0 AND name = ?"
	if hardDelete {
		query = "DELETE FROM skills WHERE name = ?"
	}
	now := fmtTime(time.Now())

	pruned := 0
	for _, name := range names {
		args := []interface{}{now, name}
		if hardDelete {
			args = []interface{}{name}
		}
		res, err := s.db.Exec(query, args...)
		if err != nil {
			return pruned, fmt.Errorf("failed to prune skill %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			pruned++
		}
	}
	return pruned, nil
}

// PrunePatterns retires the identified patterns, archiving by default
// and deleting only with hardDelete. Returns how many were affected.
func (s *MemoryStore) PrunePatterns(ids []string, hardDelete bool) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := "UPDATE patterns SET archived = 1 WHERE archived = 0 AND id = ?"
	if hardDelete {
		query = "DELETE FROM patterns WHERE id = ?"
	}

	pruned := 0
	for _, id := range ids {
		res, err := s.db.Exec(query, id)
		if err != nil {
			return pruned, fmt.Errorf("failed to prune pattern %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			pruned++
		}
	}
	return pruned, nil
}

// ArchiveEpisodes retires consolidated episodes created before the
// cutoff whose importance is below maxImportance. With hardDelete they
// are removed outright; otherwise they are flagged archived and
// excluded from the working buffer but remain replayable. Returns how
// many episodes were affected.
func (s *MemoryStore) ArchiveEpisodes(before time.Time, maxImportance float64, hardDelete bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := fmtTime(before)
	var query string
	if hardDelete {
		query = "DELETE FROM episodes WHERE consolidated_at IS NOT NULL AND created_at < ? AND importance < ?"
	} else {
		query = "UPDATE episodes SET archived = 1 WHERE consolidated_at IS NOT NULL AND archived = 0 AND created_at < ? AND importance < ?"
	}

	res, err := s.db.Exec(query, cutoff, maxImportance)
	if err != nil {
		return 0, fmt.Errorf("failed to archive episodes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	logging.Consolidation("archived %d episodes before %s (hard=%v)", n, cutoff, hardDelete)
	return int(n), nil
}

// UnconsolidatedRunCount returns how many distinct runs have episodes
// waiting for consolidation. Drives the sleep-cycle cadence.
func (s *MemoryStore) UnconsolidatedRunCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(DISTINCT run_id) FROM episodes WHERE consolidated_at IS NULL AND archived = 0").
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unconsolidated runs: %w", err)
	}
	return n, nil
}

// StartConsolidationRun opens a bookkeeping row for a cycle and returns
// its ID.
func (s *MemoryStore) StartConsolidationRun() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		"INSERT INTO consolidation_runs (started_at) VALUES (?)", fmtTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("failed to start consolidation run: %w", err)
	}
	return res.LastInsertId()
}

// ConsolidationRunTotals are the counters recorded when a cycle ends.
type ConsolidationRunTotals struct {
	EpisodesConsolidated int
	NodesCreated         int
	EdgesCreated         int
	SkillsPruned         int
	PatternsPruned       int
	PatternsUpdated      int
	EpisodesArchived     int
}

// FinishConsolidationRun closes a bookkeeping row with the cycle's
// totals.
func (s *MemoryStore) FinishConsolidationRun(id int64, totals ConsolidationRunTotals) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE consolidation_runs SET
			finished_at = ?,
			episodes_consolidated = ?,
			nodes_created = ?,
			edges_created = ?,
			skills_pruned = ?,
			patterns_pruned = ?,
			patterns_updated = ?,
			episodes_archived = ?
		WHERE id = ?`,
		fmtTime(time.Now()), totals.EpisodesConsolidated, totals.NodesCreated,
		totals.EdgesCreated, totals.SkillsPruned, totals.PatternsPruned,
		totals.PatternsUpdated, totals.EpisodesArchived, id)
	if err != nil {
		return fmt.Errorf("failed to finish consolidation run %d: %w", id, err)
	}
	return nil
}
