// Package consolidation implements the sleep cycle: episodic memory is
// distilled into graph structure and execution patterns, low-utility
// skills and patterns are pruned, and stale episodes are archived.
package consolidation

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"engramd/internal/config"
	"engramd/internal/embedding"
	"engramd/internal/logging"
	"engramd/internal/store"
)

// Report summarizes one consolidation cycle.
type Report struct {
	RunID                int64
	Started              time.Time
	Duration             time.Duration
	EpisodesConsolidated int
	NodesUpserted        int
	EdgesObserved        int
	PatternsUpdated      int
	SkillsPruned         int
	PatternsPruned       int
	EpisodesArchived     int
	Skipped              bool
}

// Engine runs consolidation cycles. At most one cycle runs at a time;
// a second caller gets store.ErrConsolidationInProgress.
type Engine struct {
	store     *store.MemoryStore
	extractor Extractor
	embedder  embedding.Engine
	cfg       config.ConsolidationConfig
	sem       *semaphore.Weighted

	now func() time.Time
}

// New creates a consolidation engine. A nil extractor gets the keyword
// heuristic.
func New(st *store.MemoryStore, extractor Extractor, embedder embedding.Engine, cfg config.ConsolidationConfig) *Engine {
	if extractor == nil {
		extractor = NewHeuristicExtractor(cfg.EdgeWeightIncrement)
	}
	return &Engine{
		store:     st,
		extractor: extractor,
		embedder:  embedder,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(1),
		now:       time.Now,
	}
}

// MaybeConsolidate runs a global cycle only once enough distinct runs
// have accumulated unconsolidated episodes. Returns (nil, nil) when
// the cadence has not been reached.
func (e *Engine) MaybeConsolidate(ctx context.Context) (*Report, error) {
	runs, err := e.store.UnconsolidatedRunCount()
	if err != nil {
		return nil, err
	}
	if runs < e.cfg.EveryNRuns {
		logging.ConsolidationDebug("cadence not reached: %d/%d runs", runs, e.cfg.EveryNRuns)
		return nil, nil
	}
	return e.Consolidate(ctx, "")
}

// Consolidate runs one full cycle: extract graph structure and
// execution patterns from the unconsolidated episode batch, commit it,
// prune low-utility skills and patterns, and archive episodes past
// retention. A non-empty runID restricts distillation to that run's
// episodes.
func (e *Engine) Consolidate(ctx context.Context, scopeRunID string) (*Report, error) {
	if !e.sem.TryAcquire(1) {
		return nil, store.ErrConsolidationInProgress
	}
	defer e.sem.Release(1)

	started := e.now()
	timer := logging.StartTimer(logging.CategoryConsolidation, "consolidate")
	defer timer.Stop()

	runID, err := e.store.StartConsolidationRun()
	if err != nil {
		return nil, err
	}
	report := &Report{RunID: runID, Started: started}

	episodes, err := e.store.UnconsolidatedEpisodes(scopeRunID, e.cfg.EpisodeBatchSize)
	if err != nil {
		return nil, err
	}

	if len(episodes) > 0 {
		if err := e.distill(ctx, episodes, report); err != nil {
			return nil, err
		}
	}

	if err := e.pruneSkills(report); err != nil {
		return nil, err
	}
	if err := e.prunePatterns(report); err != nil {
		return nil, err
	}

	if e.cfg.EpisodeRetentionDays > 0 {
		cutoff := e.now().AddDate(0, 0, -e.cfg.EpisodeRetentionDays)
		archived, err := e.store.ArchiveEpisodes(cutoff, e.cfg.ArchiveMaxImportance, e.cfg.HardDelete)
		if err != nil {
			return nil, err
		}
		report.EpisodesArchived = archived
	}

	report.Duration = e.now().Sub(started)
	err = e.store.FinishConsolidationRun(runID, store.ConsolidationRunTotals{
		EpisodesConsolidated: report.EpisodesConsolidated,
		NodesCreated:         report.NodesUpserted,
		EdgesCreated:         report.EdgesObserved,
		SkillsPruned:         report.SkillsPruned,
		PatternsPruned:       report.PatternsPruned,
		PatternsUpdated:      report.PatternsUpdated,
		EpisodesArchived:     report.EpisodesArchived,
	})
	if err != nil {
		return nil, err
	}

	logging.Consolidation("cycle %d done in %v: %d episodes, %d nodes, %d edges, %d patterns, pruned %d skills %d patterns, archived %d",
		runID, report.Duration, report.EpisodesConsolidated, report.NodesUpserted,
		report.EdgesObserved, report.PatternsUpdated, report.SkillsPruned,
		report.PatternsPruned, report.EpisodesArchived)
	return report, nil
}

// distill extracts graph structure and patterns from episodes, commits
// the graph batch along with the consolidated markers, then observes
// the extracted patterns.
func (e *Engine) distill(ctx context.Context, episodes []*store.Episode, report *Report) error {
	ext, err := e.extractor.Extract(episodes)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	e.embedNodes(ctx, ext.Nodes)
	e.embedPatterns(ctx, ext.Patterns)

	episodeIDs := make([]string, len(episodes))
	for i, ep := range episodes {
		episodeIDs[i] = ep.ID
	}

	result, err := e.store.ApplyConsolidation(&store.ConsolidationBatch{
		Nodes:      ext.Nodes,
		Edges:      ext.Edges,
		EpisodeIDs: episodeIDs,
	})
	if err != nil {
		return err
	}

	for _, p := range ext.Patterns {
		if _, err := e.store.ObservePattern(p, e.cfg.PatternDedupSimilarity); err != nil {
			return fmt.Errorf("pattern observation failed: %w", err)
		}
		report.PatternsUpdated++
	}

	report.EpisodesConsolidated = result.EpisodesMarked
	report.NodesUpserted = result.NodesUpserted
	report.EdgesObserved = result.EdgesObserved
	return nil
}

// embedNodes attaches embeddings to extracted nodes. Embedding failures
// degrade to graph-only nodes rather than aborting the cycle.
func (e *Engine) embedNodes(ctx context.Context, nodes []*store.Node) {
	if e.embedder == nil || len(nodes) == 0 {
		return
	}
	if _, ok := e.embedder.(*embedding.NullEngine); ok {
		return
	}

	texts := make([]string, len(nodes))
	for i, n := range nodes {
		texts[i] = n.Label + " " + n.Name + ": " + n.ContentSummary
	}

	embs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("embedding batch failed, storing graph-only nodes: %v", err)
		return
	}
	for i, n := range nodes {
		n.Embedding = embs[i]
	}
}

// embedPatterns attaches embeddings over the trigger context so that
// near-duplicate patterns merge instead of piling up.
func (e *Engine) embedPatterns(ctx context.Context, patterns []*store.Pattern) {
	if e.embedder == nil || len(patterns) == 0 {
		return
	}
	if _, ok := e.embedder.(*embedding.NullEngine); ok {
		return
	}

	texts := make([]string, len(patterns))
	for i, p := range patterns {
		texts[i] = p.Type + " " + p.TriggerContext
	}

	embs, err := e.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		logging.Get(logging.CategoryConsolidation).Warn("embedding batch failed, storing unembedded patterns: %v", err)
		return
	}
	for i, p := range patterns {
		p.Embedding = embs[i]
	}
}

// pruneSkills archives skills whose utility has fallen below the
// threshold. Skills with at least MinTimesUsed invocations have proven
// themselves and are never pruned, and anything touched within
// StalenessDays is left alone regardless of score.
func (e *Engine) pruneSkills(report *Report) error {
	skills, err := e.store.ListSkills()
	if err != nil {
		return err
	}

	now := e.now()
	staleBefore := now.AddDate(0, 0, -e.cfg.StalenessDays)
	var doomed []string
	for _, sk := range skills {
		if sk.TimesUsed >= int64(e.cfg.MinTimesUsed) {
			continue
		}
		ref := sk.CreatedAt
		if sk.LastUsed != nil {
			ref = *sk.LastUsed
		}
		if ref.After(staleBefore) {
			continue
		}
		u := SkillUtility(sk, now, e.cfg)
		if u < e.cfg.LowUtilityThreshold {
			logging.ConsolidationDebug("pruning skill %s (utility=%.3f)", sk.Name, u)
			doomed = append(doomed, sk.Name)
		}
	}

	pruned, err := e.store.PruneSkills(doomed, e.cfg.HardDelete)
	if err != nil {
		return err
	}
	report.SkillsPruned = pruned
	return nil
}

func (e *Engine) prunePatterns(report *Report) error {
	patterns, err := e.store.ListPatterns()
	if err != nil {
		return err
	}

	now := e.now()
	staleBefore := now.AddDate(0, 0, -e.cfg.StalenessDays)
	var doomed []string
	for _, p := range patterns {
		if p.Frequency >= int64(e.cfg.MinTimesUsed) {
			continue
		}
		if p.LastSeen.After(staleBefore) {
			continue
		}
		u := PatternUtility(p, now, e.cfg)
		if u < e.cfg.LowUtilityThreshold {
			logging.ConsolidationDebug("pruning pattern %s (utility=%.3f)", p.ID, u)
			doomed = append(doomed, p.ID)
		}
	}

	pruned, err := e.store.PrunePatterns(doomed, e.cfg.HardDelete)
	if err != nil {
		return err
	}
	report.PatternsPruned = pruned
	return nil
}
