// Package retrieval ranks memory nodes for a query by blending semantic
// relevance, stored importance and recency of access.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"engramd/internal/config"
	"engramd/internal/embedding"
	"engramd/internal/logging"
	"engramd/internal/store"
)

// ScoredNode is a retrieval hit with its score breakdown.
type ScoredNode struct {
	Node      *store.Node
	Relevance float64
	Recency   float64
	Score     float64
}

// Engine performs hybrid retrieval over the memory store.
type Engine struct {
	store    *store.MemoryStore
	embedder embedding.Engine
	cfg      config.RetrievalConfig

	// now is replaceable for deterministic recency in tests.
	now func() time.Time
}

// New creates a retrieval engine.
func New(st *store.MemoryStore, embedder embedding.Engine, cfg config.RetrievalConfig) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		cfg:      cfg,
		now:      time.Now,
	}
}

// RetrieveContext embeds the query text and ranks memory against it.
func (e *Engine) RetrieveContext(ctx context.Context, query string, limit int, minScore float64) ([]ScoredNode, error) {
	if query == "" {
		return nil, fmt.Errorf("query text required")
	}

	queryEmb, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	return e.Retrieve(ctx, queryEmb, limit, minScore)
}

// Retrieve ranks all valid embedded nodes against the query embedding.
// Each node's score blends three signals:
//
//	score = Wrel*relevance + Wimp*importance + Wrec*recency
//
// where relevance is cosine similarity clamped to [0,1] and recency
// decays exponentially with seconds since last access. Results are
// sorted by score descending, ties broken by most recent access, and
// hits below minScore are dropped. limit <= 0 returns an empty slice.
func (e *Engine) Retrieve(ctx context.Context, queryEmb []float32, limit int, minScore float64) ([]ScoredNode, error) {
	if limit <= 0 {
		return []ScoredNode{}, nil
	}
	if len(queryEmb) != e.store.Dimensions() {
		return nil, fmt.Errorf("%w: query embedding has %d dimensions, store expects %d",
			store.ErrDimensionMismatch, len(queryEmb), e.store.Dimensions())
	}

	timer := logging.StartTimer(logging.CategoryRetrieval, fmt.Sprintf("retrieve(limit=%d)", limit))
	defer timer.StopWithThreshold(500 * time.Millisecond)

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	candidates, err := e.store.ValidEmbeddedNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	now := e.now()
	scored := make([]ScoredNode, 0, len(candidates))
	for _, n := range candidates {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: retrieval cut short after %d candidates",
					store.ErrTimeout, len(scored))
			}
			return nil, err
		}

		sim, err := embedding.CosineSimilarity(queryEmb, n.Embedding)
		if err != nil {
			// Dimension drift from an older embedding model. Skip.
			logging.RetrievalDebug("skipping node %s: %v", n.ID, err)
			continue
		}
		relevance := clamp01(sim)
		recency := e.recency(n.LastAccessed, now)
		score := e.cfg.RelevanceWeight*relevance +
			e.cfg.ImportanceWeight*n.Importance +
			e.cfg.RecencyWeight*recency
		if score < minScore {
			continue
		}

		scored = append(scored, ScoredNode{
			Node:      n,
			Relevance: relevance,
			Recency:   recency,
			Score:     score,
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Node.LastAccessed.After(scored[j].Node.LastAccessed)
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}

	if e.cfg.TouchOnRead && len(scored) > 0 {
		ids := make([]string, len(scored))
		for i, sn := range scored {
			ids[i] = sn.Node.ID
		}
		if err := e.store.TouchNodes(ids); err != nil {
			return nil, fmt.Errorf("failed to touch retrieved nodes: %w", err)
		}
	}

	logging.Retrieval("retrieved %d/%d candidates", len(scored), len(candidates))
	return scored, nil
}

// recency decays exponentially with age: exp(-lambda * seconds).
// A node accessed just now scores 1.
func (e *Engine) recency(lastAccessed, now time.Time) float64 {
	age := now.Sub(lastAccessed).Seconds()
	if age < 0 {
		age = 0
	}
	return math.Exp(-e.cfg.DecayLambda * age)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
