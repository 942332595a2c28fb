// Package embedding generates vector embeddings for memory content.
// Supports a local Ollama server and Google GenAI as backends.
package embedding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"engramd/internal/config"
	"engramd/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimensionality of embeddings
	Dimensions() int

	// Name returns the engine name
	Name() string
}

// HealthChecker is an optional interface for engines that can verify
// their backend is reachable before batch work starts.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// New creates an embedding engine from configuration.
func New(cfg config.EmbeddingConfig) (Engine, error) {
	logging.Embedding("creating embedding engine: provider=%s model=%s dim=%d",
		cfg.Provider, cfg.Model, cfg.Dimensions)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.Endpoint, cfg.Model, cfg.Dimensions, cfg.Timeout)
	case "genai":
		return NewGenAIEngine(cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "none", "":
		return &NullEngine{dim: cfg.Dimensions}, nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'ollama', 'genai' or 'none')", cfg.Provider)
	}
}

// NullEngine is the graph-only backend: it reports dimensions so the
// store can validate vectors supplied by callers, but cannot embed.
type NullEngine struct {
	dim int
}

func (e *NullEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("embedding disabled (provider 'none')")
}

func (e *NullEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("embedding disabled (provider 'none')")
}

func (e *NullEngine) Dimensions() int { return e.dim }
func (e *NullEngine) Name() string    { return "none" }

// CosineSimilarity calculates the cosine similarity between two vectors.
// Returns a value between -1 and 1, where 1 means identical.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}

	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// SimilarityResult is one hit from a top-k similarity search.
type SimilarityResult struct {
	Index      int
	Similarity float64
}

// FindTopK returns the k corpus vectors most similar to the query,
// descending. Vectors with mismatched dimensions are skipped.
func FindTopK(query []float32, corpus [][]float32, k int) ([]SimilarityResult, error) {
	if k <= 0 {
		k = 10
	}

	results := make([]SimilarityResult, 0, len(corpus))
	skipped := 0
	for i, vec := range corpus {
		sim, err := CosineSimilarity(query, vec)
		if err != nil {
			skipped++
			continue
		}
		results = append(results, SimilarityResult{Index: i, Similarity: sim})
	}
	if skipped > 0 {
		logging.Get(logging.CategoryEmbedding).Warn("FindTopK: skipped %d vectors due to dimension mismatch", skipped)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}
