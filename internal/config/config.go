// Package config defines engramd's configuration, loaded from YAML with
// defaults for every knob.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engramd configuration.
type Config struct {
	// DatabasePath is the SQLite file backing all memory layers.
	DatabasePath string `yaml:"database_path"`

	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// EmbeddingConfig selects and tunes the embedding backend.
type EmbeddingConfig struct {
	// Provider is "ollama", "genai" or "none".
	Provider string `yaml:"provider"`
	// Model is the embedding model name for the chosen provider.
	Model string `yaml:"model"`
	// Dimensions is the vector size every stored embedding must match.
	Dimensions int `yaml:"dimensions"`
	// Endpoint is the Ollama base URL. Ignored by other providers.
	Endpoint string `yaml:"endpoint"`
	// APIKey authenticates the genai provider. Falls back to the
	// GEMINI_API_KEY environment variable when empty.
	APIKey string `yaml:"api_key"`
	// Timeout bounds a single embedding request.
	Timeout time.Duration `yaml:"timeout"`
}

// RetrievalConfig tunes hybrid retrieval scoring.
type RetrievalConfig struct {
	// RelevanceWeight, ImportanceWeight and RecencyWeight blend the
	// three scoring signals. They should sum to 1.
	RelevanceWeight  float64 `yaml:"relevance_weight"`
	ImportanceWeight float64 `yaml:"importance_weight"`
	RecencyWeight    float64 `yaml:"recency_weight"`
	// DecayLambda is the exponential recency decay rate per second.
	DecayLambda float64 `yaml:"decay_lambda"`
	// DefaultLimit caps results when the caller does not.
	DefaultLimit int `yaml:"default_limit"`
	// TouchOnRead records an access on every retrieved node.
	TouchOnRead bool `yaml:"touch_on_read"`
	// Timeout bounds one retrieval call.
	Timeout time.Duration `yaml:"timeout"`
}

// ConsolidationConfig tunes the sleep-cycle.
type ConsolidationConfig struct {
	// EveryNRuns triggers a cycle once this many distinct runs have
	// unconsolidated episodes.
	EveryNRuns int `yaml:"every_n_runs"`
	// EpisodeBatchSize caps how many episodes one cycle distills.
	EpisodeBatchSize int `yaml:"episode_batch_size"`
	// EdgeWeightIncrement is added to an edge each time extraction
	// re-observes it.
	EdgeWeightIncrement float64 `yaml:"edge_weight_increment"`

	// UsageWeight, SuccessWeight and RecencyWeight blend the skill
	// utility signals. They should sum to 1.
	UsageWeight   float64 `yaml:"usage_weight"`
	SuccessWeight float64 `yaml:"success_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`
	// MaxTimesForUtility is the usage count at which the usage signal
	// saturates to 1.
	MaxTimesForUtility int `yaml:"max_times_for_utility"`

	// LowUtilityThreshold prunes skills and patterns scoring below it.
	LowUtilityThreshold float64 `yaml:"low_utility_threshold"`
	// MinTimesUsed exempts proven skills from pruning: anything used
	// at least this many times is kept no matter its score.
	MinTimesUsed int `yaml:"min_times_used"`
	// StalenessDays is the recency horizon for the utility signal, and
	// the grace period before an unproven skill becomes prunable.
	StalenessDays int `yaml:"staleness_days"`

	// EpisodeRetentionDays keeps consolidated episodes in the working
	// buffer this long before archival.
	EpisodeRetentionDays int `yaml:"episode_retention_days"`
	// ArchiveMaxImportance spares episodes at or above this importance
	// from archival regardless of age.
	ArchiveMaxImportance float64 `yaml:"archive_max_importance"`
	// HardDelete removes archived episodes instead of flagging them.
	HardDelete bool `yaml:"hard_delete"`

	// PatternDedupSimilarity merges patterns at or above this cosine
	// similarity.
	PatternDedupSimilarity float64 `yaml:"pattern_dedup_similarity"`
}

// LoggingConfig controls the categorized debug logs.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DatabasePath:  "engram.db",
		Embedding:     DefaultEmbedding(),
		Retrieval:     DefaultRetrieval(),
		Consolidation: DefaultConsolidation(),
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultEmbedding returns the stock embedding settings: a local Ollama
// instance running embeddinggemma.
func DefaultEmbedding() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "ollama",
		Model:      "embeddinggemma",
		Dimensions: 768,
		Endpoint:   "http://localhost:11434",
		Timeout:    30 * time.Second,
	}
}

// DefaultRetrieval returns the stock retrieval weights.
func DefaultRetrieval() RetrievalConfig {
	return RetrievalConfig{
		RelevanceWeight:  0.5,
		ImportanceWeight: 0.3,
		RecencyWeight:    0.2,
		DecayLambda:      0.0001,
		DefaultLimit:     10,
		TouchOnRead:      false,
		Timeout:          5 * time.Second,
	}
}

// DefaultConsolidation returns the stock sleep-cycle settings.
func DefaultConsolidation() ConsolidationConfig {
	return ConsolidationConfig{
		EveryNRuns:             10,
		EpisodeBatchSize:       500,
		EdgeWeightIncrement:    0.1,
		UsageWeight:            0.4,
		SuccessWeight:          0.3,
		RecencyWeight:          0.3,
		MaxTimesForUtility:     100,
		LowUtilityThreshold:    0.3,
		MinTimesUsed:           2,
		StalenessDays:          60,
		EpisodeRetentionDays:   30,
		ArchiveMaxImportance:   0.7,
		HardDelete:             false,
		PatternDedupSimilarity: 0.90,
	}
}

// Load reads a YAML config file, layering it over defaults. A missing
// file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would corrupt scoring.
func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{"retrieval.relevance_weight", c.Retrieval.RelevanceWeight},
		{"retrieval.importance_weight", c.Retrieval.ImportanceWeight},
		{"retrieval.recency_weight", c.Retrieval.RecencyWeight},
		{"consolidation.usage_weight", c.Consolidation.UsageWeight},
		{"consolidation.success_weight", c.Consolidation.SuccessWeight},
		{"consolidation.recency_weight", c.Consolidation.RecencyWeight},
	} {
		if w.value < 0 || w.value > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", w.name, w.value)
		}
	}
	if c.Retrieval.DecayLambda < 0 {
		return fmt.Errorf("retrieval.decay_lambda must be non-negative, got %f", c.Retrieval.DecayLambda)
	}
	if c.Consolidation.EveryNRuns <= 0 {
		return fmt.Errorf("consolidation.every_n_runs must be positive, got %d", c.Consolidation.EveryNRuns)
	}
	if c.Consolidation.PatternDedupSimilarity < 0 || c.Consolidation.PatternDedupSimilarity > 1 {
		return fmt.Errorf("consolidation.pattern_dedup_similarity must be in [0,1], got %f",
			c.Consolidation.PatternDedupSimilarity)
	}
	return nil
}
