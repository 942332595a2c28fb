package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"engramd/internal/config"
	"engramd/internal/consolidation"
	"engramd/internal/embedding"
	"engramd/internal/logging"
	"engramd/internal/retrieval"
	"engramd/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "engramd",
	Short: "engramd - hybrid memory engine for agent runs",
	Long: `engramd maintains long-term memory for agent workloads: a temporal
knowledge graph with vector embeddings, an episodic run buffer,
procedural skills and execution patterns.

Retrieval blends semantic relevance, importance and recency. A
consolidation cycle periodically distills episodes into graph
structure and prunes what stopped earning its keep.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// env bundles the wired-up engine for command handlers.
type env struct {
	cfg           *config.Config
	store         *store.MemoryStore
	embedder      embedding.Engine
	retrieval     *retrieval.Engine
	consolidation *consolidation.Engine
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	if err := logging.Initialize(filepath.Dir(cfg.DatabasePath)); err != nil {
		logger.Warn("debug logging unavailable", zap.Error(err))
	}

	st, err := store.NewMemoryStore(cfg.DatabasePath, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &env{
		cfg:           cfg,
		store:         st,
		embedder:      embedder,
		retrieval:     retrieval.New(st, embedder, cfg.Retrieval),
		consolidation: consolidation.New(st, nil, embedder, cfg.Consolidation),
	}, nil
}

func (e *env) close() {
	if err := e.store.Close(); err != nil {
		logger.Warn("failed to close store", zap.Error(err))
	}
}

// statsCmd prints a census of the store
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		st, err := e.store.Stats()
		if err != nil {
			return err
		}

		fmt.Printf("Database:        %s (schema v%d)\n", e.store.Path(), st.SchemaVersion)
		fmt.Printf("Nodes:           %d (%d valid)\n", st.Nodes, st.ValidNodes)
		fmt.Printf("Edges:           %d (%d valid)\n", st.Edges, st.ValidEdges)
		fmt.Printf("Episodes:        %d (%d unconsolidated, %d archived) across %d runs\n",
			st.Episodes, st.UnconsolidatedEpisodes, st.ArchivedEpisodes, st.Runs)
		fmt.Printf("Skills:          %d (overall success %.1f%%)\n", st.Skills, st.OverallSuccessRate*100)
		fmt.Printf("Patterns:        %d\n", st.Patterns)

		topSkills, err := consolidation.TopSkills(e.store, e.cfg.Consolidation, 5)
		if err != nil {
			return err
		}
		if len(topSkills) > 0 {
			fmt.Println("Top skills by utility:")
			for _, r := range topSkills {
				fmt.Printf("  %.3f %-30s uses=%d success=%.1f%%\n",
					r.Utility, r.Skill.Name, r.Skill.TimesUsed, r.Skill.SuccessRate*100)
			}
		}
		topPatterns, err := consolidation.TopPatterns(e.store, e.cfg.Consolidation, 5)
		if err != nil {
			return err
		}
		if len(topPatterns) > 0 {
			fmt.Println("Top patterns by utility:")
			for _, r := range topPatterns {
				fmt.Printf("  %.3f [%s] freq=%d %s\n",
					r.Utility, r.Pattern.Type, r.Pattern.Frequency, r.Pattern.TriggerContext)
			}
		}
		return nil
	},
}

var (
	retrieveLimit    int
	retrieveMinScore float64
)

// retrieveCmd runs hybrid retrieval for a query
var retrieveCmd = &cobra.Command{
	Use:   "retrieve [query]",
	Short: "Retrieve memory ranked by relevance, importance and recency",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		query := args[0]
		results, err := e.retrieval.RetrieveContext(ctx, query, retrieveLimit, retrieveMinScore)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results.")
			return nil
		}

		for i, r := range results {
			fmt.Printf("%2d. [%.3f] %s/%s\n", i+1, r.Score, r.Node.Label, r.Node.Name)
			fmt.Printf("    relevance=%.3f importance=%.3f recency=%.3f\n",
				r.Relevance, r.Node.Importance, r.Recency)
			if r.Node.ContentSummary != "" {
				fmt.Printf("    %s\n", r.Node.ContentSummary)
			}
		}
		return nil
	},
}

var (
	consolidateForce bool
	consolidateRun   string
)

// consolidateCmd runs (or schedules) a consolidation cycle
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run a consolidation cycle over the episodic buffer",
	Long: `Distills unconsolidated episodes into graph nodes and edges, prunes
low-utility skills and patterns, and archives episodes past retention.

Without --force the cycle only runs once enough distinct runs have
accumulated unconsolidated episodes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		var report *consolidation.Report
		if consolidateForce || consolidateRun != "" {
			report, err = e.consolidation.Consolidate(ctx, consolidateRun)
		} else {
			report, err = e.consolidation.MaybeConsolidate(ctx)
		}
		if errors.Is(err, store.ErrConsolidationInProgress) {
			fmt.Println("Consolidation already in progress, skipping.")
			return nil
		}
		if err != nil {
			return err
		}
		if report == nil {
			fmt.Println("Not enough accumulated runs yet; use --force to run anyway.")
			return nil
		}

		fmt.Printf("Cycle %d finished in %v\n", report.RunID, report.Duration.Round(time.Millisecond))
		fmt.Printf("  episodes consolidated: %d\n", report.EpisodesConsolidated)
		fmt.Printf("  nodes upserted:        %d\n", report.NodesUpserted)
		fmt.Printf("  edges observed:        %d\n", report.EdgesObserved)
		fmt.Printf("  patterns updated:      %d\n", report.PatternsUpdated)
		fmt.Printf("  skills pruned:         %d\n", report.SkillsPruned)
		fmt.Printf("  patterns pruned:       %d\n", report.PatternsPruned)
		fmt.Printf("  episodes archived:     %d\n", report.EpisodesArchived)
		return nil
	},
}

// nodeCmd groups graph node subcommands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect and edit knowledge graph nodes",
}

var (
	nodeDescription string
	nodeSummary     string
	nodeImportance  float64
	nodeEmbed       bool
)

var nodeAddCmd = &cobra.Command{
	Use:   "add [label] [name]",
	Short: "Add or update a graph node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		n := &store.Node{
			Label:          args[0],
			Name:           args[1],
			Description:    nodeDescription,
			ContentSummary: nodeSummary,
			Importance:     nodeImportance,
		}
		if nodeEmbed {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			text := n.Name
			if n.ContentSummary != "" {
				text += ": " + n.ContentSummary
			}
			emb, err := e.embedder.Embed(ctx, text)
			if err != nil {
				return fmt.Errorf("failed to embed node: %w", err)
			}
			n.Embedding = emb
		}

		stored, err := e.store.UpsertNode(n)
		if err != nil {
			return err
		}
		fmt.Printf("Node %s (%s/%s) stored.\n", stored.ID, stored.Label, stored.Name)
		return nil
	},
}

var nodeInvalidateCmd = &cobra.Command{
	Use:   "invalidate [id]",
	Short: "Close a node's validity interval (cascades to its edges)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		if err := e.store.InvalidateNode(args[0], time.Now()); err != nil {
			return err
		}
		fmt.Printf("Node %s invalidated.\n", args[0])
		return nil
	},
}

// skillCmd groups procedural memory subcommands
var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage procedural skills",
}

var skillDescription string

var skillAddCmd = &cobra.Command{
	Use:   "add [name] [step]...",
	Short: "Register or update a skill",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		steps := make([]store.SkillStep, 0, len(args)-1)
		for _, a := range args[1:] {
			steps = append(steps, store.SkillStep{Action: a})
		}
		sk, err := e.store.UpsertSkill(&store.Skill{
			Name:        args[0],
			Description: skillDescription,
			Steps:       steps,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Skill %q stored (used %d times, success %.0f%%).\n",
			sk.Name, sk.TimesUsed, sk.SuccessRate*100)
		return nil
	},
}

var skillOutcomeCmd = &cobra.Command{
	Use:   "outcome [name] [success|failure]",
	Short: "Record one execution outcome for a skill",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var success bool
		switch args[1] {
		case "success", "ok", "true":
			success = true
		case "failure", "fail", "false":
			success = false
		default:
			return fmt.Errorf("outcome must be 'success' or 'failure', got %q", args[1])
		}

		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		sk, err := e.store.RecordOutcome(args[0], success)
		if err != nil {
			return err
		}
		fmt.Printf("Skill %q: %d uses, success rate %.1f%%.\n",
			sk.Name, sk.TimesUsed, sk.SuccessRate*100)
		return nil
	},
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List skills ranked by success rate",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		skills, err := e.store.ListSkills()
		if err != nil {
			return err
		}
		for _, sk := range skills {
			fmt.Printf("%-30s uses=%-5d success=%.1f%%  %s\n",
				sk.Name, sk.TimesUsed, sk.SuccessRate*100, sk.Description)
		}
		return nil
	},
}

// episodeCmd groups episodic buffer subcommands
var episodeCmd = &cobra.Command{
	Use:   "episode",
	Short: "Manage the episodic run buffer",
}

var episodeMeta string

var episodeAddCmd = &cobra.Command{
	Use:   "add [run-id] [step] [role] [content]",
	Short: "Append one step to a run",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("step must be an integer: %w", err)
		}

		var meta store.Metadata
		if episodeMeta != "" {
			if err := json.Unmarshal([]byte(episodeMeta), &meta); err != nil {
				return fmt.Errorf("metadata must be a JSON object: %w", err)
			}
		}

		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		ep, err := e.store.AppendEpisode(&store.Episode{
			RunID:      args[0],
			StepIndex:  step,
			Role:       args[2],
			Content:    args[3],
			Importance: consolidation.ScoreImportance(args[3]),
			Metadata:   meta,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Episode %s recorded (run=%s step=%d importance=%.2f).\n",
			ep.ID, ep.RunID, ep.StepIndex, ep.Importance)
		return nil
	},
}

var episodeShowCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Replay a run's episodes in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.close()

		episodes, err := e.store.RunEpisodes(args[0])
		if err != nil {
			return err
		}
		for _, ep := range episodes {
			marker := " "
			if ep.ConsolidatedAt != nil {
				marker = "*"
			}
			fmt.Printf("%s %3d [%s] %s\n", marker, ep.StepIndex, ep.Role, ep.Content)
		}
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "override database path")

	retrieveCmd.Flags().IntVarP(&retrieveLimit, "limit", "n", 10, "maximum results")
	retrieveCmd.Flags().Float64Var(&retrieveMinScore, "min-score", 0, "drop results scoring below this")

	consolidateCmd.Flags().BoolVar(&consolidateForce, "force", false, "run regardless of cadence")
	consolidateCmd.Flags().StringVar(&consolidateRun, "run", "", "consolidate only this run's episodes")

	nodeAddCmd.Flags().StringVar(&nodeDescription, "description", "", "what the node represents")
	nodeAddCmd.Flags().StringVar(&nodeSummary, "summary", "", "one-line content summary")
	nodeAddCmd.Flags().Float64Var(&nodeImportance, "importance", 0.5, "importance in [0,1]")
	nodeAddCmd.Flags().BoolVar(&nodeEmbed, "embed", true, "embed the node for semantic retrieval")
	nodeCmd.AddCommand(nodeAddCmd, nodeInvalidateCmd)

	skillAddCmd.Flags().StringVar(&skillDescription, "description", "", "what the skill does")
	skillCmd.AddCommand(skillAddCmd, skillOutcomeCmd, skillListCmd)

	episodeAddCmd.Flags().StringVar(&episodeMeta, "metadata", "", "JSON object attached to the step")
	episodeCmd.AddCommand(episodeAddCmd, episodeShowCmd)

	rootCmd.AddCommand(statsCmd, retrieveCmd, consolidateCmd, nodeCmd, skillCmd, episodeCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
