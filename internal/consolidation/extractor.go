package consolidation

import (
	"regexp"
	"strings"

	"engramd/internal/store"
)

// Extraction is what an extractor distills from a batch of episodes:
// nodes keyed by (label, name), edge observations between them, and
// execution patterns classified by outcome.
type Extraction struct {
	Nodes    []*store.Node
	Edges    []store.EdgeObservation
	Patterns []*store.Pattern
}

// Extractor turns raw episodes into graph structure. Implementations
// range from the keyword heuristic below to LLM-backed extraction.
type Extractor interface {
	Extract(episodes []*store.Episode) (*Extraction, error)
}

// HeuristicExtractor finds file paths and error identifiers in episode
// content, links files to the errors they co-occur with, and classifies
// episode outcomes into success and failure patterns.
type HeuristicExtractor struct {
	weightIncrement float64
}

// NewHeuristicExtractor creates the default extractor. weightIncrement
// is applied each time an edge is re-observed.
func NewHeuristicExtractor(weightIncrement float64) *HeuristicExtractor {
	return &HeuristicExtractor{weightIncrement: weightIncrement}
}

var (
	// Paths with at least one separator and a file extension, e.g.
	// internal/store/nodes.go or src/main.py.
	filePathRe = regexp.MustCompile(`\b[\w.-]+(?:/[\w.-]+)+\.\w{1,10}\b`)

	// CamelCase error identifiers (TimeoutError, ErrNotFound) and
	// UPPER_SNAKE error codes (ENOENT style left out, too noisy).
	errorNameRe = regexp.MustCompile(`\b(?:Err[A-Z]\w+|[A-Z]\w*(?:Error|Exception|Panic))\b`)

	// Completion language an agent or tool emits after a step lands.
	successRe = regexp.MustCompile(`(?i)\b(succeeded|success|passed|fixed|resolved|completed)\b`)
)

// Extract scans each episode for file paths and error names. Every
// match becomes a node; a file and an error appearing in the same
// episode are linked with a "mentions" edge from file to error. An
// episode mentioning an error yields a FAILURE pattern, one with
// completion language a SUCCESS pattern; the preceding step in the
// same run is the trigger context.
func (h *HeuristicExtractor) Extract(episodes []*store.Episode) (*Extraction, error) {
	ext := &Extraction{}
	seenNodes := make(map[string]bool)
	prevByRun := make(map[string]string)

	addNode := func(label, name, content string) {
		key := label + "\x00" + name
		if seenNodes[key] {
			return
		}
		seenNodes[key] = true
		ext.Nodes = append(ext.Nodes, &store.Node{
			Label:          label,
			Name:           name,
			ContentSummary: summarize(content),
			Importance:     ScoreImportance(content),
		})
	}

	for _, ep := range episodes {
		files := dedupe(filePathRe.FindAllString(ep.Content, -1))
		errs := dedupe(errorNameRe.FindAllString(ep.Content, -1))

		for _, f := range files {
			addNode(store.LabelFile, f, ep.Content)
		}
		for _, e := range errs {
			addNode(store.LabelError, e, ep.Content)
		}

		// Every co-occurrence reinforces, so a pair seen in several
		// episodes accumulates weight.
		for _, f := range files {
			for _, e := range errs {
				ext.Edges = append(ext.Edges, store.EdgeObservation{
					Source:    store.NodeRef{Label: store.LabelFile, Name: f},
					Relation:  "mentions",
					Target:    store.NodeRef{Label: store.LabelError, Name: e},
					Increment: h.weightIncrement,
				})
			}
		}

		if p := classifyOutcome(ep, errs, prevByRun[ep.RunID]); p != nil {
			ext.Patterns = append(ext.Patterns, p)
		}
		prevByRun[ep.RunID] = ep.Content
	}
	return ext, nil
}

// classifyOutcome maps one episode to a success or failure pattern, or
// nil when the episode carries no outcome signal.
func classifyOutcome(ep *store.Episode, errs []string, trigger string) *store.Pattern {
	if trigger == "" {
		trigger = ep.Content
	}
	if len(errs) > 0 {
		return &store.Pattern{
			Type:            store.PatternFailure,
			TriggerContext:  summarize(trigger),
			ApproachSummary: summarize(ep.Content),
			OutcomeResult:   errs[0],
		}
	}
	if m := successRe.FindString(ep.Content); m != "" {
		return &store.Pattern{
			Type:            store.PatternSuccess,
			TriggerContext:  summarize(trigger),
			ApproachSummary: summarize(ep.Content),
			OutcomeResult:   strings.ToLower(m),
		}
	}
	return nil
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// summarize truncates content to a one-line summary.
func summarize(content string) string {
	line := content
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	const maxLen = 200
	if len(line) > maxLen {
		line = line[:maxLen]
	}
	return strings.TrimSpace(line)
}
