package store

import (
	"errors"
	"testing"
)

func TestObservePatternDeduplicatesBySimilarity(t *testing.T) {
	s := newTestStore(t)

	base := []float32{1, 0, 0, 0}
	nearDup := []float32{0.99, 0.01, 0, 0}
	distinct := []float32{0, 1, 0, 0}

	first, err := s.ObservePattern(&Pattern{
		Type:            PatternSuccess,
		TriggerContext:  "failing test in parser",
		ApproachSummary: "read file then edit",
		OutcomeResult:   "passed",
		Embedding:       base,
	}, 0.9)
	if err != nil {
		t.Fatalf("first ObservePattern: %v", err)
	}
	if first.Frequency != 1 {
		t.Errorf("fresh pattern frequency = %d, want 1", first.Frequency)
	}

	merged, err := s.ObservePattern(&Pattern{
		Type:            PatternSuccess,
		TriggerContext:  "parser test failing",
		ApproachSummary: "read then edit file",
		OutcomeResult:   "passed",
		Embedding:       nearDup,
	}, 0.9)
	if err != nil {
		t.Fatalf("near-duplicate ObservePattern: %v", err)
	}
	if merged.ID != first.ID {
		t.Error("near-duplicate should merge into the existing pattern")
	}
	if merged.Frequency != 2 {
		t.Errorf("merged frequency = %d, want 2", merged.Frequency)
	}
	if merged.TriggerContext != "failing test in parser" {
		t.Errorf("merge must keep the original trigger, got %q", merged.TriggerContext)
	}

	other, err := s.ObservePattern(&Pattern{
		Type:           PatternSuccess,
		TriggerContext: "grep the logs",
		OutcomeResult:  "completed",
		Embedding:      distinct,
	}, 0.9)
	if err != nil {
		t.Fatalf("distinct ObservePattern: %v", err)
	}
	if other.ID == first.ID {
		t.Error("orthogonal pattern must not merge")
	}
}

func TestObservePatternTypeValidation(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name    string
		pattern *Pattern
	}{
		{"empty type", &Pattern{TriggerContext: "x"}},
		{"lowercase", &Pattern{Type: "success", TriggerContext: "x"}},
		{"arbitrary", &Pattern{Type: "RECOVERY", TriggerContext: "x"}},
		{"missing trigger", &Pattern{Type: PatternSuccess}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.ObservePattern(tt.pattern, 0); !errors.Is(err, ErrConstraintViolation) {
				t.Errorf("got %v, want ErrConstraintViolation", err)
			}
		})
	}
}

func TestObservePatternTypeIsolation(t *testing.T) {
	s := newTestStore(t)

	emb := []float32{1, 0, 0, 0}
	a, err := s.ObservePattern(&Pattern{
		Type: PatternSuccess, TriggerContext: "x", OutcomeResult: "passed", Embedding: emb,
	}, 0.9)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}
	b, err := s.ObservePattern(&Pattern{
		Type: PatternFailure, TriggerContext: "x", OutcomeResult: "TimeoutError", Embedding: emb,
	}, 0.9)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}
	if a.ID == b.ID {
		t.Error("identical embeddings of different types must not merge")
	}
}

func TestObservePatternCorrectionStrategy(t *testing.T) {
	s := newTestStore(t)

	emb := []float32{1, 0, 0, 0}
	first, err := s.ObservePattern(&Pattern{
		Type:           PatternFailure,
		TriggerContext: "flaky network call",
		OutcomeResult:  "TimeoutError",
		Embedding:      emb,
	}, 0.9)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}
	if first.CorrectionStrategy != nil {
		t.Errorf("no correction known yet, got %q", *first.CorrectionStrategy)
	}

	// A later observation that carries a fix attaches it to the merged
	// pattern instead of creating a new row.
	fix := "retry with exponential backoff"
	merged, err := s.ObservePattern(&Pattern{
		Type:               PatternFailure,
		TriggerContext:     "network call timing out",
		OutcomeResult:      "TimeoutError",
		CorrectionStrategy: &fix,
		Embedding:          emb,
	}, 0.9)
	if err != nil {
		t.Fatalf("ObservePattern (with correction): %v", err)
	}
	if merged.ID != first.ID {
		t.Fatal("observation should merge into the existing failure")
	}
	if merged.CorrectionStrategy == nil || *merged.CorrectionStrategy != fix {
		t.Errorf("correction not attached: %v", merged.CorrectionStrategy)
	}
}

func TestSimilarPatternsRanking(t *testing.T) {
	s := newTestStore(t)

	for _, p := range []struct {
		trigger string
		emb     []float32
	}{
		{"exact", []float32{1, 0, 0, 0}},
		{"close", []float32{0.9, 0.4, 0, 0}},
		{"far", []float32{0, 0, 1, 0}},
	} {
		if _, err := s.ObservePattern(&Pattern{
			Type: PatternSuccess, TriggerContext: p.trigger, OutcomeResult: "completed", Embedding: p.emb,
		}, 0); err != nil {
			t.Fatalf("ObservePattern(%s): %v", p.trigger, err)
		}
	}

	got, err := s.SimilarPatterns([]float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SimilarPatterns: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d patterns, want 2", len(got))
	}
	if got[0].TriggerContext != "exact" || got[1].TriggerContext != "close" {
		t.Errorf("ranking wrong: %q, %q", got[0].TriggerContext, got[1].TriggerContext)
	}
}

func TestPrunePatternsArchivesByDefault(t *testing.T) {
	s := newTestStore(t)

	p, err := s.ObservePattern(&Pattern{
		Type: PatternFailure, TriggerContext: "doomed", OutcomeResult: "PanicError",
	}, 0)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}

	n, err := s.PrunePatterns([]string{p.ID, "no-such-id"}, false)
	if err != nil {
		t.Fatalf("PrunePatterns: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}

	listed, err := s.ListPatterns()
	if err != nil {
		t.Fatalf("ListPatterns: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("archived pattern still listed (%d rows)", len(listed))
	}
	got, err := s.GetPattern(p.ID)
	if err != nil {
		t.Fatalf("GetPattern after archive: %v", err)
	}
	if !got.Archived {
		t.Error("pattern should carry the archived flag")
	}
}

func TestPrunePatternsHardDelete(t *testing.T) {
	s := newTestStore(t)

	p, err := s.ObservePattern(&Pattern{
		Type: PatternFailure, TriggerContext: "doomed", OutcomeResult: "PanicError",
	}, 0)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}

	if _, err := s.PrunePatterns([]string{p.ID}, true); err != nil {
		t.Fatalf("PrunePatterns: %v", err)
	}
	if _, err := s.GetPattern(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("hard delete should remove the row, got %v", err)
	}
}

func TestIncrementPatternFrequency(t *testing.T) {
	s := newTestStore(t)

	p, err := s.ObservePattern(&Pattern{
		Type:           PatternSuccess,
		TriggerContext: "retry with backoff",
		OutcomeResult:  "succeeded",
		Embedding:      []float32{1, 0, 0, 0},
	}, 0)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}

	bumped, err := s.IncrementPatternFrequency(p.ID)
	if err != nil {
		t.Fatalf("IncrementPatternFrequency: %v", err)
	}
	if bumped.Frequency != 2 {
		t.Errorf("frequency = %d, want 2", bumped.Frequency)
	}
	if !bumped.LastSeen.After(p.LastSeen) && !bumped.LastSeen.Equal(p.LastSeen) {
		t.Error("last_seen must not move backwards")
	}

	if _, err := s.IncrementPatternFrequency("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown pattern: got %v, want ErrNotFound", err)
	}
}
