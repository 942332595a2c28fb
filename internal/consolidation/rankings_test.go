package consolidation

import (
	"testing"

	"engramd/internal/config"
	"engramd/internal/store"
)

func TestTopSkillsRanksByUtility(t *testing.T) {
	st := newTestStore(t)
	cfg := config.DefaultConsolidation()

	if _, err := st.UpsertSkill(&store.Skill{Name: "reliable"}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := st.RecordOutcome("reliable", true); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	if _, err := st.UpsertSkill(&store.Skill{Name: "shaky"}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}
	if _, err := st.RecordOutcome("shaky", false); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	ranked, err := TopSkills(st, cfg, 5)
	if err != nil {
		t.Fatalf("TopSkills: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("got %d skills, want 2", len(ranked))
	}
	if ranked[0].Skill.Name != "reliable" {
		t.Errorf("top skill = %s, want reliable", ranked[0].Skill.Name)
	}
	if ranked[0].Utility <= ranked[1].Utility {
		t.Errorf("ranking not descending: %f then %f", ranked[0].Utility, ranked[1].Utility)
	}

	capped, err := TopSkills(st, cfg, 1)
	if err != nil {
		t.Fatalf("TopSkills: %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("got %d skills, want cap of 1", len(capped))
	}
}

func TestTopPatternsRanksByUtility(t *testing.T) {
	st := newTestStore(t)
	cfg := config.DefaultConsolidation()

	frequent, err := st.ObservePattern(&store.Pattern{
		Type: store.PatternSuccess, TriggerContext: "frequent", OutcomeResult: "passed",
	}, 0)
	if err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}
	for i := 0; i < 9; i++ {
		if _, err := st.IncrementPatternFrequency(frequent.ID); err != nil {
			t.Fatalf("IncrementPatternFrequency: %v", err)
		}
	}
	if _, err := st.ObservePattern(&store.Pattern{
		Type: store.PatternFailure, TriggerContext: "rare", OutcomeResult: "PanicError",
	}, 0); err != nil {
		t.Fatalf("ObservePattern: %v", err)
	}

	ranked, err := TopPatterns(st, cfg, 5)
	if err != nil {
		t.Fatalf("TopPatterns: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("got %d patterns, want 2", len(ranked))
	}
	if ranked[0].Pattern.TriggerContext != "frequent" {
		t.Errorf("top pattern = %q, want frequent", ranked[0].Pattern.TriggerContext)
	}
}
