package store

import (
	"errors"
	"math"
	"testing"
)

func TestUpsertSkillPreservesCounters(t *testing.T) {
	s := newTestStore(t)

	v1 := []SkillStep{{Action: "wait", Detail: "1s"}, {Action: "retry"}}
	if _, err := s.UpsertSkill(&Skill{Name: "retry-with-backoff", Steps: v1}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}
	if _, err := s.RecordOutcome("retry-with-backoff", true); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	v2 := []SkillStep{{Action: "wait", Detail: "2s"}, {Action: "retry"}, {Action: "give up"}}
	updated, err := s.UpsertSkill(&Skill{Name: "retry-with-backoff", Steps: v2})
	if err != nil {
		t.Fatalf("UpsertSkill (update): %v", err)
	}
	if len(updated.Steps) != 3 || updated.Steps[0].Detail != "2s" {
		t.Errorf("steps not refreshed: %+v", updated.Steps)
	}
	if updated.TimesUsed != 1 || updated.SuccessRate != 1.0 {
		t.Errorf("counters clobbered: used=%d rate=%f", updated.TimesUsed, updated.SuccessRate)
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Errorf("updated_at %v behind created_at %v", updated.UpdatedAt, updated.CreatedAt)
	}
}

func TestRecordOutcomeIncrementalAverage(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertSkill(&Skill{Name: "parse-logs"}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}

	// 3 successes then 1 failure: rate must be exactly 3/4 at the end,
	// passing through 1, 1, 1 on the way.
	outcomes := []struct {
		success  bool
		wantRate float64
	}{
		{true, 1.0},
		{true, 1.0},
		{true, 1.0},
		{false, 0.75},
	}
	for i, o := range outcomes {
		sk, err := s.RecordOutcome("parse-logs", o.success)
		if err != nil {
			t.Fatalf("RecordOutcome #%d: %v", i, err)
		}
		if sk.TimesUsed != int64(i+1) {
			t.Errorf("after #%d: times_used = %d, want %d", i, sk.TimesUsed, i+1)
		}
		if math.Abs(sk.SuccessRate-o.wantRate) > 1e-9 {
			t.Errorf("after #%d: rate = %f, want %f", i, sk.SuccessRate, o.wantRate)
		}
	}

	sk, err := s.GetSkill("parse-logs")
	if err != nil {
		t.Fatalf("GetSkill: %v", err)
	}
	if sk.LastUsed == nil {
		t.Error("last_used should be set after outcomes")
	}
}

func TestRecordOutcomeUnknownSkill(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.RecordOutcome("ghost", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestPruneSkillsArchivesByDefault(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"keep", "drop-a", "drop-b"} {
		if _, err := s.UpsertSkill(&Skill{Name: name}); err != nil {
			t.Fatalf("UpsertSkill(%s): %v", name, err)
		}
	}

	n, err := s.PruneSkills([]string{"drop-a", "drop-b", "never-existed"}, false)
	if err != nil {
		t.Fatalf("PruneSkills: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}

	// Archived skills drop out of listings but stay fetchable by name.
	skills, err := s.ListSkills()
	if err != nil {
		t.Fatalf("ListSkills: %v", err)
	}
	if len(skills) != 1 || skills[0].Name != "keep" {
		t.Errorf("listing has %d skills, want only keep", len(skills))
	}
	archived, err := s.GetSkill("drop-a")
	if err != nil {
		t.Fatalf("GetSkill(drop-a): %v", err)
	}
	if !archived.Archived {
		t.Error("drop-a should carry the archived flag")
	}
}

func TestPruneSkillsHardDelete(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertSkill(&Skill{Name: "doomed"}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}

	n, err := s.PruneSkills([]string{"doomed"}, true)
	if err != nil {
		t.Fatalf("PruneSkills: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, err := s.GetSkill("doomed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("hard delete should remove the row, got %v", err)
	}
}

func TestUpsertSkillRevivesArchived(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.UpsertSkill(&Skill{Name: "phoenix"}); err != nil {
		t.Fatalf("UpsertSkill: %v", err)
	}
	if _, err := s.PruneSkills([]string{"phoenix"}, false); err != nil {
		t.Fatalf("PruneSkills: %v", err)
	}

	revived, err := s.UpsertSkill(&Skill{Name: "phoenix"})
	if err != nil {
		t.Fatalf("UpsertSkill (revive): %v", err)
	}
	if revived.Archived {
		t.Error("upsert should clear the archived flag")
	}
}
