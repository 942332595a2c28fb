package consolidation

import (
	"time"

	"engramd/internal/config"
	"engramd/internal/store"
)

// SkillUtility scores how much a skill is worth keeping, in [0, 1]:
//
//	utility = Wuse*usage + Wsucc*success_rate + Wrec*recency
//
// Usage saturates at MaxTimesForUtility invocations. Recency falls off
// linearly from 1 now to 0 at StalenessDays; a never-used skill is
// scored from its creation time.
func SkillUtility(sk *store.Skill, now time.Time, cfg config.ConsolidationConfig) float64 {
	usage := float64(sk.TimesUsed) / float64(cfg.MaxTimesForUtility)
	if usage > 1 {
		usage = 1
	}

	ref := sk.CreatedAt
	if sk.LastUsed != nil {
		ref = *sk.LastUsed
	}
	recency := linearRecency(ref, now, cfg.StalenessDays)

	return cfg.UsageWeight*usage + cfg.SuccessWeight*sk.SuccessRate + cfg.RecencyWeight*recency
}

// PatternUtility scores an execution pattern from its observation
// frequency and how recently it was last seen.
func PatternUtility(p *store.Pattern, now time.Time, cfg config.ConsolidationConfig) float64 {
	freq := float64(p.Frequency) / float64(cfg.MaxTimesForUtility)
	if freq > 1 {
		freq = 1
	}
	recency := linearRecency(p.LastSeen, now, cfg.StalenessDays)

	// Frequency stands in for both the usage and success signals.
	return (cfg.UsageWeight+cfg.SuccessWeight)*freq + cfg.RecencyWeight*recency
}

func linearRecency(last, now time.Time, stalenessDays int) float64 {
	if stalenessDays <= 0 {
		return 0
	}
	ageDays := now.Sub(last).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	r := 1 - ageDays/float64(stalenessDays)
	if r < 0 {
		r = 0
	}
	return r
}
