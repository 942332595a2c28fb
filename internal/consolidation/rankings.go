package consolidation

import (
	"sort"
	"time"

	"engramd/internal/config"
	"engramd/internal/store"
)

// RankedSkill pairs a skill with its utility score.
type RankedSkill struct {
	Skill   *store.Skill
	Utility float64
}

// RankedPattern pairs a pattern with its utility score.
type RankedPattern struct {
	Pattern *store.Pattern
	Utility float64
}

// TopSkills returns up to k live skills ranked by utility descending.
func TopSkills(st *store.MemoryStore, cfg config.ConsolidationConfig, k int) ([]RankedSkill, error) {
	skills, err := st.ListSkills()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ranked := make([]RankedSkill, 0, len(skills))
	for _, sk := range skills {
		ranked = append(ranked, RankedSkill{Skill: sk, Utility: SkillUtility(sk, now, cfg)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Utility > ranked[j].Utility })

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// TopPatterns returns up to k live patterns ranked by utility
// descending.
func TopPatterns(st *store.MemoryStore, cfg config.ConsolidationConfig, k int) ([]RankedPattern, error) {
	patterns, err := st.ListPatterns()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	ranked := make([]RankedPattern, 0, len(patterns))
	for _, p := range patterns {
		ranked = append(ranked, RankedPattern{Pattern: p, Utility: PatternUtility(p, now, cfg)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Utility > ranked[j].Utility })

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}
