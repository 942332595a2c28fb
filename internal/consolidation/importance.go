package consolidation

import "strings"

// Keyword indicators for the importance heuristic. Content mentioning
// failures, fixes or decisions is worth keeping; acknowledgements and
// greetings are not.
var (
	highIndicators = []string{
		"error", "fail", "failed", "exception", "crash",
		"fix", "fixed", "solution", "resolved", "workaround",
		"decision", "decided", "chose", "because",
		"important", "critical", "remember", "learned", "root cause",
	}
	lowIndicators = []string{
		"ok", "okay", "thanks", "thank you", "hello", "hi ",
		"proceeding", "acknowledged", "got it",
	}
)

// ScoreImportance estimates how much an episode's content matters for
// long-term memory, in [0.1, 1.0]. The heuristic favors error reports,
// fixes and decisions, penalizes small talk, and gives substantial
// content a small boost.
func ScoreImportance(content string) float64 {
	if content == "" {
		return 0.1
	}
	lower := strings.ToLower(content)

	score := 0.5
	for _, ind := range highIndicators {
		if strings.Contains(lower, ind) {
			score += 0.1
		}
	}
	for _, ind := range lowIndicators {
		if strings.Contains(lower, ind) {
			score -= 0.1
		}
	}

	// Length signal: one-liners carry less context than full reports.
	switch {
	case len(content) > 500:
		score += 0.1
	case len(content) < 20:
		score -= 0.1
	}

	if score > 1.0 {
		score = 1.0
	}
	if score < 0.1 {
		score = 0.1
	}
	return score
}
