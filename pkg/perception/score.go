package perception

import "strings"

// stopWords is the closed set dropped during tokenization. Kept
// deliberately small and unexported — the exact list is an implementation
// detail, not a tunable.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "for": true,
	"is": true, "are": true, "with": true, "at": true, "by": true,
	"it": true, "this": true, "that": true, "be": true, "as": true,
}

// tokenize lowercases, strips non-alphanumeric runes, and drops stop
// words. The procedure is deterministic so scoring is stable across runs.
func tokenize(s string) []string {
	lower := strings.ToLower(s)
	var b strings.Builder
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	var tokens []string
	for _, w := range strings.Fields(b.String()) {
		if !stopWords[w] {
			tokens = append(tokens, w)
		}
	}
	return tokens
}

func tokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// score is the relevance function
// |tokens(goal) ∩ tokens(content)| / max(1, |tokens(goal)|), both sides
// treated as sets so a repeated word in either string counts once.
func score(content, goal string) float64 {
	goalSet := tokenSet(tokenize(goal))
	if len(goalSet) == 0 {
		return 0
	}
	contentSet := tokenSet(tokenize(content))
	overlap := 0
	for t := range goalSet {
		if contentSet[t] {
			overlap++
		}
	}
	denom := len(goalSet)
	if denom < 1 {
		denom = 1
	}
	return float64(overlap) / float64(denom)
}

// bestMatch scores content against every goal and returns the winning
// goal and its score, breaking ties lexicographically on the goal string.
func bestMatch(content string, goals []string) (bestGoal string, bestScore float64) {
	for _, goal := range goals {
		s := score(content, goal)
		if s > bestScore || (s == bestScore && (bestGoal == "" || goal < bestGoal)) {
			bestScore = s
			bestGoal = goal
		}
	}
	return bestGoal, bestScore
}
