package mapping

import (
	"strings"

	"carprice-aggregator/models"
)

// normalizeName lowercases, strips diacritics and collapses whitespace.
func normalizeName(s string) string {
	s = strings.ToLower(models.StripDiacritics(s))
	return strings.Join(strings.Fields(s), " ")
}

// Similarity returns (maxLen - editDistance) / maxLen over the normalized
// forms of a and b, in [0, 1].
func Similarity(a, b string) float64 {
	ra, rb := []rune(normalizeName(a)), []rune(normalizeName(b))
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1
	}
	return float64(maxLen-levenshtein(ra, rb)) / float64(maxLen)
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
