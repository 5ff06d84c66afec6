// Package similarity implements the string and vector similarity primitives
// used by the registry's fuzzy matcher and in-process vector search.
package similarity

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// earlyExit stops a best-pair scan once a score this high is found.
const earlyExit = 0.99

// EditDistance returns the Levenshtein distance between a and b, counting
// runes. Insertion, deletion and substitution each cost 1.
func EditDistance(a, b string) int {
	return levenshtein.ComputeDistance(a, b)
}

// Score returns the similarity of a and b in [0, 1]:
//
//	equal strings              1.0
//	one contains the other     len(shorter) / len(longer)
//	otherwise                  1 - EditDistance / max(len)
func Score(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	if la < lb && strings.Contains(b, a) {
		return float64(la) / float64(lb)
	}
	if lb <= la && strings.Contains(a, b) {
		return float64(lb) / float64(la)
	}
	return 1 - float64(EditDistance(a, b))/float64(max(la, lb))
}

// BestPair returns the highest Score over every (query, candidate) pair.
// Both sides are lowercased and trimmed; blank tokens are ignored.
func BestPair(queries, candidates []string) float64 {
	best := 0.0
	for _, q := range queries {
		q = strings.ToLower(strings.TrimSpace(q))
		if q == "" {
			continue
		}
		for _, c := range candidates {
			c = strings.ToLower(strings.TrimSpace(c))
			if c == "" {
				continue
			}
			if s := Score(q, c); s > best {
				best = s
				if best >= earlyExit {
					return best
				}
			}
		}
	}
	return best
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths
// and zero vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
