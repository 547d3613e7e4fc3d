package modes

import (
	"strings"
	"unicode"
)

// duplicateThreshold is the token-set Jaccard similarity at which two votes
// count as the same answer.
const duplicateThreshold = 0.85

// Consensus scores agreement among votes as 1 - (distinct-1)/total, where
// near-duplicate votes share one bucket. Identical votes score 1.0; no
// votes score 0.
func Consensus(votes []string) float64 {
	if len(votes) == 0 {
		return 0
	}
	distinct := len(Buckets(votes))
	return 1 - float64(distinct-1)/float64(len(votes))
}

// Buckets groups vote indexes by near-duplicate answer. Each vote joins the
// first bucket whose founding vote it resembles.
func Buckets(votes []string) [][]int {
	type bucket struct {
		tokens  map[string]struct{}
		members []int
	}
	var buckets []*bucket
	for i, v := range votes {
		toks := tokenSet(v)
		placed := false
		for _, b := range buckets {
			if jaccard(toks, b.tokens) >= duplicateThreshold {
				b.members = append(b.members, i)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, &bucket{tokens: toks, members: []int{i}})
		}
	}
	out := make([][]int, len(buckets))
	for i, b := range buckets {
		out[i] = b.members
	}
	return out
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
