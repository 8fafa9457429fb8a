// Package matching implements the approximate tiers of name resolution:
// string similarity over normalized names and cosine similarity over
// embeddings. Everything here is pure and safe for concurrent use.
package matching

import (
	"math"
	"sort"
	"strings"
)

// ScoreFunc returns a similarity in [0,1] between two normalized names.
type ScoreFunc func(a, b string) float64

// Scorer provides the string comparison algorithms used by the fuzzy tier.
// All comparisons operate on runes, not bytes.
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Similarity is the fuzzy tier's metric: the better of the plain edit-distance
// ratio and the ratio over word-sorted input, so "crm salesforce" still scores
// as "salesforce crm".
func (s *Scorer) Similarity(a, b string) float64 {
	return math.Max(s.Levenshtein(a, b), s.TokenSortRatio(a, b))
}

// Levenshtein returns 1 - distance/maxLen, in [0,1].
func (s *Scorer) Levenshtein(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	maxLen := max(len(ra), len(rb))
	if maxLen == 0 {
		return 1.0
	}
	return 1.0 - float64(levenshteinDistance(ra, rb))/float64(maxLen)
}

// LevenshteinDistance returns the rune edit distance between a and b.
func (s *Scorer) LevenshteinDistance(a, b string) int {
	return levenshteinDistance([]rune(a), []rune(b))
}

// TokenSortRatio compares a and b after sorting their whitespace-separated words.
func (s *Scorer) TokenSortRatio(a, b string) float64 {
	return s.Levenshtein(sortTokens(a), sortTokens(b))
}

func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

func levenshteinDistance(a, b []rune) int {
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
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}
			curr[j] = min(
				curr[j-1]+1,    // insertion
				prev[j]+1,      // deletion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// CosineSimilarity returns the cosine of the angle between a and b clamped to
// [0,1]. Vectors of different length or zero magnitude score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	switch {
	case sim < 0:
		return 0
	case sim > 1:
		return 1
	}
	return sim
}
