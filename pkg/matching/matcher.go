package matching

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

// ErrUnavailable is returned by a SemanticMatcher whose backing infrastructure
// cannot serve the request. Callers drop the semantic tier and carry on.
var ErrUnavailable = errors.New("semantic matcher unavailable")

// CorpusEntry is one known name in a tenant's corpus. Variant names appear
// alongside canonical names and point at the canonical identity that owns them.
type CorpusEntry struct {
	CanonicalID uuid.UUID
	Text        string // normalized name
	Embedding   []float32
	CreatedAt   time.Time
}

// Match is the best approximate candidate found by a matcher.
type Match struct {
	CanonicalID uuid.UUID
	Text        string
	Score       float64
	Method      models.MatchMethod
}

// FuzzyMatcher finds the closest normalized name in a corpus.
type FuzzyMatcher struct {
	score ScoreFunc
}

// NewFuzzyMatcher returns a matcher using score, or Scorer.Similarity when score is nil.
func NewFuzzyMatcher(score ScoreFunc) *FuzzyMatcher {
	if score == nil {
		score = NewScorer().Similarity
	}
	return &FuzzyMatcher{score: score}
}

// Match returns the highest scoring entry whose score is at least threshold,
// or nil. Equal scores go to the earliest entry, then the lowest canonical id,
// so re-runs over the same corpus always pick the same winner.
func (m *FuzzyMatcher) Match(candidate string, corpus []CorpusEntry, threshold float64) *Match {
	var best *CorpusEntry
	bestScore := -1.0
	for i := range corpus {
		e := &corpus[i]
		s := m.score(candidate, e.Text)
		if s < threshold {
			continue
		}
		if best == nil || s > bestScore || (s == bestScore && precedes(e, best)) {
			best, bestScore = e, s
		}
	}
	if best == nil {
		return nil
	}
	return &Match{CanonicalID: best.CanonicalID, Text: best.Text, Score: bestScore, Method: models.MatchMethodFuzzy}
}

// VectorMatcher finds the nearest stored embedding by cosine similarity.
type VectorMatcher struct{}

// Match returns the nearest entry whose similarity is at least threshold, or
// nil. Entries without an embedding are skipped. Ties follow FuzzyMatcher.
func (VectorMatcher) Match(query []float32, corpus []CorpusEntry, threshold float64) *Match {
	if len(query) == 0 {
		return nil
	}
	var best *CorpusEntry
	bestScore := -1.0
	for i := range corpus {
		e := &corpus[i]
		if len(e.Embedding) == 0 {
			continue
		}
		s := CosineSimilarity(query, e.Embedding)
		if s < threshold {
			continue
		}
		if best == nil || s > bestScore || (s == bestScore && precedes(e, best)) {
			best, bestScore = e, s
		}
	}
	if best == nil {
		return nil
	}
	return &Match{CanonicalID: best.CanonicalID, Text: best.Text, Score: bestScore, Method: models.MatchMethodVector}
}

func precedes(a, b *CorpusEntry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.CanonicalID[:], b.CanonicalID[:]) < 0
}

// SemanticMatcher is the optional vector tier. Embed produces the query
// vector; it returns ErrUnavailable (possibly wrapped) instead of failing when
// the provider cannot serve. Match is pure and runs against a corpus the
// caller loaded from the same tenant scope.
type SemanticMatcher interface {
	Embed(ctx context.Context, name string) ([]float32, error)
	Match(query []float32, corpus []CorpusEntry, threshold float64) *Match
}

// Unavailable is the SemanticMatcher used when vector search is not configured.
type Unavailable struct {
	VectorMatcher
}

var _ SemanticMatcher = Unavailable{}

// Embed always reports ErrUnavailable.
func (Unavailable) Embed(context.Context, string) ([]float32, error) {
	return nil, ErrUnavailable
}
