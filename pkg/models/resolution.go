package models

// ResolutionResult is returned for every resolved input name. It is never persisted.
type ResolutionResult struct {
	Name              string             `json:"name"`
	CanonicalIdentity *CanonicalIdentity `json:"canonical_identity"`
	// Variant is nil when the raw name equals the canonical name verbatim
	// or a new canonical identity was created.
	Variant *NameVariant `json:"name_variant,omitempty"`

	IsNewCanonical       bool        `json:"is_new_canonical"`
	IsNewVariant         bool        `json:"is_new_variant"`
	MatchMethod          MatchMethod `json:"match_method"`
	SimilarityScore      float64     `json:"similarity_score"`
	ConfidenceScore      float64     `json:"confidence_score"`
	RequiresVerification bool        `json:"requires_verification"`
	IdempotencyKey       string      `json:"idempotency_key"`
}

// ResolveOptions are per-request overrides of the configured resolution
// settings. Nil fields fall back to configuration.
type ResolveOptions struct {
	SimilarityThreshold     *float64 `json:"similarity_threshold,omitempty"`
	EnableVectorSearch      *bool    `json:"enable_vector_search,omitempty"`
	AutoMergeHighConfidence *bool    `json:"auto_merge_high_confidence,omitempty"`
}

// BulkFailure describes one bulk item that could not be resolved.
type BulkFailure struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
	Error string `json:"error"`
}

// ResolutionStats aggregates the outcomes of a resolution request.
type ResolutionStats struct {
	TotalProcessed       int                 `json:"total_processed"`
	NewCanonicals        int                 `json:"new_canonicals"`
	ExistingMatched      int                 `json:"existing_matched"`
	VariantsCreated      int                 `json:"variants_created"`
	RequiresVerification int                 `json:"requires_verification"`
	Failed               int                 `json:"failed"`
	MatchMethods         map[MatchMethod]int `json:"match_methods"`
}

// NewResolutionStats returns empty stats with the histogram allocated.
func NewResolutionStats() *ResolutionStats {
	return &ResolutionStats{MatchMethods: make(map[MatchMethod]int)}
}

// Record counts one successful result.
func (s *ResolutionStats) Record(r *ResolutionResult) {
	if s.MatchMethods == nil {
		s.MatchMethods = make(map[MatchMethod]int)
	}
	s.TotalProcessed++
	if r.IsNewCanonical {
		s.NewCanonicals++
	} else {
		s.ExistingMatched++
	}
	if r.IsNewVariant {
		s.VariantsCreated++
	}
	if r.RequiresVerification {
		s.RequiresVerification++
	}
	s.MatchMethods[r.MatchMethod]++
}

// RecordFailure counts one failed bulk item. Failed items are not part of TotalProcessed.
func (s *ResolutionStats) RecordFailure() {
	s.Failed++
}

// Merge folds other into s.
func (s *ResolutionStats) Merge(other *ResolutionStats) {
	if other == nil {
		return
	}
	if s.MatchMethods == nil {
		s.MatchMethods = make(map[MatchMethod]int)
	}
	s.TotalProcessed += other.TotalProcessed
	s.NewCanonicals += other.NewCanonicals
	s.ExistingMatched += other.ExistingMatched
	s.VariantsCreated += other.VariantsCreated
	s.RequiresVerification += other.RequiresVerification
	s.Failed += other.Failed
	for m, n := range other.MatchMethods {
		s.MatchMethods[m] += n
	}
}
