package models

import (
	"time"

	"github.com/google/uuid"
)

// MatchMethod records which tier attached a variant to its canonical identity.
type MatchMethod string

const (
	MatchMethodExact  MatchMethod = "EXACT"
	MatchMethodFuzzy  MatchMethod = "FUZZY"
	MatchMethodVector MatchMethod = "VECTOR"
	MatchMethodManual MatchMethod = "MANUAL"

	// MatchMethodNew is reported (never stored) when resolution created a new canonical identity.
	MatchMethodNew MatchMethod = "new"
)

// IsValid reports whether m is one of the persisted match methods.
func (m MatchMethod) IsValid() bool {
	switch m {
	case MatchMethodExact, MatchMethodFuzzy, MatchMethodVector, MatchMethodManual:
		return true
	default:
		return false
	}
}

// NameVariant is a raw spelling that resolves to a CanonicalIdentity without
// being byte-identical to its canonical name. Stored in name_variants, unique
// per (client_account_id, engagement_id, normalized_variant), deleted with its
// canonical identity.
type NameVariant struct {
	ID                  uuid.UUID `json:"id"`
	CanonicalIdentityID uuid.UUID `json:"canonical_identity_id"`
	ClientAccountID     uuid.UUID `json:"client_account_id"`
	EngagementID        uuid.UUID `json:"engagement_id"`

	VariantName       string    `json:"variant_name"`
	NormalizedVariant string    `json:"normalized_variant"`
	VariantHash       string    `json:"variant_hash"`
	Embedding         []float32 `json:"-"`

	SimilarityScore      float64     `json:"similarity_score"` // 1.0 for exact-normalized matches
	MatchMethod          MatchMethod `json:"match_method"`
	MatchConfidence      float64     `json:"match_confidence"`
	RequiresVerification bool        `json:"requires_verification"`

	UsageCount  int       `json:"usage_count"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

// Scope returns the tenant scope that owns the variant.
func (v *NameVariant) Scope() TenantScope {
	return NewTenantScope(v.ClientAccountID, v.EngagementID)
}
