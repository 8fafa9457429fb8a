package models

import (
	"time"

	"github.com/google/uuid"
)

// Verification sources for canonical identities.
const (
	VerificationSourceSystem = "system" // created by the resolution engine
	VerificationSourceManual = "manual" // confirmed by a person
	VerificationSourceImport = "import" // confirmed by a trusted import
)

// DefaultConfidenceScore is the confidence assigned to a newly created canonical identity.
const DefaultConfidenceScore = 1.0

// CanonicalIdentity is the authoritative record for one real-world application
// within one tenant scope. Stored in canonical_identities, unique per
// (client_account_id, engagement_id, normalized_name).
type CanonicalIdentity struct {
	ID              uuid.UUID `json:"id"`
	ClientAccountID uuid.UUID `json:"client_account_id"`
	EngagementID    uuid.UUID `json:"engagement_id"`

	CanonicalName  string    `json:"canonical_name"`  // first-seen or curated display name
	NormalizedName string    `json:"normalized_name"` // naming.Normalize(CanonicalName)
	NameHash       string    `json:"name_hash"`       // naming.ContentHash(NormalizedName)
	Embedding      []float32 `json:"-"`

	// Business attributes are stored as supplied; the engine never interprets them.
	Description     string         `json:"description,omitempty"`
	ApplicationType string         `json:"application_type,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"` // tech stack, criticality, ...

	ConfidenceScore    float64 `json:"confidence_score"`
	IsVerified         bool    `json:"is_verified"`
	VerificationSource string  `json:"verification_source"`

	UsageCount int        `json:"usage_count"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`

	CreatedBy *uuid.UUID `json:"created_by,omitempty"`
	UpdatedBy *uuid.UUID `json:"updated_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Scope returns the tenant scope that owns the record.
func (c *CanonicalIdentity) Scope() TenantScope {
	return NewTenantScope(c.ClientAccountID, c.EngagementID)
}

// ApplicationAttributes are the optional business attributes a caller may
// supply when a name is resolved. They are applied only when a new canonical
// identity is created.
type ApplicationAttributes struct {
	Description     string         `json:"description,omitempty"`
	ApplicationType string         `json:"application_type,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
