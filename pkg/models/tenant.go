package models

import (
	"github.com/google/uuid"
)

// TenantScope is the (client account, engagement) pair that isolates all
// identity data. Every registry read and write is filtered by it.
type TenantScope struct {
	ClientAccountID uuid.UUID `json:"client_account_id"`
	EngagementID    uuid.UUID `json:"engagement_id"`
}

// NewTenantScope builds a scope from its two identifiers.
func NewTenantScope(clientAccountID, engagementID uuid.UUID) TenantScope {
	return TenantScope{ClientAccountID: clientAccountID, EngagementID: engagementID}
}

// IsValid reports whether both identifiers are set.
func (s TenantScope) IsValid() bool {
	return s.ClientAccountID != uuid.Nil && s.EngagementID != uuid.Nil
}

// String renders the scope for log fields.
func (s TenantScope) String() string {
	return s.ClientAccountID.String() + "/" + s.EngagementID.String()
}
