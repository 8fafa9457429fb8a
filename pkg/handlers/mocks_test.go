package handlers

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/services"
)

// passthroughTenant stands in for database.WithTenantContext.
func passthroughTenant(next http.HandlerFunc) http.HandlerFunc { return next }

// mockResolutionService implements services.ResolutionService and records
// the last call.
type mockResolutionService struct {
	namesResult *services.ResolveNamesResult
	bulkResult  *services.BulkResult
	err         error

	gotScope models.TenantScope
	gotActor *uuid.UUID
	gotNames services.ResolveNamesRequest
	gotBulk  services.BulkRequest
}

func (m *mockResolutionService) ResolveName(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, name string, opts *models.ResolveOptions) (*models.ResolutionResult, error) {
	out, err := m.ResolveNames(ctx, scope, actor, services.ResolveNamesRequest{Names: []string{name}, Options: opts})
	if err != nil {
		return nil, err
	}
	return out.Results[0], nil
}

func (m *mockResolutionService) ResolveNames(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, req services.ResolveNamesRequest) (*services.ResolveNamesResult, error) {
	m.gotScope, m.gotActor, m.gotNames = scope, actor, req
	if m.err != nil {
		return nil, m.err
	}
	return m.namesResult, nil
}

func (m *mockResolutionService) ResolveBulk(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, req services.BulkRequest) (*services.BulkResult, error) {
	m.gotScope, m.gotActor, m.gotBulk = scope, actor, req
	if m.err != nil {
		return nil, m.err
	}
	return m.bulkResult, nil
}

// mockCurationService implements services.CurationService.
type mockCurationService struct {
	detail   *services.CanonicalDetail
	list     []*models.CanonicalIdentity
	pending  []*models.NameVariant
	verified *models.CanonicalIdentity
	variant  *models.NameVariant
	err      error

	gotLimit, gotOffset int
	gotVerify           services.VerifyRequest
	gotActor            *uuid.UUID
	gotID               uuid.UUID
}

func (m *mockCurationService) GetCanonical(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*services.CanonicalDetail, error) {
	m.gotID = id
	return m.detail, m.err
}

func (m *mockCurationService) ListCanonicals(ctx context.Context, scope models.TenantScope, limit, offset int) ([]*models.CanonicalIdentity, error) {
	m.gotLimit, m.gotOffset = limit, offset
	return m.list, m.err
}

func (m *mockCurationService) VerifyCanonical(ctx context.Context, scope models.TenantScope, id uuid.UUID, actor *uuid.UUID, req services.VerifyRequest) (*models.CanonicalIdentity, error) {
	m.gotID, m.gotActor, m.gotVerify = id, actor, req
	return m.verified, m.err
}

func (m *mockCurationService) ListPendingVariants(ctx context.Context, scope models.TenantScope) ([]*models.NameVariant, error) {
	return m.pending, m.err
}

func (m *mockCurationService) ConfirmVariant(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error) {
	m.gotID = id
	return m.variant, m.err
}
