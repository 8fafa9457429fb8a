package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/repositories"
)

// Paging bounds for ListCanonicals.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// CanonicalDetail is a canonical identity together with its variants.
type CanonicalDetail struct {
	Canonical *models.CanonicalIdentity `json:"canonical_identity"`
	Variants  []*models.NameVariant     `json:"variants"`
}

// VerifyRequest is a curation decision on a canonical identity.
type VerifyRequest struct {
	Source          string   `json:"verification_source"` // manual (default) or import
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// CurationService exposes read and confirm operations over the registry.
// It never merges or deletes identities.
type CurationService interface {
	GetCanonical(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*CanonicalDetail, error)
	ListCanonicals(ctx context.Context, scope models.TenantScope, limit, offset int) ([]*models.CanonicalIdentity, error)
	VerifyCanonical(ctx context.Context, scope models.TenantScope, id uuid.UUID, actor *uuid.UUID, req VerifyRequest) (*models.CanonicalIdentity, error)
	ListPendingVariants(ctx context.Context, scope models.TenantScope) ([]*models.NameVariant, error)
	ConfirmVariant(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error)
}

type curationService struct {
	repo   repositories.CanonicalRegistryRepository
	logger *zap.Logger
}

var _ CurationService = (*curationService)(nil)

// NewCurationService creates a new CurationService.
func NewCurationService(repo repositories.CanonicalRegistryRepository, logger *zap.Logger) CurationService {
	return &curationService{
		repo:   repo,
		logger: logger.Named("curation"),
	}
}

func (s *curationService) GetCanonical(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*CanonicalDetail, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	c, err := s.repo.GetByID(ctx, scope, id)
	if err != nil {
		return nil, fmt.Errorf("get canonical identity: %w", err)
	}
	if c == nil {
		return nil, apperrors.ErrNotFound
	}
	variants, err := s.repo.ListVariantsByCanonical(ctx, scope, id)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	if variants == nil {
		variants = []*models.NameVariant{}
	}
	return &CanonicalDetail{Canonical: c, Variants: variants}, nil
}

func (s *curationService) ListCanonicals(ctx context.Context, scope models.TenantScope, limit, offset int) ([]*models.CanonicalIdentity, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	if limit < 1 || limit > MaxListLimit {
		return nil, apperrors.NewValidationError("limit", "must be between 1 and %d, got %d", MaxListLimit, limit)
	}
	if offset < 0 {
		return nil, apperrors.NewValidationError("offset", "must not be negative, got %d", offset)
	}

	list, err := s.repo.List(ctx, scope, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list canonical identities: %w", err)
	}
	if list == nil {
		list = []*models.CanonicalIdentity{}
	}
	return list, nil
}

func (s *curationService) VerifyCanonical(ctx context.Context, scope models.TenantScope, id uuid.UUID, actor *uuid.UUID, req VerifyRequest) (*models.CanonicalIdentity, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	source := req.Source
	switch source {
	case "":
		source = models.VerificationSourceManual
	case models.VerificationSourceManual, models.VerificationSourceImport:
	default:
		return nil, apperrors.NewValidationError("verification_source", "must be %q or %q, got %q",
			models.VerificationSourceManual, models.VerificationSourceImport, req.Source)
	}
	if req.ConfidenceScore != nil && (*req.ConfidenceScore < 0 || *req.ConfidenceScore > 1) {
		return nil, apperrors.NewValidationError("confidence_score", "must be between 0 and 1, got %v", *req.ConfidenceScore)
	}

	c, err := s.repo.Verify(ctx, scope, id, repositories.VerifyParams{
		Source:          source,
		ConfidenceScore: req.ConfidenceScore,
		VerifiedBy:      actor,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Canonical identity verified",
		zap.String("canonical_id", id.String()),
		zap.String("engagement_id", scope.EngagementID.String()),
		zap.String("verification_source", source))
	return c, nil
}

func (s *curationService) ListPendingVariants(ctx context.Context, scope models.TenantScope) ([]*models.NameVariant, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	variants, err := s.repo.ListPendingVariants(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("list pending variants: %w", err)
	}
	if variants == nil {
		variants = []*models.NameVariant{}
	}
	return variants, nil
}

func (s *curationService) ConfirmVariant(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error) {
	if err := validateScope(scope); err != nil {
		return nil, err
	}
	v, err := s.repo.ConfirmVariant(ctx, scope, id)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Name variant confirmed",
		zap.String("variant_id", id.String()),
		zap.String("canonical_id", v.CanonicalIdentityID.String()))
	return v, nil
}
