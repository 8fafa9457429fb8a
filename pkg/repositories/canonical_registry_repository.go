package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/database"
	"github.com/ekaya-inc/ekaya-identity/pkg/matching"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

// CanonicalRegistryRepository is the persistence boundary for canonical
// identities and their name variants. Every query is filtered by tenant scope.
// Methods run on the transaction carried by ctx when there is one, otherwise
// on the tenant-scoped connection.
type CanonicalRegistryRepository interface {
	// Canonical identities
	GetByNormalizedName(ctx context.Context, scope models.TenantScope, normalized string) (*models.CanonicalIdentity, error)
	GetByID(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.CanonicalIdentity, error)
	// CreateCanonical inserts c, or returns the row a concurrent writer already
	// inserted for the same normalized name. created reports which happened.
	CreateCanonical(ctx context.Context, c *models.CanonicalIdentity) (result *models.CanonicalIdentity, created bool, err error)
	IncrementCanonicalUsage(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.CanonicalIdentity, error)
	List(ctx context.Context, scope models.TenantScope, limit, offset int) ([]*models.CanonicalIdentity, error)
	Verify(ctx context.Context, scope models.TenantScope, id uuid.UUID, params VerifyParams) (*models.CanonicalIdentity, error)

	// Name variants
	GetVariantByNormalized(ctx context.Context, scope models.TenantScope, normalized string) (*models.NameVariant, error)
	// CreateOrGetVariant is CreateCanonical's counterpart keyed on normalized_variant.
	CreateOrGetVariant(ctx context.Context, v *models.NameVariant) (result *models.NameVariant, created bool, err error)
	IncrementVariantUsage(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error)
	ListVariantsByCanonical(ctx context.Context, scope models.TenantScope, canonicalID uuid.UUID) ([]*models.NameVariant, error)
	ListPendingVariants(ctx context.Context, scope models.TenantScope) ([]*models.NameVariant, error)
	ConfirmVariant(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error)

	// Corpora for the approximate tiers
	ListNameCorpus(ctx context.Context, scope models.TenantScope) ([]matching.CorpusEntry, error)
	ListEmbeddingCorpus(ctx context.Context, scope models.TenantScope) ([]matching.CorpusEntry, error)
}

// VerifyParams describes a curation decision on a canonical identity.
type VerifyParams struct {
	Source          string
	ConfidenceScore *float64 // nil leaves the score unchanged
	VerifiedBy      *uuid.UUID
}

type canonicalRegistryRepository struct{}

// NewCanonicalRegistryRepository creates a new CanonicalRegistryRepository.
func NewCanonicalRegistryRepository() CanonicalRegistryRepository {
	return &canonicalRegistryRepository{}
}

var _ CanonicalRegistryRepository = (*canonicalRegistryRepository)(nil)

const canonicalColumns = `
	id, client_account_id, engagement_id, canonical_name, normalized_name, name_hash,
	embedding, COALESCE(description, ''), COALESCE(application_type, ''), metadata,
	confidence_score, is_verified, verification_source, usage_count, last_used_at,
	created_by, updated_by, created_at, updated_at`

const variantColumns = `
	id, canonical_identity_id, client_account_id, engagement_id, variant_name,
	normalized_variant, variant_hash, embedding, similarity_score, match_method,
	match_confidence, requires_verification, usage_count, first_seen_at, last_used_at`

// ============================================================================
// Canonical Identity Operations
// ============================================================================

func (r *canonicalRegistryRepository) GetByNormalizedName(ctx context.Context, scope models.TenantScope, normalized string) (*models.CanonicalIdentity, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + canonicalColumns + `
		FROM canonical_identities
		WHERE client_account_id = $1 AND engagement_id = $2 AND normalized_name = $3`

	c, err := scanCanonicalIdentity(q.QueryRow(ctx, query, scope.ClientAccountID, scope.EngagementID, normalized))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *canonicalRegistryRepository) GetByID(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.CanonicalIdentity, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + canonicalColumns + `
		FROM canonical_identities
		WHERE client_account_id = $1 AND engagement_id = $2 AND id = $3`

	c, err := scanCanonicalIdentity(q.QueryRow(ctx, query, scope.ClientAccountID, scope.EngagementID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

func (r *canonicalRegistryRepository) CreateCanonical(ctx context.Context, c *models.CanonicalIdentity) (*models.CanonicalIdentity, bool, error) {
	scope := c.Scope()
	if !scope.IsValid() {
		return nil, false, apperrors.ErrInvalidTenantScope
	}

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}

	query := `
		INSERT INTO canonical_identities (
			id, client_account_id, engagement_id, canonical_name, normalized_name, name_hash,
			embedding, description, application_type, metadata,
			confidence_score, is_verified, verification_source, usage_count, last_used_at,
			created_by, updated_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10,
			$11, $12, $13, 1, now(), $14, $14, now(), now()
		)
		RETURNING ` + canonicalColumns

	var inserted *models.CanonicalIdentity
	// The insert runs in its own savepoint: a unique violation aborts the
	// enclosing transaction unless it is rolled back to a boundary first.
	err := database.WithTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}
		row := q.QueryRow(ctx, query,
			c.ID, c.ClientAccountID, c.EngagementID, c.CanonicalName, c.NormalizedName, c.NameHash,
			c.Embedding, c.Description, c.ApplicationType, c.Metadata,
			c.ConfidenceScore, c.IsVerified, c.VerificationSource, c.CreatedBy,
		)
		inserted, err = scanCanonicalIdentity(row)
		return err
	})
	if err == nil {
		return inserted, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create canonical identity: %w", err)
	}

	// Lost the race to a concurrent writer; their row is the answer.
	existing, err := r.GetByNormalizedName(ctx, scope, c.NormalizedName)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("canonical identity %q conflicted but is not visible: %w", c.NormalizedName, apperrors.ErrConflict)
	}
	return existing, false, nil
}

func (r *canonicalRegistryRepository) IncrementCanonicalUsage(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.CanonicalIdentity, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE canonical_identities
		SET usage_count = usage_count + 1, last_used_at = now()
		WHERE client_account_id = $1 AND engagement_id = $2 AND id = $3
		RETURNING ` + canonicalColumns

	c, err := scanCanonicalIdentity(q.QueryRow(ctx, query, scope.ClientAccountID, scope.EngagementID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (r *canonicalRegistryRepository) List(ctx context.Context, scope models.TenantScope, limit, offset int) ([]*models.CanonicalIdentity, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + canonicalColumns + `
		FROM canonical_identities
		WHERE client_account_id = $1 AND engagement_id = $2
		ORDER BY usage_count DESC, canonical_name, id
		LIMIT $3 OFFSET $4`

	rows, err := q.Query(ctx, query, scope.ClientAccountID, scope.EngagementID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query canonical identities: %w", err)
	}
	defer rows.Close()

	var out []*models.CanonicalIdentity
	for rows.Next() {
		c, err := scanCanonicalIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating canonical identities: %w", err)
	}
	return out, nil
}

func (r *canonicalRegistryRepository) Verify(ctx context.Context, scope models.TenantScope, id uuid.UUID, params VerifyParams) (*models.CanonicalIdentity, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE canonical_identities
		SET is_verified = true,
		    verification_source = $4,
		    confidence_score = COALESCE($5, confidence_score),
		    updated_by = $6,
		    updated_at = now()
		WHERE client_account_id = $1 AND engagement_id = $2 AND id = $3
		RETURNING ` + canonicalColumns

	c, err := scanCanonicalIdentity(q.QueryRow(ctx, query,
		scope.ClientAccountID, scope.EngagementID, id, params.Source, params.ConfidenceScore, params.VerifiedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// ============================================================================
// Name Variant Operations
// ============================================================================

func (r *canonicalRegistryRepository) GetVariantByNormalized(ctx context.Context, scope models.TenantScope, normalized string) (*models.NameVariant, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + variantColumns + `
		FROM name_variants
		WHERE client_account_id = $1 AND engagement_id = $2 AND normalized_variant = $3`

	v, err := scanNameVariant(q.QueryRow(ctx, query, scope.ClientAccountID, scope.EngagementID, normalized))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return v, nil
}

func (r *canonicalRegistryRepository) CreateOrGetVariant(ctx context.Context, v *models.NameVariant) (*models.NameVariant, bool, error) {
	scope := v.Scope()
	if !scope.IsValid() {
		return nil, false, apperrors.ErrInvalidTenantScope
	}
	if !v.MatchMethod.IsValid() {
		return nil, false, fmt.Errorf("invalid match method %q", v.MatchMethod)
	}

	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	query := `
		INSERT INTO name_variants (
			id, canonical_identity_id, client_account_id, engagement_id, variant_name,
			normalized_variant, variant_hash, embedding, similarity_score, match_method,
			match_confidence, requires_verification, usage_count, first_seen_at, last_used_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, now(), now())
		RETURNING ` + variantColumns

	var inserted *models.NameVariant
	err := database.WithTx(ctx, func(ctx context.Context) error {
		q, err := database.GetQuerier(ctx)
		if err != nil {
			return err
		}
		row := q.QueryRow(ctx, query,
			v.ID, v.CanonicalIdentityID, v.ClientAccountID, v.EngagementID, v.VariantName,
			v.NormalizedVariant, v.VariantHash, v.Embedding, v.SimilarityScore, string(v.MatchMethod),
			v.MatchConfidence, v.RequiresVerification,
		)
		inserted, err = scanNameVariant(row)
		return err
	})
	if err == nil {
		return inserted, true, nil
	}
	if !isUniqueViolation(err) {
		return nil, false, fmt.Errorf("failed to create name variant: %w", err)
	}

	existing, err := r.GetVariantByNormalized(ctx, scope, v.NormalizedVariant)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("name variant %q conflicted but is not visible: %w", v.NormalizedVariant, apperrors.ErrConflict)
	}
	return existing, false, nil
}

func (r *canonicalRegistryRepository) IncrementVariantUsage(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE name_variants
		SET usage_count = usage_count + 1, last_used_at = now()
		WHERE client_account_id = $1 AND engagement_id = $2 AND id = $3
		RETURNING ` + variantColumns

	v, err := scanNameVariant(q.QueryRow(ctx, query, scope.ClientAccountID, scope.EngagementID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (r *canonicalRegistryRepository) ListVariantsByCanonical(ctx context.Context, scope models.TenantScope, canonicalID uuid.UUID) ([]*models.NameVariant, error) {
	query := `SELECT ` + variantColumns + `
		FROM name_variants
		WHERE client_account_id = $1 AND engagement_id = $2 AND canonical_identity_id = $3
		ORDER BY first_seen_at, id`

	return r.queryVariants(ctx, query, scope.ClientAccountID, scope.EngagementID, canonicalID)
}

func (r *canonicalRegistryRepository) ListPendingVariants(ctx context.Context, scope models.TenantScope) ([]*models.NameVariant, error) {
	query := `SELECT ` + variantColumns + `
		FROM name_variants
		WHERE client_account_id = $1 AND engagement_id = $2 AND requires_verification
		ORDER BY first_seen_at, id`

	return r.queryVariants(ctx, query, scope.ClientAccountID, scope.EngagementID)
}

func (r *canonicalRegistryRepository) ConfirmVariant(ctx context.Context, scope models.TenantScope, id uuid.UUID) (*models.NameVariant, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		UPDATE name_variants
		SET requires_verification = false
		WHERE client_account_id = $1 AND engagement_id = $2 AND id = $3
		RETURNING ` + variantColumns

	v, err := scanNameVariant(q.QueryRow(ctx, query, scope.ClientAccountID, scope.EngagementID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (r *canonicalRegistryRepository) queryVariants(ctx context.Context, query string, args ...any) ([]*models.NameVariant, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query name variants: %w", err)
	}
	defer rows.Close()

	var out []*models.NameVariant
	for rows.Next() {
		v, err := scanNameVariant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating name variants: %w", err)
	}
	return out, nil
}

// ============================================================================
// Corpus Operations
// ============================================================================

// ListNameCorpus returns every canonical and variant normalized name in scope,
// oldest first.
func (r *canonicalRegistryRepository) ListNameCorpus(ctx context.Context, scope models.TenantScope) ([]matching.CorpusEntry, error) {
	query := `
		SELECT id, normalized_name, NULL::real[], created_at
		FROM canonical_identities
		WHERE client_account_id = $1 AND engagement_id = $2
		UNION ALL
		SELECT canonical_identity_id, normalized_variant, NULL::real[], first_seen_at
		FROM name_variants
		WHERE client_account_id = $1 AND engagement_id = $2
		ORDER BY 4, 1`

	return r.queryCorpus(ctx, query, scope)
}

// ListEmbeddingCorpus is ListNameCorpus restricted to entries with a stored embedding.
func (r *canonicalRegistryRepository) ListEmbeddingCorpus(ctx context.Context, scope models.TenantScope) ([]matching.CorpusEntry, error) {
	query := `
		SELECT id, normalized_name, embedding, created_at
		FROM canonical_identities
		WHERE client_account_id = $1 AND engagement_id = $2 AND embedding IS NOT NULL
		UNION ALL
		SELECT canonical_identity_id, normalized_variant, embedding, first_seen_at
		FROM name_variants
		WHERE client_account_id = $1 AND engagement_id = $2 AND embedding IS NOT NULL
		ORDER BY 4, 1`

	return r.queryCorpus(ctx, query, scope)
}

func (r *canonicalRegistryRepository) queryCorpus(ctx context.Context, query string, scope models.TenantScope) ([]matching.CorpusEntry, error) {
	q, err := database.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, query, scope.ClientAccountID, scope.EngagementID)
	if err != nil {
		return nil, fmt.Errorf("failed to query name corpus: %w", err)
	}
	defer rows.Close()

	var out []matching.CorpusEntry
	for rows.Next() {
		var e matching.CorpusEntry
		if err := rows.Scan(&e.CanonicalID, &e.Text, &e.Embedding, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan corpus entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating name corpus: %w", err)
	}
	return out, nil
}

// ============================================================================
// Helpers
// ============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func scanCanonicalIdentity(row pgx.Row) (*models.CanonicalIdentity, error) {
	var c models.CanonicalIdentity

	err := row.Scan(
		&c.ID, &c.ClientAccountID, &c.EngagementID, &c.CanonicalName, &c.NormalizedName, &c.NameHash,
		&c.Embedding, &c.Description, &c.ApplicationType, &c.Metadata,
		&c.ConfidenceScore, &c.IsVerified, &c.VerificationSource, &c.UsageCount, &c.LastUsedAt,
		&c.CreatedBy, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan canonical identity: %w", err)
	}

	return &c, nil
}

func scanNameVariant(row pgx.Row) (*models.NameVariant, error) {
	var v models.NameVariant
	var method string

	err := row.Scan(
		&v.ID, &v.CanonicalIdentityID, &v.ClientAccountID, &v.EngagementID, &v.VariantName,
		&v.NormalizedVariant, &v.VariantHash, &v.Embedding, &v.SimilarityScore, &method,
		&v.MatchConfidence, &v.RequiresVerification, &v.UsageCount, &v.FirstSeenAt, &v.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan name variant: %w", err)
	}
	v.MatchMethod = models.MatchMethod(method)

	return &v, nil
}
