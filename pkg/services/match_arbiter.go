package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/config"
	"github.com/ekaya-inc/ekaya-identity/pkg/matching"
	"github.com/ekaya-inc/ekaya-identity/pkg/metrics"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/naming"
	"github.com/ekaya-inc/ekaya-identity/pkg/repositories"
)

// ArbiterSettings are the effective thresholds for one resolution request.
type ArbiterSettings struct {
	FuzzyThreshold          float64
	VectorThreshold         float64
	AutoMergeThreshold      float64
	EnableVectorSearch      bool
	AutoMergeHighConfidence bool
}

// SettingsFromConfig builds the default settings from configuration.
func SettingsFromConfig(cfg config.ResolutionConfig) ArbiterSettings {
	return ArbiterSettings{
		FuzzyThreshold:          cfg.FuzzyThreshold,
		VectorThreshold:         cfg.EffectiveVectorThreshold(),
		AutoMergeThreshold:      cfg.AutoMergeThreshold,
		EnableVectorSearch:      cfg.EnableVectorSearch,
		AutoMergeHighConfidence: cfg.AutoMergeHighConfidence,
	}
}

// WithOptions applies per-request overrides. A similarity threshold replaces
// both the fuzzy and the vector threshold.
func (s ArbiterSettings) WithOptions(opts *models.ResolveOptions) ArbiterSettings {
	if opts == nil {
		return s
	}
	if opts.SimilarityThreshold != nil {
		s.FuzzyThreshold = *opts.SimilarityThreshold
		s.VectorThreshold = *opts.SimilarityThreshold
	}
	if opts.EnableVectorSearch != nil {
		s.EnableVectorSearch = *opts.EnableVectorSearch
	}
	if opts.AutoMergeHighConfidence != nil {
		s.AutoMergeHighConfidence = *opts.AutoMergeHighConfidence
	}
	return s
}

// threshold returns the consider threshold of the matcher that produced method.
func (s ArbiterSettings) threshold(method models.MatchMethod) float64 {
	if method == models.MatchMethodVector {
		return s.VectorThreshold
	}
	return s.FuzzyThreshold
}

// requiresVerification reports whether an approximate match must be
// confirmed before it is trusted. The auto-merge bar never sits below the
// producing matcher's own threshold.
func (s ArbiterSettings) requiresVerification(m *matching.Match) bool {
	if !s.AutoMergeHighConfidence {
		return true
	}
	bar := s.AutoMergeThreshold
	if own := s.threshold(m.Method); own > bar {
		bar = own
	}
	return m.Score < bar
}

// ResolveRequest is one name to resolve within a tenant scope.
type ResolveRequest struct {
	Name       string
	Scope      models.TenantScope
	Actor      *uuid.UUID
	Attributes *models.ApplicationAttributes // applied only to a newly created canonical
	Settings   ArbiterSettings
}

// MatchArbiter decides, for one name, whether to reuse a canonical identity,
// attach a variant to one, or create a new one.
type MatchArbiter struct {
	repo     repositories.CanonicalRegistryRepository
	fuzzy    *matching.FuzzyMatcher
	semantic matching.SemanticMatcher
	// vectorConfigured is false when semantic is matching.Unavailable; the
	// embed call is then skipped without counting an outage.
	vectorConfigured bool
	metrics          *metrics.ResolutionMetrics
	logger           *zap.Logger
}

// NewMatchArbiter creates a MatchArbiter. A nil semantic matcher means
// vector search is not configured.
func NewMatchArbiter(
	repo repositories.CanonicalRegistryRepository,
	fuzzy *matching.FuzzyMatcher,
	semantic matching.SemanticMatcher,
	m *metrics.ResolutionMetrics,
	logger *zap.Logger,
) *MatchArbiter {
	if fuzzy == nil {
		fuzzy = matching.NewFuzzyMatcher(nil)
	}
	if semantic == nil {
		semantic = matching.Unavailable{}
	}
	_, unconfigured := semantic.(matching.Unavailable)
	logger = logger.Named("arbiter")
	if unconfigured {
		logger.Info("No semantic matcher configured; resolving with exact and fuzzy tiers only")
	}
	return &MatchArbiter{
		repo:             repo,
		fuzzy:            fuzzy,
		semantic:         semantic,
		vectorConfigured: !unconfigured,
		metrics:          m,
		logger:           logger,
	}
}

// Resolve runs the exact, approximate and create tiers for one name. ctx must
// carry a tenant-scoped connection and should carry a transaction so that the
// writes of one resolution land together.
func (a *MatchArbiter) Resolve(ctx context.Context, req ResolveRequest) (*models.ResolutionResult, error) {
	display := strings.TrimSpace(req.Name)
	normalized := naming.Normalize(display)
	if normalized == "" {
		return nil, apperrors.NewValidationError("name", "%q has no letters or digits", req.Name)
	}
	n := nameKeys{
		display:    display,
		normalized: normalized,
		hash:       naming.ContentHash(normalized),
		key:        naming.IdempotencyKey(normalized, req.Scope.EngagementID),
	}

	canonical, err := a.repo.GetByNormalizedName(ctx, req.Scope, normalized)
	if err != nil {
		return nil, fmt.Errorf("exact lookup: %w", err)
	}
	if canonical != nil {
		return a.exactHit(ctx, req, n, canonical)
	}

	// A name seen before as a variant resolves to the same canonical again.
	variant, err := a.repo.GetVariantByNormalized(ctx, req.Scope, normalized)
	if err != nil {
		return nil, fmt.Errorf("variant lookup: %w", err)
	}
	if variant != nil {
		return a.reuseVariant(ctx, req, n, variant)
	}

	match, embedding, err := a.approximate(ctx, req, normalized)
	if err != nil {
		return nil, err
	}
	if match != nil {
		return a.attachVariant(ctx, req, n, match, embedding)
	}
	return a.createCanonical(ctx, req, n, embedding)
}

// nameKeys are the derived forms of one input name.
type nameKeys struct {
	display    string
	normalized string
	hash       string
	key        string
}

// exactHit reuses a canonical whose normalized name equals the input. A
// variant is recorded unless the input matches canonical_name verbatim.
// Verbatim means after trimming surrounding whitespace: canonical names are
// stored trimmed, so " Salesforce CRM " repeats "Salesforce CRM" and only
// bumps usage.
func (a *MatchArbiter) exactHit(ctx context.Context, req ResolveRequest, n nameKeys, canonical *models.CanonicalIdentity) (*models.ResolutionResult, error) {
	result := &models.ResolutionResult{
		Name:            req.Name,
		MatchMethod:     models.MatchMethodExact,
		SimilarityScore: 1.0,
		IdempotencyKey:  n.key,
	}

	if n.display != canonical.CanonicalName {
		variant, created, err := a.repo.CreateOrGetVariant(ctx, &models.NameVariant{
			CanonicalIdentityID: canonical.ID,
			ClientAccountID:     req.Scope.ClientAccountID,
			EngagementID:        req.Scope.EngagementID,
			VariantName:         n.display,
			NormalizedVariant:   n.normalized,
			VariantHash:         n.hash,
			SimilarityScore:     1.0,
			MatchMethod:         models.MatchMethodExact,
			MatchConfidence:     1.0,
		})
		if err != nil {
			return nil, fmt.Errorf("exact variant: %w", err)
		}
		if !created {
			if variant, err = a.repo.IncrementVariantUsage(ctx, req.Scope, variant.ID); err != nil {
				return nil, fmt.Errorf("exact variant usage: %w", err)
			}
		}
		result.Variant = variant
		result.IsNewVariant = created
	}

	updated, err := a.repo.IncrementCanonicalUsage(ctx, req.Scope, canonical.ID)
	if err != nil {
		return nil, fmt.Errorf("canonical usage: %w", err)
	}
	result.CanonicalIdentity = updated
	result.ConfidenceScore = updated.ConfidenceScore

	a.logger.Debug("Resolved by exact match",
		zap.String("normalized_name", n.normalized),
		zap.String("canonical_id", updated.ID.String()),
		zap.Bool("new_variant", result.IsNewVariant))
	return result, nil
}

func (a *MatchArbiter) reuseVariant(ctx context.Context, req ResolveRequest, n nameKeys, variant *models.NameVariant) (*models.ResolutionResult, error) {
	variant, err := a.repo.IncrementVariantUsage(ctx, req.Scope, variant.ID)
	if err != nil {
		return nil, fmt.Errorf("variant usage: %w", err)
	}
	canonical, err := a.repo.IncrementCanonicalUsage(ctx, req.Scope, variant.CanonicalIdentityID)
	if err != nil {
		return nil, fmt.Errorf("canonical usage: %w", err)
	}

	a.logger.Debug("Resolved by known variant",
		zap.String("normalized_name", n.normalized),
		zap.String("canonical_id", canonical.ID.String()),
		zap.String("match_method", string(variant.MatchMethod)))

	return &models.ResolutionResult{
		Name:                 req.Name,
		CanonicalIdentity:    canonical,
		Variant:              variant,
		MatchMethod:          variant.MatchMethod,
		SimilarityScore:      variant.SimilarityScore,
		ConfidenceScore:      variant.MatchConfidence,
		RequiresVerification: variant.RequiresVerification,
		IdempotencyKey:       n.key,
	}, nil
}

// approximate runs the fuzzy and semantic tiers. The embedding call runs
// alongside the fuzzy tier; database reads stay on one goroutine because a
// tenant connection serves one query at a time. The returned embedding is the
// query vector when one was produced, even without a match.
func (a *MatchArbiter) approximate(ctx context.Context, req ResolveRequest, normalized string) (*matching.Match, []float32, error) {
	var (
		embedding []float32
		fuzzy     *matching.Match
	)

	g, gctx := errgroup.WithContext(ctx)
	if req.Settings.EnableVectorSearch && a.vectorConfigured {
		g.Go(func() error {
			vec, err := a.semantic.Embed(gctx, req.Name)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if gctx.Err() != nil {
					// The fuzzy tier already failed; its error wins.
					return nil
				}
				a.metrics.RecordSemanticUnavailable()
				if !errors.Is(err, matching.ErrUnavailable) {
					err = fmt.Errorf("%w: %v", matching.ErrUnavailable, err)
				}
				a.logger.Warn("Semantic matcher unavailable, continuing without vector tier",
					zap.String("client_account_id", req.Scope.ClientAccountID.String()),
					zap.String("engagement_id", req.Scope.EngagementID.String()),
					zap.Error(err))
				return nil
			}
			embedding = vec
			return nil
		})
	}
	g.Go(func() error {
		corpus, err := a.repo.ListNameCorpus(ctx, req.Scope)
		if err != nil {
			return fmt.Errorf("load name corpus: %w", err)
		}
		fuzzy = a.fuzzy.Match(normalized, corpus, req.Settings.FuzzyThreshold)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var vector *matching.Match
	if len(embedding) > 0 {
		corpus, err := a.repo.ListEmbeddingCorpus(ctx, req.Scope)
		if err != nil {
			return nil, nil, fmt.Errorf("load embedding corpus: %w", err)
		}
		vector = a.semantic.Match(embedding, corpus, req.Settings.VectorThreshold)
	}

	return pickCandidate(fuzzy, vector), embedding, nil
}

// pickCandidate prefers the higher score and the vector candidate on a tie.
func pickCandidate(fuzzy, vector *matching.Match) *matching.Match {
	switch {
	case fuzzy == nil:
		return vector
	case vector == nil:
		return fuzzy
	case vector.Score >= fuzzy.Score:
		return vector
	default:
		return fuzzy
	}
}

func (a *MatchArbiter) attachVariant(ctx context.Context, req ResolveRequest, n nameKeys, match *matching.Match, embedding []float32) (*models.ResolutionResult, error) {
	pending := req.Settings.requiresVerification(match)

	variant, created, err := a.repo.CreateOrGetVariant(ctx, &models.NameVariant{
		CanonicalIdentityID:  match.CanonicalID,
		ClientAccountID:      req.Scope.ClientAccountID,
		EngagementID:         req.Scope.EngagementID,
		VariantName:          n.display,
		NormalizedVariant:    n.normalized,
		VariantHash:          n.hash,
		Embedding:            embedding,
		SimilarityScore:      match.Score,
		MatchMethod:          match.Method,
		MatchConfidence:      match.Score,
		RequiresVerification: pending,
	})
	if err != nil {
		return nil, fmt.Errorf("attach variant: %w", err)
	}
	if !created {
		// A concurrent request attached the same name first; follow its decision.
		return a.reuseVariant(ctx, req, n, variant)
	}

	canonical, err := a.repo.IncrementCanonicalUsage(ctx, req.Scope, variant.CanonicalIdentityID)
	if err != nil {
		return nil, fmt.Errorf("canonical usage: %w", err)
	}

	a.logger.Debug("Attached approximate variant",
		zap.String("normalized_name", n.normalized),
		zap.String("canonical_id", canonical.ID.String()),
		zap.String("match_method", string(match.Method)),
		zap.Float64("score", match.Score),
		zap.Bool("requires_verification", pending))

	return &models.ResolutionResult{
		Name:                 req.Name,
		CanonicalIdentity:    canonical,
		Variant:              variant,
		IsNewVariant:         true,
		MatchMethod:          match.Method,
		SimilarityScore:      match.Score,
		ConfidenceScore:      match.Score,
		RequiresVerification: pending,
		IdempotencyKey:       n.key,
	}, nil
}

func (a *MatchArbiter) createCanonical(ctx context.Context, req ResolveRequest, n nameKeys, embedding []float32) (*models.ResolutionResult, error) {
	c := &models.CanonicalIdentity{
		ClientAccountID:    req.Scope.ClientAccountID,
		EngagementID:       req.Scope.EngagementID,
		CanonicalName:      n.display,
		NormalizedName:     n.normalized,
		NameHash:           n.hash,
		Embedding:          embedding,
		ConfidenceScore:    models.DefaultConfidenceScore,
		VerificationSource: models.VerificationSourceSystem,
		CreatedBy:          req.Actor,
	}
	if attrs := req.Attributes; attrs != nil {
		c.Description = attrs.Description
		c.ApplicationType = attrs.ApplicationType
		c.Metadata = attrs.Metadata
	}

	canonical, created, err := a.repo.CreateCanonical(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create canonical: %w", err)
	}
	if !created {
		// Lost the insert race; the winner's record is an exact hit.
		return a.exactHit(ctx, req, n, canonical)
	}

	a.logger.Debug("Created canonical identity",
		zap.String("normalized_name", n.normalized),
		zap.String("canonical_id", canonical.ID.String()))

	return &models.ResolutionResult{
		Name:              req.Name,
		CanonicalIdentity: canonical,
		IsNewCanonical:    true,
		MatchMethod:       models.MatchMethodNew,
		SimilarityScore:   1.0,
		ConfidenceScore:   canonical.ConfidenceScore,
		IdempotencyKey:    n.key,
	}, nil
}
