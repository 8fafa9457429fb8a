package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/config"
	"github.com/ekaya-inc/ekaya-identity/pkg/database"
	"github.com/ekaya-inc/ekaya-identity/pkg/logging"
	"github.com/ekaya-inc/ekaya-identity/pkg/metrics"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/naming"
)

// Transactor runs fn in a transaction carried by the context passed to fn.
// Nested calls must create a savepoint so that an inner failure rolls back
// only the inner work.
type Transactor func(ctx context.Context, fn func(ctx context.Context) error) error

// ResolveNamesRequest resolves up to MaxSingleNames names as one unit.
type ResolveNamesRequest struct {
	Names      []string
	Options    *models.ResolveOptions
	Attributes *models.ApplicationAttributes
}

// ResolveNamesResult is the outcome of ResolveNames.
type ResolveNamesResult struct {
	Results         []*models.ResolutionResult `json:"results"`
	Stats           *models.ResolutionStats    `json:"processing_stats"`
	IdempotencyKeys map[string]string          `json:"idempotency_keys"`
}

// BulkRequest resolves up to MaxBulkNames names in batches.
type BulkRequest struct {
	Names         []string
	BatchSize     int // 0 uses the configured default
	CorrelationID string
	Options       *models.ResolveOptions
}

// BulkResult is the outcome of ResolveBulk. Every input index appears in
// exactly one of Results or Failures.
type BulkResult struct {
	CorrelationID string                     `json:"collection_correlation_id"`
	Results       []*models.ResolutionResult `json:"results"`
	Failures      []models.BulkFailure       `json:"failures"`
	Stats         *models.ResolutionStats    `json:"statistics"`
}

// ResolutionService resolves raw application names to canonical identities.
// ctx must carry a tenant-scoped connection for scope.
type ResolutionService interface {
	// ResolveName resolves one name in its own transaction.
	ResolveName(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, name string, opts *models.ResolveOptions) (*models.ResolutionResult, error)

	// ResolveNames resolves every name in one transaction: all succeed or the
	// request fails with a single error.
	ResolveNames(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, req ResolveNamesRequest) (*ResolveNamesResult, error)

	// ResolveBulk commits per batch and isolates each item in a savepoint.
	// Once structural validation passes, item failures are reported in the
	// result instead of failing the request.
	ResolveBulk(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, req BulkRequest) (*BulkResult, error)
}

type resolutionService struct {
	arbiter  *MatchArbiter
	cfg      config.ResolutionConfig
	transact Transactor
	metrics  *metrics.ResolutionMetrics
	logger   *zap.Logger
}

var _ ResolutionService = (*resolutionService)(nil)

// NewResolutionService creates a ResolutionService. A nil transact uses
// database.WithTx.
func NewResolutionService(
	arbiter *MatchArbiter,
	cfg config.ResolutionConfig,
	transact Transactor,
	m *metrics.ResolutionMetrics,
	logger *zap.Logger,
) ResolutionService {
	if transact == nil {
		transact = database.WithTx
	}
	return &resolutionService{
		arbiter:  arbiter,
		cfg:      cfg,
		transact: transact,
		metrics:  m,
		logger:   logger.Named("resolution"),
	}
}

func (s *resolutionService) ResolveName(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, name string, opts *models.ResolveOptions) (*models.ResolutionResult, error) {
	out, err := s.ResolveNames(ctx, scope, actor, ResolveNamesRequest{Names: []string{name}, Options: opts})
	if err != nil {
		return nil, err
	}
	return out.Results[0], nil
}

func (s *resolutionService) ResolveNames(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, req ResolveNamesRequest) (*ResolveNamesResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveDuration(metrics.ModeSingle, time.Since(start)) }()

	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if err := s.validateNames(req.Names, s.cfg.MaxSingleNames, true); err != nil {
		return nil, err
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, err
	}

	settings := SettingsFromConfig(s.cfg).WithOptions(req.Options)
	results := make([]*models.ResolutionResult, 0, len(req.Names))

	err := s.transact(ctx, func(ctx context.Context) error {
		for _, name := range req.Names {
			r, err := s.arbiter.Resolve(ctx, ResolveRequest{
				Name:       name,
				Scope:      scope,
				Actor:      actor,
				Attributes: req.Attributes,
				Settings:   settings,
			})
			if err != nil {
				return fmt.Errorf("resolve %q: %w", logging.TruncateString(name, 64), err)
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Resolution failed",
			zap.String("client_account_id", scope.ClientAccountID.String()),
			zap.String("engagement_id", scope.EngagementID.String()),
			zap.Int("names", len(req.Names)),
			logging.Error(err))
		return nil, err
	}

	out := &ResolveNamesResult{
		Results:         results,
		Stats:           models.NewResolutionStats(),
		IdempotencyKeys: make(map[string]string, len(results)),
	}
	for _, r := range results {
		out.Stats.Record(r)
		out.IdempotencyKeys[r.Name] = r.IdempotencyKey
		s.metrics.RecordResolution(metrics.ModeSingle, r)
	}
	return out, nil
}

func (s *resolutionService) ResolveBulk(ctx context.Context, scope models.TenantScope, actor *uuid.UUID, req BulkRequest) (*BulkResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveDuration(metrics.ModeBulk, time.Since(start)) }()

	if err := validateScope(scope); err != nil {
		return nil, err
	}
	if err := s.validateNames(req.Names, s.cfg.MaxBulkNames, false); err != nil {
		return nil, err
	}
	if err := validateOptions(req.Options); err != nil {
		return nil, err
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = s.cfg.DefaultBatchSize
	}
	if batchSize < 1 || batchSize > s.cfg.MaxBatchSize {
		return nil, apperrors.NewValidationError("batch_size", "must be between 1 and %d, got %d", s.cfg.MaxBatchSize, batchSize)
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := s.logger.With(
		zap.String("correlation_id", correlationID),
		zap.String("client_account_id", scope.ClientAccountID.String()),
		zap.String("engagement_id", scope.EngagementID.String()))

	settings := SettingsFromConfig(s.cfg).WithOptions(req.Options)
	out := &BulkResult{
		CorrelationID: correlationID,
		Results:       make([]*models.ResolutionResult, 0, len(req.Names)),
		Failures:      []models.BulkFailure{},
		Stats:         models.NewResolutionStats(),
	}

	for offset := 0; offset < len(req.Names); offset += batchSize {
		end := min(offset+batchSize, len(req.Names))
		if err := s.resolveBatch(ctx, scope, actor, settings, req.Names, offset, end, out, logger); err != nil {
			return nil, err
		}
	}

	logger.Info("Bulk resolution complete",
		zap.Int("total", len(req.Names)),
		zap.Int("processed", out.Stats.TotalProcessed),
		zap.Int("new_canonicals", out.Stats.NewCanonicals),
		zap.Int("failed", out.Stats.Failed),
		zap.Duration("elapsed", time.Since(start)))
	return out, nil
}

// resolveBatch resolves names[offset:end] in one transaction with a savepoint
// per item, then folds the batch into out. Results only count once the batch
// commits; if the commit fails every item in the batch is reported failed.
// The returned error is non-nil only when ctx ended.
func (s *resolutionService) resolveBatch(
	ctx context.Context,
	scope models.TenantScope,
	actor *uuid.UUID,
	settings ArbiterSettings,
	names []string,
	offset, end int,
	out *BulkResult,
	logger *zap.Logger,
) error {
	var (
		results  []*models.ResolutionResult
		failures []models.BulkFailure
	)

	err := s.transact(ctx, func(ctx context.Context) error {
		results, failures = results[:0], failures[:0]
		for i := offset; i < end; i++ {
			var r *models.ResolutionResult
			err := s.transact(ctx, func(ctx context.Context) error {
				var err error
				r, err = s.arbiter.Resolve(ctx, ResolveRequest{
					Name:     names[i],
					Scope:    scope,
					Actor:    actor,
					Settings: settings,
				})
				return err
			})
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				logger.Error("Bulk item failed",
					zap.Int("index", i),
					zap.String("name", logging.TruncateString(names[i], 64)),
					logging.Error(err))
				failures = append(failures, models.BulkFailure{Index: i, Name: names[i], Error: err.Error()})
				continue
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		logger.Error("Bulk batch failed to commit",
			zap.Int("offset", offset),
			zap.Int("size", end-offset),
			logging.Error(err))
		results = nil
		failures = failures[:0]
		for i := offset; i < end; i++ {
			failures = append(failures, models.BulkFailure{Index: i, Name: names[i], Error: err.Error()})
		}
	}

	for _, r := range results {
		out.Results = append(out.Results, r)
		out.Stats.Record(r)
		s.metrics.RecordResolution(metrics.ModeBulk, r)
	}
	for _, f := range failures {
		out.Failures = append(out.Failures, f)
		out.Stats.RecordFailure()
		s.metrics.RecordBulkItemFailure()
	}

	logger.Debug("Bulk batch complete",
		zap.Int("offset", offset),
		zap.Int("resolved", len(results)),
		zap.Int("failed", len(failures)))
	return nil
}

func validateScope(scope models.TenantScope) error {
	if !scope.IsValid() {
		return apperrors.NewValidationError("tenant_scope", "client account and engagement ids are required")
	}
	return nil
}

// validateNames checks the structural shape of a request. With
// requireNormalizable set, names without letters or digits (whitespace-only
// names included) are rejected too; otherwise they are left to fail as
// individual items.
func (s *resolutionService) validateNames(names []string, maxNames int, requireNormalizable bool) error {
	if len(names) == 0 {
		return apperrors.NewValidationError("application_names", "at least one name is required")
	}
	if len(names) > maxNames {
		return apperrors.NewValidationError("application_names", "at most %d names are allowed, got %d", maxNames, len(names))
	}
	for i, name := range names {
		if name == "" || (requireNormalizable && strings.TrimSpace(name) == "") {
			return apperrors.NewValidationError(fmt.Sprintf("application_names[%d]", i), "name is empty")
		}
		if n := utf8.RuneCountInString(name); n > s.cfg.MaxNameLength {
			return apperrors.NewValidationError(fmt.Sprintf("application_names[%d]", i),
				"name is %d characters, maximum is %d", n, s.cfg.MaxNameLength)
		}
		if requireNormalizable && naming.Normalize(name) == "" {
			return apperrors.NewValidationError(fmt.Sprintf("application_names[%d]", i), "%q has no letters or digits", name)
		}
	}
	return nil
}

func validateOptions(opts *models.ResolveOptions) error {
	if opts == nil || opts.SimilarityThreshold == nil {
		return nil
	}
	if t := *opts.SimilarityThreshold; t < 0 || t > 1 {
		return apperrors.NewValidationError("similarity_threshold", "must be between 0 and 1, got %v", t)
	}
	return nil
}
