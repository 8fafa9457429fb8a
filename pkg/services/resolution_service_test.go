package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/matching"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
)

type serviceFixture struct {
	repo    *fakeRegistry
	service ResolutionService
	scope   models.TenantScope
	actor   *uuid.UUID
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	repo := newFakeRegistry()
	arbiter := NewMatchArbiter(repo, nil, nil, nil, zap.NewNop())
	actor := uuid.New()
	return &serviceFixture{
		repo:    repo,
		service: NewResolutionService(arbiter, defaultResolutionConfig(), repo.transact, nil, zap.NewNop()),
		scope:   models.NewTenantScope(uuid.New(), uuid.New()),
		actor:   &actor,
	}
}

func TestResolveNames_ReturnsResultsStatsAndKeys(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	out, err := f.service.ResolveNames(ctx, f.scope, f.actor, ResolveNamesRequest{
		Names: []string{"Salesforce CRM", "salesforce crm", "Slack"},
	})
	require.NoError(t, err)
	require.Len(t, out.Results, 3)

	assert.Equal(t, 3, out.Stats.TotalProcessed)
	assert.Equal(t, 2, out.Stats.NewCanonicals)
	assert.Equal(t, 1, out.Stats.ExistingMatched)
	assert.Equal(t, 1, out.Stats.VariantsCreated)
	assert.Equal(t, 2, out.Stats.MatchMethods[models.MatchMethodNew])
	assert.Equal(t, 1, out.Stats.MatchMethods[models.MatchMethodExact])

	assert.Len(t, out.IdempotencyKeys, 3)
	assert.Equal(t, out.IdempotencyKeys["Salesforce CRM"], out.IdempotencyKeys["salesforce crm"])
	assert.NotEqual(t, out.IdempotencyKeys["Salesforce CRM"], out.IdempotencyKeys["Slack"])

	assert.Equal(t, f.actor, out.Results[0].CanonicalIdentity.CreatedBy)
}

func TestResolveNames_AllOrNothing(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.afterCreateCanonical = func(c *models.CanonicalIdentity) error {
		if c.NormalizedName == "broken" {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	_, err := f.service.ResolveNames(context.Background(), f.scope, f.actor, ResolveNamesRequest{
		Names: []string{"Okta", "Broken", "Zoom"},
	})
	require.Error(t, err)
	assert.Empty(t, f.repo.canonicalsIn(f.scope), "earlier names must be rolled back too")
}

func TestResolveName_Single(t *testing.T) {
	f := newServiceFixture(t)

	r, err := f.service.ResolveName(context.Background(), f.scope, f.actor, "GitHub", nil)
	require.NoError(t, err)
	assert.True(t, r.IsNewCanonical)
	assert.NotEmpty(t, r.IdempotencyKey)
}

func TestResolveNames_Validation(t *testing.T) {
	tests := []struct {
		name  string
		scope func(s models.TenantScope) models.TenantScope
		req   ResolveNamesRequest
		field string
	}{
		{"no names", nil, ResolveNamesRequest{}, "application_names"},
		{"too many names", nil, ResolveNamesRequest{Names: repeatNames(101)}, "application_names"},
		{"blank name", nil, ResolveNamesRequest{Names: []string{"Okta", "   "}}, "application_names[1]"},
		{"too long", nil, ResolveNamesRequest{Names: []string{strings.Repeat("a", 256)}}, "application_names[0]"},
		{"punctuation only", nil, ResolveNamesRequest{Names: []string{"!!!"}}, "application_names[0]"},
		{"threshold above one", nil, ResolveNamesRequest{
			Names:   []string{"Okta"},
			Options: &models.ResolveOptions{SimilarityThreshold: floatPtr(1.5)},
		}, "similarity_threshold"},
		{"missing engagement", func(s models.TenantScope) models.TenantScope {
			return models.NewTenantScope(s.ClientAccountID, uuid.Nil)
		}, ResolveNamesRequest{Names: []string{"Okta"}}, "tenant_scope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			scope := f.scope
			if tt.scope != nil {
				scope = tt.scope(scope)
			}

			_, err := f.service.ResolveNames(context.Background(), scope, f.actor, tt.req)
			require.Error(t, err)
			var ve *apperrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.Empty(t, f.repo.canonicalsIn(f.scope))
		})
	}
}

func TestResolveNames_MultibyteLengthCountsCharacters(t *testing.T) {
	f := newServiceFixture(t)
	name := strings.Repeat("é", 255)

	_, err := f.service.ResolveNames(context.Background(), f.scope, f.actor, ResolveNamesRequest{Names: []string{name}})
	assert.NoError(t, err)
}

func TestResolveBulk_IsolatesUnnormalizableItem(t *testing.T) {
	f := newServiceFixture(t)
	names := []string{"Okta", "Zoom", "***", "Slack", "okta"}

	out, err := f.service.ResolveBulk(context.Background(), f.scope, f.actor, BulkRequest{Names: names, BatchSize: 2})
	require.NoError(t, err)

	assert.Len(t, out.Results, 4)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 2, out.Failures[0].Index)
	assert.Equal(t, "***", out.Failures[0].Name)
	assert.Equal(t, 1, out.Stats.Failed)
	assert.Equal(t, 4, out.Stats.TotalProcessed)
	assert.Equal(t, 3, out.Stats.NewCanonicals)
	assert.Equal(t, 1, out.Stats.ExistingMatched)
	assert.NotEmpty(t, out.CorrelationID)
	assert.Len(t, f.repo.canonicalsIn(f.scope), 3)
}

func TestResolveBulk_IsolatesWhitespaceOnlyItem(t *testing.T) {
	f := newServiceFixture(t)
	names := []string{"Okta", "   ", "Zoom", "\t"}

	out, err := f.service.ResolveBulk(context.Background(), f.scope, f.actor, BulkRequest{Names: names})
	require.NoError(t, err)

	assert.Len(t, out.Results, 2)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, 1, out.Failures[0].Index)
	assert.Equal(t, 3, out.Failures[1].Index)
	assert.Equal(t, 2, out.Stats.Failed)
	assert.Len(t, f.repo.canonicalsIn(f.scope), 2)
}

func TestResolveBulk_RollsBackFailedItemOnly(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.afterCreateCanonical = func(c *models.CanonicalIdentity) error {
		if c.NormalizedName == "broken" {
			return errors.New("deadlock detected")
		}
		return nil
	}

	out, err := f.service.ResolveBulk(context.Background(), f.scope, f.actor, BulkRequest{
		Names:         []string{"Okta", "Broken", "Zoom"},
		CorrelationID: "import-42",
	})
	require.NoError(t, err)

	assert.Equal(t, "import-42", out.CorrelationID)
	assert.Len(t, out.Results, 2)
	require.Len(t, out.Failures, 1)
	assert.Equal(t, 1, out.Failures[0].Index)
	assert.Contains(t, out.Failures[0].Error, "deadlock detected")

	var names []string
	for _, c := range f.repo.canonicalsIn(f.scope) {
		names = append(names, c.NormalizedName)
	}
	assert.ElementsMatch(t, []string{"okta", "zoom"}, names, "failed item's partial insert must be rolled back")
}

func TestResolveBulk_CommitFailureFailsWholeBatch(t *testing.T) {
	f := newServiceFixture(t)
	commits := 0
	f.repo.commitErr = func() error {
		commits++
		if commits == 2 {
			return errors.New("could not serialize access")
		}
		return nil
	}

	out, err := f.service.ResolveBulk(context.Background(), f.scope, f.actor, BulkRequest{
		Names:     []string{"Okta", "Zoom", "Slack", "Jira", "Figma"},
		BatchSize: 2,
	})
	require.NoError(t, err)

	assert.Len(t, out.Results, 3)
	require.Len(t, out.Failures, 2)
	assert.Equal(t, []int{2, 3}, []int{out.Failures[0].Index, out.Failures[1].Index})
	assert.Equal(t, 2, out.Stats.Failed)
	assert.Len(t, f.repo.canonicalsIn(f.scope), 3)
}

func TestResolveBulk_CanceledContextAborts(t *testing.T) {
	f := newServiceFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.repo.afterCreateCanonical = func(c *models.CanonicalIdentity) error {
		cancel()
		return context.Canceled
	}

	_, err := f.service.ResolveBulk(ctx, f.scope, f.actor, BulkRequest{Names: []string{"Okta", "Zoom"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolveBulk_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   BulkRequest
		field string
	}{
		{"no names", BulkRequest{}, "application_names"},
		{"too many names", BulkRequest{Names: repeatNames(1001)}, "application_names"},
		{"blank name", BulkRequest{Names: []string{"Okta", ""}}, "application_names[1]"},
		{"too long", BulkRequest{Names: []string{strings.Repeat("x", 300)}}, "application_names[0]"},
		{"batch too large", BulkRequest{Names: []string{"Okta"}, BatchSize: 101}, "batch_size"},
		{"negative batch", BulkRequest{Names: []string{"Okta"}, BatchSize: -1}, "batch_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t)
			_, err := f.service.ResolveBulk(context.Background(), f.scope, f.actor, tt.req)
			var ve *apperrors.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestResolveBulk_SemanticOutageIsNotAnItemFailure(t *testing.T) {
	repo := newFakeRegistry()
	semantic := NewSemanticMatcher(failingProvider{})
	arbiter := NewMatchArbiter(repo, matching.NewFuzzyMatcher(nil), semantic, nil, zap.NewNop())
	service := NewResolutionService(arbiter, defaultResolutionConfig(), repo.transact, nil, zap.NewNop())
	scope := models.NewTenantScope(uuid.New(), uuid.New())

	out, err := service.ResolveBulk(context.Background(), scope, nil, BulkRequest{Names: []string{"Okta", "Zoom"}})
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)
	assert.Empty(t, out.Failures)
}

func TestResolveBulk_TenantIsolation(t *testing.T) {
	f := newServiceFixture(t)
	other := models.NewTenantScope(uuid.New(), f.scope.EngagementID)

	_, err := f.service.ResolveBulk(context.Background(), f.scope, f.actor, BulkRequest{Names: []string{"Okta"}})
	require.NoError(t, err)
	out, err := f.service.ResolveBulk(context.Background(), other, f.actor, BulkRequest{Names: []string{"Okta"}})
	require.NoError(t, err)

	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].IsNewCanonical, "same engagement id under another account is another tenant")
	assert.Len(t, f.repo.canonicalsIn(f.scope), 1)
	assert.Len(t, f.repo.canonicalsIn(other), 1)
}

type failingProvider struct{}

func (failingProvider) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("503 service unavailable")
}

func repeatNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("App %d", i)
	}
	return names
}
