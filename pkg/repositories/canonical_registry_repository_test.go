//go:build integration

package repositories

import (
	"context"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-identity/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-identity/pkg/database"
	"github.com/ekaya-inc/ekaya-identity/pkg/models"
	"github.com/ekaya-inc/ekaya-identity/pkg/naming"
	"github.com/ekaya-inc/ekaya-identity/pkg/testhelpers"
)

// registryTestContext holds test dependencies for registry repository tests.
type registryTestContext struct {
	t      *testing.T
	testDB *testhelpers.TestDB
	repo   CanonicalRegistryRepository
	tenant models.TenantScope
}

// setupRegistryTest gives every test its own tenant so tests never see each other's rows.
func setupRegistryTest(t *testing.T) *registryTestContext {
	return &registryTestContext{
		t:      t,
		testDB: testhelpers.GetTestDB(t),
		repo:   NewCanonicalRegistryRepository(),
		tenant: models.NewTenantScope(uuid.New(), uuid.New()),
	}
}

func (tc *registryTestContext) ctx() context.Context {
	return testhelpers.TenantContext(tc.t, tc.testDB.DB, tc.tenant)
}

func (tc *registryTestContext) newCanonical(raw string) *models.CanonicalIdentity {
	normalized := naming.Normalize(raw)
	return &models.CanonicalIdentity{
		ClientAccountID:    tc.tenant.ClientAccountID,
		EngagementID:       tc.tenant.EngagementID,
		CanonicalName:      raw,
		NormalizedName:     normalized,
		NameHash:           naming.ContentHash(normalized),
		ConfidenceScore:    models.DefaultConfidenceScore,
		VerificationSource: models.VerificationSourceSystem,
	}
}

func (tc *registryTestContext) newVariant(canonicalID uuid.UUID, raw string, method models.MatchMethod, score float64) *models.NameVariant {
	normalized := naming.Normalize(raw)
	return &models.NameVariant{
		CanonicalIdentityID: canonicalID,
		ClientAccountID:     tc.tenant.ClientAccountID,
		EngagementID:        tc.tenant.EngagementID,
		VariantName:         raw,
		NormalizedVariant:   normalized,
		VariantHash:         naming.ContentHash(normalized),
		SimilarityScore:     score,
		MatchMethod:         method,
		MatchConfidence:     score,
	}
}

func TestCanonicalRegistry_CreateAndGet(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	c := tc.newCanonical("Salesforce CRM")
	c.Description = "CRM platform"
	c.Metadata = map[string]any{"criticality": "high"}
	c.Embedding = []float32{0.1, 0.2, 0.3}

	created, isNew, err := tc.repo.CreateCanonical(ctx, c)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, 1, created.UsageCount)
	assert.NotNil(t, created.LastUsedAt)
	assert.Equal(t, 1.0, created.ConfidenceScore)
	assert.False(t, created.IsVerified)
	assert.Equal(t, "system", created.VerificationSource)

	got, err := tc.repo.GetByNormalizedName(ctx, tc.tenant, "salesforce crm")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "CRM platform", got.Description)
	assert.Equal(t, "high", got.Metadata["criticality"])
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
	assert.Equal(t, naming.ContentHash("salesforce crm"), got.NameHash)

	missing, err := tc.repo.GetByNormalizedName(ctx, tc.tenant, "nothing here")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCanonicalRegistry_CreateCanonicalReturnsExistingOnConflict(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	first, isNew, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Salesforce CRM"))
	require.NoError(t, err)
	require.True(t, isNew)

	// Same normalized name, different spelling: the original row comes back.
	second, isNew, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("salesforce  crm"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Salesforce CRM", second.CanonicalName)
}

func TestCanonicalRegistry_ConflictInsideTransactionKeepsTxUsable(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	_, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Jira"))
	require.NoError(t, err)

	err = database.WithTx(ctx, func(ctx context.Context) error {
		got, isNew, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("JIRA"))
		if err != nil {
			return err
		}
		assert.False(t, isNew)
		assert.Equal(t, "Jira", got.CanonicalName)

		// The conflict was contained in a savepoint, so later writes still succeed.
		_, isNew, err = tc.repo.CreateCanonical(ctx, tc.newCanonical("Confluence"))
		assert.True(t, isNew)
		return err
	})
	require.NoError(t, err)

	got, err := tc.repo.GetByNormalizedName(ctx, tc.tenant, "confluence")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestCanonicalRegistry_ConcurrentCreateYieldsOneRow(t *testing.T) {
	tc := setupRegistryTest(t)

	const writers = 8
	ids := make([]uuid.UUID, writers)
	created := make([]bool, writers)
	errs := make([]error, writers)

	// Each writer gets its own connection so the inserts really race.
	ctxs := make([]context.Context, writers)
	for i := range ctxs {
		ctxs[i] = tc.ctx()
	}

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, isNew, err := tc.repo.CreateCanonical(ctxs[i], tc.newCanonical("ServiceNow ITSM"))
			errs[i] = err
			if err == nil {
				ids[i] = c.ID
				created[i] = isNew
			}
		}(i)
	}
	wg.Wait()

	newCount := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
		if created[i] {
			newCount++
		}
	}
	assert.Equal(t, 1, newCount)
}

func TestCanonicalRegistry_TenantIsolation(t *testing.T) {
	tc := setupRegistryTest(t)
	other := setupRegistryTest(t)
	other.tenant = models.NewTenantScope(tc.tenant.ClientAccountID, uuid.New())

	a, _, err := tc.repo.CreateCanonical(tc.ctx(), tc.newCanonical("Salesforce CRM"))
	require.NoError(t, err)
	b, isNew, err := other.repo.CreateCanonical(other.ctx(), other.newCanonical("Salesforce CRM"))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.NotEqual(t, a.ID, b.ID)

	got, err := tc.repo.GetByID(tc.ctx(), tc.tenant, b.ID)
	require.NoError(t, err)
	assert.Nil(t, got, "records of another engagement are invisible")

	_, err = tc.repo.IncrementCanonicalUsage(tc.ctx(), tc.tenant, b.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCanonicalRegistry_Variants(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	c, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Salesforce CRM"))
	require.NoError(t, err)

	v, isNew, err := tc.repo.CreateOrGetVariant(ctx, tc.newVariant(c.ID, "salesforce crm", models.MatchMethodExact, 1.0))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, models.MatchMethodExact, v.MatchMethod)
	assert.Equal(t, 1, v.UsageCount)

	again, isNew, err := tc.repo.CreateOrGetVariant(ctx, tc.newVariant(c.ID, "SALESFORCE CRM", models.MatchMethodExact, 1.0))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, v.ID, again.ID)

	bumped, err := tc.repo.IncrementVariantUsage(ctx, tc.tenant, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, bumped.UsageCount)

	pending := tc.newVariant(c.ID, "SalesForce CRM Platform", models.MatchMethodFuzzy, 0.86)
	pending.RequiresVerification = true
	p, _, err := tc.repo.CreateOrGetVariant(ctx, pending)
	require.NoError(t, err)

	list, err := tc.repo.ListPendingVariants(ctx, tc.tenant)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)

	confirmed, err := tc.repo.ConfirmVariant(ctx, tc.tenant, p.ID)
	require.NoError(t, err)
	assert.False(t, confirmed.RequiresVerification)

	list, err = tc.repo.ListPendingVariants(ctx, tc.tenant)
	require.NoError(t, err)
	assert.Empty(t, list)

	all, err := tc.repo.ListVariantsByCanonical(ctx, tc.tenant, c.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = tc.repo.ConfirmVariant(ctx, tc.tenant, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCanonicalRegistry_NormalizedFormLongerThanRawName(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	// Case folding and compatibility mapping expand these past 255 characters.
	raw := strings.Repeat("ß", 200)
	require.Greater(t, utf8.RuneCountInString(naming.Normalize(raw)), 255)

	created, isNew, err := tc.repo.CreateCanonical(ctx, tc.newCanonical(raw))
	require.NoError(t, err)
	require.True(t, isNew)
	assert.Equal(t, naming.Normalize(raw), created.NormalizedName)

	got, err := tc.repo.GetByNormalizedName(ctx, tc.tenant, naming.Normalize(raw))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.ID, got.ID)

	variantRaw := strings.Repeat("\u33a2", 100)
	require.Greater(t, utf8.RuneCountInString(naming.Normalize(variantRaw)), 255)
	v, isNew, err := tc.repo.CreateOrGetVariant(ctx, tc.newVariant(created.ID, variantRaw, models.MatchMethodFuzzy, 0.9))
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, naming.Normalize(variantRaw), v.NormalizedVariant)
}

func TestCanonicalRegistry_CreateOrGetVariantRejectsUnknownMethod(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	c, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Workday"))
	require.NoError(t, err)

	_, _, err = tc.repo.CreateOrGetVariant(ctx, tc.newVariant(c.ID, "work day", models.MatchMethodNew, 0.9))
	assert.Error(t, err)
}

func TestCanonicalRegistry_Corpus(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	withVector := tc.newCanonical("Salesforce CRM")
	withVector.Embedding = []float32{1, 0}
	a, _, err := tc.repo.CreateCanonical(ctx, withVector)
	require.NoError(t, err)
	b, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Workday HCM"))
	require.NoError(t, err)
	_, _, err = tc.repo.CreateOrGetVariant(ctx, tc.newVariant(b.ID, "Workday", models.MatchMethodFuzzy, 0.9))
	require.NoError(t, err)

	names, err := tc.repo.ListNameCorpus(ctx, tc.tenant)
	require.NoError(t, err)
	require.Len(t, names, 3)
	texts := map[string]uuid.UUID{}
	for _, e := range names {
		texts[e.Text] = e.CanonicalID
		assert.Nil(t, e.Embedding)
	}
	assert.Equal(t, a.ID, texts["salesforce crm"])
	assert.Equal(t, b.ID, texts["workday hcm"])
	assert.Equal(t, b.ID, texts["workday"], "variants point at their canonical")

	vectors, err := tc.repo.ListEmbeddingCorpus(ctx, tc.tenant)
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, a.ID, vectors[0].CanonicalID)
	assert.Equal(t, []float32{1, 0}, vectors[0].Embedding)
}

func TestCanonicalRegistry_ListAndVerify(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	a, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Jira"))
	require.NoError(t, err)
	b, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Confluence"))
	require.NoError(t, err)
	_, err = tc.repo.IncrementCanonicalUsage(ctx, tc.tenant, b.ID)
	require.NoError(t, err)

	list, err := tc.repo.List(ctx, tc.tenant, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID, "most used first")

	page, err := tc.repo.List(ctx, tc.tenant, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, a.ID, page[0].ID)

	actor := uuid.New()
	score := 0.9
	verified, err := tc.repo.Verify(ctx, tc.tenant, a.ID, VerifyParams{
		Source: models.VerificationSourceManual, ConfidenceScore: &score, VerifiedBy: &actor,
	})
	require.NoError(t, err)
	assert.True(t, verified.IsVerified)
	assert.Equal(t, "manual", verified.VerificationSource)
	assert.Equal(t, 0.9, verified.ConfidenceScore)
	require.NotNil(t, verified.UpdatedBy)
	assert.Equal(t, actor, *verified.UpdatedBy)

	unchanged, err := tc.repo.Verify(ctx, tc.tenant, b.ID, VerifyParams{Source: models.VerificationSourceImport})
	require.NoError(t, err)
	assert.Equal(t, 1.0, unchanged.ConfidenceScore)

	_, err = tc.repo.Verify(ctx, tc.tenant, uuid.New(), VerifyParams{Source: "manual"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCanonicalRegistry_VariantsCascadeWithCanonical(t *testing.T) {
	tc := setupRegistryTest(t)
	ctx := tc.ctx()

	c, _, err := tc.repo.CreateCanonical(ctx, tc.newCanonical("Slack"))
	require.NoError(t, err)
	_, _, err = tc.repo.CreateOrGetVariant(ctx, tc.newVariant(c.ID, "slack app", models.MatchMethodFuzzy, 0.9))
	require.NoError(t, err)

	scope, err := tc.testDB.DB.WithoutTenant(context.Background())
	require.NoError(t, err)
	defer scope.Close()
	_, err = scope.Conn.Exec(context.Background(), "DELETE FROM canonical_identities WHERE id = $1", c.ID)
	require.NoError(t, err)

	v, err := tc.repo.GetVariantByNormalized(ctx, tc.tenant, "slack app")
	require.NoError(t, err)
	assert.Nil(t, v)
}
