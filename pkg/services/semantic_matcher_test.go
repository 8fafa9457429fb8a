package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-identity/pkg/matching"
)

type fixedProvider struct {
	vec []float32
}

func (p fixedProvider) Embed(context.Context, string) ([]float32, error) {
	return p.vec, nil
}

func TestNewSemanticMatcher_NilProviderIsUnavailable(t *testing.T) {
	m := NewSemanticMatcher(nil)
	_, err := m.Embed(context.Background(), "okta")
	assert.ErrorIs(t, err, matching.ErrUnavailable)
}

func TestSemanticMatcher_ProviderFailureIsUnavailable(t *testing.T) {
	m := NewSemanticMatcher(failingProvider{})
	_, err := m.Embed(context.Background(), "okta")
	require.Error(t, err)
	assert.ErrorIs(t, err, matching.ErrUnavailable)
	assert.Contains(t, err.Error(), "503")
}

func TestSemanticMatcher_CallerCancellationIsNotUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewSemanticMatcher(failingProvider{})
	_, err := m.Embed(ctx, "okta")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, matching.ErrUnavailable))
}

func TestSemanticMatcher_MatchesCorpus(t *testing.T) {
	m := NewSemanticMatcher(fixedProvider{vec: []float32{1, 0}})
	vec, err := m.Embed(context.Background(), "okta")
	require.NoError(t, err)

	corpus := []matching.CorpusEntry{{Text: "okta sso", Embedding: []float32{1, 0}}}
	got := m.Match(vec, corpus, 0.9)
	require.NotNil(t, got)
	assert.Equal(t, "okta sso", got.Text)
}
