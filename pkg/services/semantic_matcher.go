package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ekaya-inc/ekaya-identity/pkg/llm"
	"github.com/ekaya-inc/ekaya-identity/pkg/matching"
)

// embeddingMatcher is the SemanticMatcher backed by an embedding provider.
type embeddingMatcher struct {
	matching.VectorMatcher
	provider llm.EmbeddingProvider
}

var _ matching.SemanticMatcher = (*embeddingMatcher)(nil)

// NewSemanticMatcher returns a SemanticMatcher that embeds names with
// provider, or matching.Unavailable when provider is nil.
func NewSemanticMatcher(provider llm.EmbeddingProvider) matching.SemanticMatcher {
	if provider == nil {
		return matching.Unavailable{}
	}
	return &embeddingMatcher{provider: provider}
}

// Embed maps every provider failure other than caller cancellation to
// matching.ErrUnavailable.
func (m *embeddingMatcher) Embed(ctx context.Context, name string) ([]float32, error) {
	vec, err := m.provider.Embed(ctx, name)
	if err == nil {
		return vec, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, matching.ErrUnavailable) {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %v", matching.ErrUnavailable, err)
}
