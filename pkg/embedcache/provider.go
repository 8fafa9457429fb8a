package embedcache

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/llm"
	"github.com/ekaya-inc/ekaya-identity/pkg/naming"
)

// CachedProvider fronts an llm.EmbeddingProvider with a Cache. Texts are
// keyed by the hash of their normalized form, so names that resolve to the
// same normalized name share one vector. Cache errors are logged and
// bypassed; they never fail an embedding.
type CachedProvider struct {
	next   llm.EmbeddingProvider
	cache  Cache
	logger *zap.Logger
}

var _ llm.EmbeddingProvider = (*CachedProvider)(nil)

// NewCachedProvider wraps next with cache.
func NewCachedProvider(next llm.EmbeddingProvider, cache Cache, logger *zap.Logger) *CachedProvider {
	return &CachedProvider{next: next, cache: cache, logger: logger.Named("embedcache")}
}

func (p *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := naming.ContentHash(naming.Normalize(text))

	vec, found, err := p.cache.Get(ctx, key)
	if err != nil {
		p.logger.Warn("Embedding cache read failed", zap.Error(err))
	} else if found {
		return vec, nil
	}

	vec, err = p.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := p.cache.Set(ctx, key, vec); err != nil {
		p.logger.Warn("Embedding cache write failed", zap.Error(err))
	}
	return vec, nil
}
