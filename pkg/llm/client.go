// Package llm provides an OpenAI-compatible embedding client guarded by a
// circuit breaker and short retries.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-identity/pkg/retry"
)

// EmbeddingProvider turns a name into an embedding vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds configuration for creating an embedding client.
type Config struct {
	Endpoint   string // Base URL, e.g., "https://api.openai.com/v1"
	Model      string // Embedding model name
	APIKey     string // Optional for local endpoints
	Dimensions int    // Expected vector length; 0 skips the check
	Timeout    time.Duration
	MaxRetries int
	Breaker    CircuitBreakerConfig
	HTTPClient *http.Client // Optional; mainly for tests
}

// EmbeddingClient calls an OpenAI-compatible /embeddings endpoint.
type EmbeddingClient struct {
	client     *openai.Client
	model      string
	dimensions int
	timeout    time.Duration
	retryCfg   *retry.Config
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

var _ EmbeddingProvider = (*EmbeddingClient)(nil)

// NewEmbeddingClient creates a new embedding client.
func NewEmbeddingClient(cfg *Config, logger *zap.Logger) (*EmbeddingClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(cfg.Endpoint, "/")
	if cfg.HTTPClient != nil {
		clientConfig.HTTPClient = cfg.HTTPClient
	}

	return &EmbeddingClient{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		timeout:    cfg.Timeout,
		retryCfg:   retry.ProviderConfig(cfg.MaxRetries),
		breaker:    NewCircuitBreaker(cfg.Breaker),
		logger:     logger.Named("embedding"),
	}, nil
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *EmbeddingClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Embed returns the embedding for text. Transient failures are retried; a
// tripped breaker fails fast with an *Error of type ErrorTypeCircuitOpen.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if ok, err := c.breaker.Allow(); !ok {
		return nil, NewError(ErrorTypeCircuitOpen, "embedding provider unavailable", false, err)
	}

	start := time.Now()
	vec, err := retry.DoIfRetryable(ctx, c.retryCfg, func() ([]float32, error) {
		return c.embedOnce(ctx, text)
	})
	if err != nil {
		classified := ClassifyError(err)
		if classified.Type == ErrorTypeCanceled {
			// The caller gave up; this says nothing about provider health.
			c.breaker.ReleaseProbe()
			return nil, classified
		}
		c.breaker.RecordFailure()
		c.logger.Warn("Embedding request failed",
			zap.String("model", c.model),
			zap.String("error_type", string(classified.Type)),
			zap.Int("consecutive_failures", c.breaker.ConsecutiveFailures()),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, classified
	}

	c.breaker.RecordSuccess()
	c.logger.Debug("Embedding request completed",
		zap.Int("dimensions", len(vec)),
		zap.Duration("elapsed", time.Since(start)))
	return vec, nil
}

func (c *EmbeddingClient) embedOnce(ctx context.Context, text string) ([]float32, error) {
	attemptCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.client.CreateEmbeddings(attemptCtx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(c.model),
		Input: []string{text},
	})
	if err != nil {
		// A per-attempt timeout is a provider problem, not caller cancellation.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewError(ErrorTypeEndpoint, "request timeout", true, err)
		}
		return nil, ClassifyError(err)
	}

	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, NewError(ErrorTypeResponse, "no embedding in response", false, nil)
	}
	vec := resp.Data[0].Embedding
	if c.dimensions > 0 && len(vec) != c.dimensions {
		return nil, NewError(ErrorTypeResponse,
			fmt.Sprintf("expected %d dimensions, got %d", c.dimensions, len(vec)), false, nil)
	}
	return vec, nil
}
