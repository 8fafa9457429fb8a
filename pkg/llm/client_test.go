package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const embeddingsURL = "http://embeddings.test/v1/embeddings"

const okEmbeddingBody = `{
  "object": "list",
  "data": [{"object": "embedding", "index": 0, "embedding": [0.1, 0.2, 0.3]}],
  "model": "all-minilm",
  "usage": {"prompt_tokens": 2, "total_tokens": 2}
}`

const serverErrorBody = `{"error": {"message": "upstream exploded", "type": "server_error"}}`

func newMockedClient(t *testing.T, dims int) (*EmbeddingClient, *httpmock.MockTransport) {
	t.Helper()
	transport := httpmock.NewMockTransport()
	c, err := NewEmbeddingClient(&Config{
		Endpoint:   "http://embeddings.test/v1/",
		Model:      "all-minilm",
		Dimensions: dims,
		Timeout:    time.Second,
		MaxRetries: 2,
		Breaker:    CircuitBreakerConfig{Threshold: 2, ResetAfter: time.Minute},
		HTTPClient: &http.Client{Transport: transport},
	}, zap.NewNop())
	require.NoError(t, err)
	return c, transport
}

func TestNewEmbeddingClient_RequiresEndpointAndModel(t *testing.T) {
	_, err := NewEmbeddingClient(&Config{Model: "m"}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewEmbeddingClient(&Config{Endpoint: "http://x"}, zap.NewNop())
	assert.Error(t, err)
}

func TestEmbed_Success(t *testing.T) {
	c, transport := newMockedClient(t, 3)
	transport.RegisterResponder(http.MethodPost, embeddingsURL,
		httpmock.NewStringResponder(http.StatusOK, okEmbeddingBody))

	vec, err := c.Embed(context.Background(), "salesforce crm")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, 1, transport.GetTotalCallCount())
	assert.Equal(t, CircuitClosed, c.Breaker().State())
}

func TestEmbed_DimensionMismatch(t *testing.T) {
	c, transport := newMockedClient(t, 384)
	transport.RegisterResponder(http.MethodPost, embeddingsURL,
		httpmock.NewStringResponder(http.StatusOK, okEmbeddingBody))

	_, err := c.Embed(context.Background(), "salesforce crm")
	require.Error(t, err)
	assert.Equal(t, ErrorTypeResponse, GetErrorType(err))
	assert.Equal(t, 1, transport.GetTotalCallCount(), "invalid responses are not retried")
}

func TestEmbed_RetriesTransientFailures(t *testing.T) {
	c, transport := newMockedClient(t, 3)
	calls := 0
	transport.RegisterResponder(http.MethodPost, embeddingsURL,
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, serverErrorBody), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, okEmbeddingBody), nil
		})

	vec, err := c.Embed(context.Background(), "sap")
	require.NoError(t, err)
	assert.Len(t, vec, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 0, c.Breaker().ConsecutiveFailures())
}

func TestEmbed_AuthFailureIsNotRetried(t *testing.T) {
	c, transport := newMockedClient(t, 3)
	transport.RegisterResponder(http.MethodPost, embeddingsURL,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error": {"message": "bad key", "type": "auth"}}`))

	_, err := c.Embed(context.Background(), "sap")
	require.Error(t, err)
	assert.Equal(t, ErrorTypeAuth, GetErrorType(err))
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestEmbed_BreakerTripsAndFailsFast(t *testing.T) {
	c, transport := newMockedClient(t, 3)
	transport.RegisterResponder(http.MethodPost, embeddingsURL,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"error": {"message": "bad key"}}`))

	for i := 0; i < 2; i++ {
		_, err := c.Embed(context.Background(), "sap")
		require.Error(t, err)
	}
	require.Equal(t, CircuitOpen, c.Breaker().State())

	before := transport.GetTotalCallCount()
	_, err := c.Embed(context.Background(), "sap")
	require.Error(t, err)
	assert.Equal(t, ErrorTypeCircuitOpen, GetErrorType(err))
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, before, transport.GetTotalCallCount(), "open breaker must not reach the provider")
}

func TestEmbed_CallerCancellationDoesNotCountAgainstProvider(t *testing.T) {
	c, transport := newMockedClient(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport.RegisterResponder(http.MethodPost, embeddingsURL,
		func(req *http.Request) (*http.Response, error) {
			cancel()
			return nil, context.Canceled
		})

	_, err := c.Embed(ctx, "sap")
	require.Error(t, err)
	assert.Equal(t, ErrorTypeCanceled, GetErrorType(err))
	assert.Equal(t, 0, c.Breaker().ConsecutiveFailures())
}
