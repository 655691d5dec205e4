package retrieval_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/core/retrieval"
)

func TestEmbedBatchSplitsIntoBatches(t *testing.T) {
	p := newFakeEmbedder()
	c := newClient(p, retrieval.WithBatchSize(2))
	texts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}

	vectors, err := c.EmbedBatch(context.Background(), texts)

	require.NoError(t, err)
	require.Len(t, vectors, len(texts))
	assert.Equal(t, []int{2, 2, 1}, p.batchSizes)
	for i, text := range texts {
		assert.Equal(t, bagOfWords(text, testDim), vectors[i])
	}
}

func TestEmbedRejectsWrongDimension(t *testing.T) {
	p := newFakeEmbedder()
	p.dim = 3
	c := newClient(p)

	_, err := c.Embed(context.Background(), "hello")
	assert.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
	assert.NotErrorIs(t, err, retrieval.ErrProviderUnavailable)

	_, err = c.EmbedBatch(context.Background(), []string{"hello", "world"})
	assert.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
}

func TestEmbedFailuresOpenTheBreaker(t *testing.T) {
	p := newFakeEmbedder()
	p.setErr(errProvider)
	breaker := circuitbreaker.New("embedding", circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	c := retrieval.NewEmbeddingClient(p, breaker, testDim)

	for i := 0; i < 2; i++ {
		_, err := c.Embed(context.Background(), "hello")
		require.ErrorIs(t, err, retrieval.ErrProviderUnavailable)
		require.ErrorIs(t, err, errProvider)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())

	_, err := c.EmbedBatch(context.Background(), []string{"hello"})
	assert.ErrorIs(t, err, retrieval.ErrProviderUnavailable)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, p.callCount(), "open breaker must not reach the provider")
}

type blockingEmbedder struct{}

func (blockingEmbedder) Embed(ctx context.Context, _ string) (retrieval.Vector, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingEmbedder) EmbedBatch(ctx context.Context, _ []string) ([]retrieval.Vector, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestEmbedTimeoutCountsAsFailure(t *testing.T) {
	breaker := circuitbreaker.New("embedding", circuitbreaker.Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})
	c := retrieval.NewEmbeddingClient(blockingEmbedder{}, breaker, testDim,
		retrieval.WithEmbeddingTimeout(10*time.Millisecond))

	_, err := c.Embed(context.Background(), "hello")

	assert.ErrorIs(t, err, retrieval.ErrProviderUnavailable)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

type shortBatchEmbedder struct{ *fakeEmbedder }

func (e shortBatchEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]retrieval.Vector, error) {
	out, err := e.fakeEmbedder.EmbedBatch(ctx, texts)
	if err != nil || len(out) == 0 {
		return out, err
	}
	return out[:len(out)-1], nil
}

func TestEmbedBatchRejectsMissingVectors(t *testing.T) {
	c := newClient(shortBatchEmbedder{newFakeEmbedder()})

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"})

	assert.ErrorIs(t, err, retrieval.ErrProviderUnavailable)
}

func TestEmbedRateLimiterHonoursContext(t *testing.T) {
	p := newFakeEmbedder()
	c := newClient(p, retrieval.WithRateLimit(0.001, 1))

	_, err := c.Embed(context.Background(), "first")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Embed(ctx, "second")
	assert.Error(t, err)
	assert.Equal(t, 1, p.callCount())
}
