package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/log"
)

const (
	DefaultEmbeddingBatchSize = 64
	DefaultEmbeddingTimeout   = 30 * time.Second
)

// EmbeddingClient guards an EmbeddingProvider with a circuit breaker, a per
// call timeout, batching, optional rate limiting and dimension checks.
type EmbeddingClient struct {
	provider  EmbeddingProvider
	breaker   *circuitbreaker.Breaker
	dimension int
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    logr.Logger
}

// EmbeddingOption configures an EmbeddingClient.
type EmbeddingOption func(c *EmbeddingClient)

func WithBatchSize(n int) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithEmbeddingTimeout(d time.Duration) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRateLimit caps provider calls per second. Zero disables the limiter.
func WithRateLimit(perSecond float64, burst int) EmbeddingOption {
	return func(c *EmbeddingClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithEmbeddingLogger(l logr.Logger) EmbeddingOption {
	return func(c *EmbeddingClient) {
		c.logger = l
	}
}

// NewEmbeddingClient wraps provider. A nil breaker gets a private one with
// default thresholds.
func NewEmbeddingClient(provider EmbeddingProvider, breaker *circuitbreaker.Breaker, dimension int, opts ...EmbeddingOption) *EmbeddingClient {
	if breaker == nil {
		breaker = circuitbreaker.New("embedding", circuitbreaker.DefaultConfig())
	}
	c := &EmbeddingClient{
		provider:  provider,
		breaker:   breaker,
		dimension: dimension,
		batchSize: DefaultEmbeddingBatchSize,
		timeout:   DefaultEmbeddingTimeout,
		logger:    log.WithName("embedding"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dimension returns the deployment dimension enforced by the client.
func (c *EmbeddingClient) Dimension() int {
	return c.dimension
}

// Embed returns the embedding of text.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) (Vector, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	v, err := circuitbreaker.Call(ctx, c.breaker, func(ctx context.Context) (Vector, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return c.provider.Embed(ctx, text)
	})
	if err != nil {
		return nil, providerError("embed", err)
	}
	if err := CheckDimension(v, c.dimension); err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return v, nil
}

// EmbedBatch embeds texts in batches of at most batchSize, preserving order.
// Any failing batch fails the whole call.
func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		vectors, err := circuitbreaker.Call(ctx, c.breaker, func(ctx context.Context) ([]Vector, error) {
			ctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			return c.provider.EmbedBatch(ctx, batch)
		})
		if err != nil {
			return nil, providerError("embed batch", err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("embed batch: %w: got %d vectors for %d inputs",
				ErrProviderUnavailable, len(vectors), len(batch))
		}
		for i, v := range vectors {
			if err := CheckDimension(v, c.dimension); err != nil {
				return nil, fmt.Errorf("embed batch item %d: %w", start+i, err)
			}
		}
		out = append(out, vectors...)

		c.logger.V(1).Info("embedded batch", "from", start, "to", end, "total", len(texts))
	}
	return out, nil
}

func (c *EmbeddingClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("embedding rate limiter: %w", err)
	}
	return nil
}
