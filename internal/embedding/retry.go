package embedding

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"hcsr/internal/breaker"
	"hcsr/internal/config"
	"hcsr/internal/domain"
)

// client is the concrete Client implementation composing a Provider with
// the cache/retry/circuit-breaker policy of spec §4.C.
type client struct {
	provider Provider
	cache    *lruTTLCache
	cb       *breaker.Breaker[[][]float32]
	cfg      config.EmbeddingConfig
	log      *slog.Logger
}

// NewClient wraps provider with the cache, retry, and circuit-breaker
// policy spec §4.C requires. cfg supplies batch size, retry count, and
// cache sizing. A zero BatchSize falls back to 32 and a zero RetryBase to
// 100ms; the other fields are used as given: CacheSize 0 disables caching,
// CacheTTL 0 means entries never expire, and MaxRetries 0 means no retries.
func NewClient(provider Provider, cfg config.EmbeddingConfig, cbCfg config.CircuitBreakerConfig, log *slog.Logger) Client {
	return &client{
		provider: provider,
		cache:    newLRUTTLCache(cfg.CacheSize, cfg.CacheTTL),
		cb:       breaker.New[[][]float32]("embedding:"+provider.Name(), cbCfg, log),
		cfg:      cfg,
		log:      log,
	}
}

// Dim implements Client.
func (c *client) Dim() int { return c.provider.Dim() }

// EmbedOne implements Client: cache lookup first, then a single-element
// upstream call on miss.
func (c *client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.cache.get(ctx, text); ok {
		return vec, nil
	}

	vecs, err := c.embedUpstream(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, domain.NewSubSystemError("embedding", "Client.EmbedOne", domain.ErrEmbeddingFailed, "upstream returned no vectors")
	}
	c.cache.put(text, vecs[0])
	return vecs[0], nil
}

// EmbedMany implements Client: resolves cache hits first, then embeds the
// remaining texts upstream in chunks of cfg.BatchSize, preserving order.
func (c *client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	result := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, t := range texts {
		if vec, ok := c.cache.get(ctx, t); ok {
			result[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}

	batchSize := c.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	for start := 0; start < len(missTexts); start += batchSize {
		end := min(start+batchSize, len(missTexts))
		chunk := missTexts[start:end]

		vecs, err := c.embedUpstream(ctx, chunk)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(chunk) {
			return nil, domain.NewSubSystemError("embedding", "Client.EmbedMany", domain.ErrEmbeddingFailed, "upstream returned a mismatched vector count")
		}
		for j, vec := range vecs {
			idx := missIdx[start+j]
			result[idx] = vec
			c.cache.put(chunk[j], vec)
		}
	}

	return result, nil
}

// embedUpstream runs one breaker-guarded call to the provider, retrying
// Transient failures with exponential backoff per spec §4.C (100ms ·
// 2^(attempt-1), up to cfg.MaxRetries). Permanent failures are not
// retried. All returned vectors are dimension-checked.
func (c *client) embedUpstream(ctx context.Context, texts []string) ([][]float32, error) {
	maxRetries := c.cfg.MaxRetries
	base := c.cfg.RetryBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, domain.NewSubSystemError("embedding", "Client.embedUpstream", domain.ErrTimeout, ctx.Err().Error())
			case <-timer.C:
			}
		}

		vecs, err := c.cb.Execute(ctx, func() ([][]float32, error) {
			return c.provider.Embed(ctx, texts)
		})
		if err == nil {
			if dimErr := validateDims(vecs, c.provider.Dim()); dimErr != nil {
				return nil, dimErr
			}
			return vecs, nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrCircuitOpen) {
			return nil, err
		}
		if !errors.Is(err, domain.ErrTransient) {
			return nil, err
		}
		if c.log != nil {
			c.log.Warn("embedding upstream call failed, retrying", "attempt", attempt, "error", err)
		}
	}
	return nil, domain.NewSubSystemError("embedding", "Client.embedUpstream", domain.ErrEmbeddingFailed, lastErr.Error())
}

// validateDims enforces spec §4.C point 4: a vector length mismatch is a
// Permanent failure that surfaces to the caller as a validation error.
func validateDims(vecs [][]float32, want int) error {
	for _, v := range vecs {
		if len(v) != want {
			return domain.NewSubSystemError("embedding", "Client.embedUpstream", domain.ErrValidation, "embedding dimension mismatch")
		}
	}
	return nil
}

var _ Client = (*client)(nil)
