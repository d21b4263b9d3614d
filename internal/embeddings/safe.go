package embeddings

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency bounds how many embedding calls run in parallel
// through a Safe wrapper.
const DefaultConcurrency = 4

// SafeConfig configures a Safe wrapper.
type SafeConfig struct {
	// Concurrency caps parallel provider calls. Zero means
	// DefaultConcurrency.
	Concurrency int

	// ZeroOnFailure substitutes a zero vector for failed items
	// instead of nil. Callers that must keep positional alignment
	// with the input but cannot tolerate nils opt into this.
	ZeroOnFailure bool
}

// Safe wraps a Provider so that embedding failures never abort the
// caller. A failed item comes back as nil (or a zero vector when
// configured) and the failure is logged; remaining items in a batch
// are unaffected.
type Safe struct {
	provider Provider
	config   SafeConfig
	sem      *semaphore.Weighted
	logger   *zap.Logger
}

// NewSafe wraps the given provider. A nil logger defaults to a no-op
// logger.
func NewSafe(provider Provider, config SafeConfig, logger *zap.Logger) *Safe {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Safe{
		provider: provider,
		config:   config,
		sem:      semaphore.NewWeighted(int64(config.Concurrency)),
		logger:   logger,
	}
}

// EmbedOne embeds a single text. On failure it returns nil rather
// than an error, so callers can skip the item and continue.
func (s *Safe) EmbedOne(ctx context.Context, text string) []float32 {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Warn("embedding skipped, context done", zap.Error(err))
		return s.fallback()
	}
	defer s.sem.Release(1)

	vec, err := s.provider.EmbedQuery(ctx, text)
	if err != nil {
		s.logger.Warn("embedding failed", zap.Error(err), zap.Int("text_len", len(text)))
		return s.fallback()
	}
	if err := ValidateDimension(vec, s.provider.Dimension()); err != nil {
		s.logger.Warn("embedding rejected", zap.Error(err))
		return s.fallback()
	}
	return vec
}

// EmbedBatch embeds texts, returning a slice of the same length as
// the input. Failed items are nil (or zero vectors when configured);
// a failure on one item never discards the others. The batch is first
// attempted as a single provider call and falls back to per-item
// calls when the bulk call fails.
func (s *Safe) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Warn("batch embedding skipped, context done", zap.Error(err))
		for i := range out {
			out[i] = s.fallback()
		}
		return out
	}
	vecs, err := s.provider.EmbedDocuments(ctx, texts)
	s.sem.Release(1)

	if err == nil && len(vecs) == len(texts) {
		ok := true
		for i, vec := range vecs {
			if dimErr := ValidateDimension(vec, s.provider.Dimension()); dimErr != nil {
				s.logger.Warn("batch embedding item rejected", zap.Int("index", i), zap.Error(dimErr))
				ok = false
				break
			}
		}
		if ok {
			return vecs
		}
	} else if err != nil {
		s.logger.Warn("batch embedding failed, retrying per item",
			zap.Int("batch_size", len(texts)), zap.Error(err))
	}

	// Per-item retries fan out concurrently; the semaphore inside
	// EmbedOne keeps at most Concurrency provider calls in flight.
	var g errgroup.Group
	for i, text := range texts {
		g.Go(func() error {
			out[i] = s.EmbedOne(ctx, text)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Dimension reports the wrapped provider's embedding dimension.
func (s *Safe) Dimension() int {
	return s.provider.Dimension()
}

func (s *Safe) fallback() []float32 {
	if !s.config.ZeroOnFailure {
		return nil
	}
	return make([]float32, s.provider.Dimension())
}
