package retriever

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/havenhealth/indexd/internal/collections"
)

// DefaultCacheSize bounds how many per-tradition engines stay warm.
const DefaultCacheSize = 64

// EngineCache holds retrieval engines keyed by tradition, bounded by an
// LRU policy. The indexer invalidates a tradition's engine after a
// rebuild so the next retrieval sees the fresh collection.
type EngineCache struct {
	cache   *lru.Cache[string, *Engine]
	factory func(tradition string) (*Engine, error)
	logger  *zap.Logger

	// mu serializes miss handling so concurrent requests for the same
	// tradition build one engine, not several.
	mu sync.Mutex
}

// NewEngineCache creates an engine cache. The factory builds an engine
// on a cache miss. Size <= 0 means DefaultCacheSize.
func NewEngineCache(size int, factory func(tradition string) (*Engine, error), logger *zap.Logger) (*EngineCache, error) {
	if factory == nil {
		return nil, fmt.Errorf("engine factory is required")
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cache, err := lru.New[string, *Engine](size)
	if err != nil {
		return nil, fmt.Errorf("creating engine cache: %w", err)
	}

	return &EngineCache{
		cache:   cache,
		factory: factory,
		logger:  logger,
	}, nil
}

// Get returns the engine for a tradition, building it on first use.
// The cache key is the normalized tradition, matching what the indexer
// passes to Invalidate.
func (c *EngineCache) Get(tradition string) (*Engine, error) {
	tradition = collections.NormalizeTradition(tradition)
	if engine, ok := c.cache.Get(tradition); ok {
		return engine, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-check under the lock, another request may have built it.
	if engine, ok := c.cache.Get(tradition); ok {
		return engine, nil
	}

	engine, err := c.factory(tradition)
	if err != nil {
		return nil, fmt.Errorf("building engine for %s: %w", tradition, err)
	}

	c.cache.Add(tradition, engine)
	c.logger.Debug("engine cached", zap.String("tradition", tradition))
	return engine, nil
}

// Invalidate drops the cached engine for a tradition.
func (c *EngineCache) Invalidate(tradition string) {
	if c.cache.Remove(collections.NormalizeTradition(tradition)) {
		c.logger.Debug("engine invalidated", zap.String("tradition", tradition))
	}
}

// Len returns the number of cached engines.
func (c *EngineCache) Len() int {
	return c.cache.Len()
}
