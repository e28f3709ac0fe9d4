package provider

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/mohammad-safakhou/reviewqa/internal/llm"
)

// CachedEmbedder memoises embeddings in process, keyed by trimmed text.
type CachedEmbedder struct {
	inner llm.Embedder
	cache *ttlcache.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner. A zero ttl keeps entries until evicted by
// capacity; a zero capacity is unbounded.
func NewCachedEmbedder(inner llm.Embedder, ttl time.Duration, capacity uint64) *CachedEmbedder {
	opts := []ttlcache.Option[string, []float32]{ttlcache.WithTTL[string, []float32](ttl)}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []float32](capacity))
	}
	cache := ttlcache.New(opts...)
	go cache.Start()
	return &CachedEmbedder{inner: inner, cache: cache}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := strings.TrimSpace(text)
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, ttlcache.DefaultTTL)
	return vec, nil
}

// Len reports the number of cached vectors.
func (c *CachedEmbedder) Len() int { return c.cache.Len() }

// Close stops the expiry loop.
func (c *CachedEmbedder) Close() { c.cache.Stop() }
