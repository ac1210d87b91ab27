package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultQueryCacheSize = 1000

// CachedQueryEmbedder memoizes query embeddings. Passage batches pass
// through uncached since each page is embedded once per attempt.
type CachedQueryEmbedder struct {
	Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedQueryEmbedder wraps inner with an LRU of size entries.
func NewCachedQueryEmbedder(inner Embedder, size int) *CachedQueryEmbedder {
	if size <= 0 {
		size = defaultQueryCacheSize
	}
	cache, _ := lru.New[string, []float32](size)
	return &CachedQueryEmbedder{Embedder: inner, cache: cache}
}

func (c *CachedQueryEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.ModelName() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// EmbedQuery returns a cached vector or embeds and caches it.
func (c *CachedQueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	k := c.key(text)
	if vec, ok := c.cache.Get(k); ok {
		return vec, nil
	}
	vec, err := c.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(k, vec)
	return vec, nil
}
