package encoder

import (
	"context"
	"fmt"
	"sync"
)

// CachedEmbedder wraps an Embedder and memoizes results by exact text. It is
// safe for concurrent use, so independent routing calls can share one cache
// without serializing on each other.
type CachedEmbedder struct {
	embedder Embedder

	mu    sync.RWMutex
	cache map[string][]float32
}

// NewCachedEmbedder creates a memoizing wrapper around embedder.
func NewCachedEmbedder(embedder Embedder) *CachedEmbedder {
	return &CachedEmbedder{
		embedder: embedder,
		cache:    make(map[string][]float32),
	}
}

// Embed returns a cached embedding when available, otherwise computes and
// caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.mu.RLock()
	vec, ok := c.cache[text]
	c.mu.RUnlock()
	if ok {
		return vec, nil
	}

	vec, err := c.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[text] = vec
	c.mu.Unlock()
	return vec, nil
}

// EmbedBatch embeds texts, filling cache misses with one batched call to the
// underlying embedder.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []int

	c.mu.RLock()
	for i, text := range texts {
		if vec, ok := c.cache[text]; ok {
			vectors[i] = vec
		} else {
			missing = append(missing, i)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return vectors, nil
	}

	uncached := make([]string, len(missing))
	for j, i := range missing {
		uncached[j] = texts[i]
	}

	fetched, err := c.embedder.EmbedBatch(ctx, uncached)
	if err != nil {
		return nil, fmt.Errorf("embedding %d uncached texts: %w", len(uncached), err)
	}
	if len(fetched) != len(uncached) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts",
			ErrEncodingFailure, len(fetched), len(uncached))
	}

	c.mu.Lock()
	for j, i := range missing {
		vectors[i] = fetched[j]
		c.cache[texts[i]] = fetched[j]
	}
	c.mu.Unlock()
	return vectors, nil
}

// Dimensions returns the underlying embedder's dimensionality.
func (c *CachedEmbedder) Dimensions() int { return c.embedder.Dimensions() }

// Model reports the underlying embedder's model name, or "" when the
// wrapped embedder does not expose one.
func (c *CachedEmbedder) Model() string {
	if m, ok := c.embedder.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

// ClearCache drops all cached embeddings.
func (c *CachedEmbedder) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string][]float32)
	c.mu.Unlock()
}

// CacheSize returns the number of cached embeddings.
func (c *CachedEmbedder) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
