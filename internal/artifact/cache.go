package artifact

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize bounds the in-process artifact cache. Images are a few
// hundred KB each, so 256 entries stays well under typical container memory.
const DefaultCacheSize = 256

// Cache is a read-through LRU in front of another Store. Artifacts are
// immutable once written, so cached entries never go stale.
type Cache struct {
	inner Store
	lru   *lru.Cache[string, []byte]
}

func NewCache(inner Store, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to build artifact cache: %w", err)
	}
	return &Cache{inner: inner, lru: cache}, nil
}

func (c *Cache) Put(ctx context.Context, assetID string, data []byte) error {
	if err := c.inner.Put(ctx, assetID, data); err != nil {
		return err
	}
	c.lru.Add(assetID, data)
	return nil
}

func (c *Cache) Get(ctx context.Context, assetID string) ([]byte, error) {
	if data, ok := c.lru.Get(assetID); ok {
		return data, nil
	}
	data, err := c.inner.Get(ctx, assetID)
	if err != nil {
		return nil, err
	}
	c.lru.Add(assetID, data)
	return data, nil
}
