// Package continuation persists provider continuation tokens between conversation turns.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DefaultTTL bounds how long a continuation token is retained.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "continuation:"

// ErrRejected reports that the store declined a write.
var ErrRejected = errors.New("continuation cache rejected write")

// Cache is a best-effort key-value store with per-key TTL.
type Cache interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Key returns the cache key for a tool-call id.
func Key(toolCallID string) string {
	return keyPrefix + toolCallID
}

// MemoryCache is an in-process Cache backed by ristretto.
type MemoryCache struct {
	store *ristretto.Cache
}

// NewMemoryCache creates a cache holding roughly maxEntries tokens.
func NewMemoryCache(maxEntries int64) (*MemoryCache, error) {
	if maxEntries <= 0 {
		maxEntries = 100_000
	}
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create continuation cache: %w", err)
	}
	return &MemoryCache{store: store}, nil
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if !c.store.SetWithTTL(key, value, 1, ttl) {
		return ErrRejected
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := c.store.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	return s, ok, nil
}

// Wait blocks until buffered writes are applied.
func (c *MemoryCache) Wait() {
	c.store.Wait()
}

// Close stops background goroutines.
func (c *MemoryCache) Close() {
	c.store.Close()
}
