// Package cache provides a TTL cache manager used by the metadata store to
// avoid re-fetching collection metadata records on hot registration paths.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/ripple/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// Manager is the caching contract consumed by the metadata store.
type Manager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	GetMultiple(ctx context.Context, keys []string) (map[string]V, []string)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	Flush(ctx context.Context)
}

// InMemory is the go-cache backed implementation of Manager.
type InMemory[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// NewInMemory initializes an in-memory cache. useCase tags log output so
// different caches are distinguishable in the debug log.
func NewInMemory[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemory[V] {
	return &InMemory[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

var _ Manager[any] = (*InMemory[any])(nil)

// Get retrieves an item from the cache by its key.
func (c *InMemory[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "useCase", c.useCase, "key", key)
		return zero, false
	}

	log.Debug(log.CatCache, "cache hit", "useCase", c.useCase, "key", key)
	return v, true
}

// GetMultiple retrieves several keys at once. The second return value lists
// the keys that were not found (or held a value of the wrong type).
func (c *InMemory[V]) GetMultiple(ctx context.Context, keys []string) (map[string]V, []string) {
	values := make(map[string]V, len(keys))
	missing := make([]string, 0)

	for _, key := range keys {
		value, found := c.cache.Get(key)
		if !found {
			missing = append(missing, key)
			continue
		}

		v, ok := value.(V)
		if !ok {
			log.Error(log.CatCache, "wrong type assertion when getting value", "useCase", c.useCase, "key", key)
			missing = append(missing, key)
			continue
		}

		values[key] = v
	}

	return values, missing
}

// Set stores a value in the cache with a key and TTL.
func (c *InMemory[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes values from the cache by key.
func (c *InMemory[V]) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// Flush removes every entry from the cache.
func (c *InMemory[V]) Flush(ctx context.Context) {
	c.cache.Flush()
}
