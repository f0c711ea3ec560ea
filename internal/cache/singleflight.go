package cache

import (
	"golang.org/x/sync/singleflight"

	"github.com/featherbase/featherbase/internal/record"
)

// Loader fetches a record from the substrate on a cache miss. A nil
// record with a nil error means the record is absent; absence is not
// cached.
type Loader func() (record.Record, error)

// Loading wraps a Cache with single-flight cache fill: under a
// thundering herd on the same key the substrate observes exactly one
// load, and every waiter shares its result.
type Loading struct {
	cache *Cache
	group singleflight.Group
}

// NewLoading wraps an existing cache.
func NewLoading(c *Cache) *Loading {
	return &Loading{cache: c}
}

// Cache exposes the underlying cache for write-through updates.
func (l *Loading) Cache() *Cache {
	return l.cache
}

// Get returns the cached record for key, or runs loader through the
// single-flight group. A successful load populates the cache before
// any waiter returns; the in-flight entry is always removed.
func (l *Loading) Get(key string, loader Loader) (record.Record, error) {
	if rec, ok := l.cache.Get(key); ok {
		return rec, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		// Another caller may have filled the cache while this one
		// waited on the group lock.
		if rec, ok := l.cache.Get(key); ok {
			return rec, nil
		}
		epoch := l.cache.Epoch(key)
		rec, err := loader()
		if err != nil {
			return nil, err
		}
		if rec != nil {
			// A write-through that landed while the load was in
			// flight carries a newer state than this snapshot; it
			// must win.
			l.cache.SetAtEpoch(key, rec, epoch)
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(record.Record), nil
}
