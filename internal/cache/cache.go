// Package cache provides the in-memory record cache and the
// single-flight read path in front of the KV substrate.
package cache

import (
	"sync"

	"github.com/featherbase/featherbase/internal/record"
)

// Cache is a fixed-capacity record cache with LRU eviction. It is a
// read accelerator only: correctness is owned by the KV substrate,
// and entries are written through after a durable commit.
type Cache struct {
	capacity int
	mu       sync.Mutex
	items    map[string]record.Record
	order    []string // LRU tracking, least recent first

	// Write epochs let the load-through path detect a Set or Delete
	// that raced its substrate read. epochFloor stands in for keys
	// pruned out of the map.
	epochs     map[string]uint64
	clock      uint64
	epochFloor uint64

	hits   uint64
	misses uint64
}

// Stats reports cache size and hit counters.
type Stats struct {
	Size    int    `json:"size"`
	MaxSize int    `json:"maxSize"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// New creates a cache bounded to capacity entries.
func New(capacity int) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]record.Record),
		order:    make([]string, 0, capacity),
		epochs:   make(map[string]uint64),
	}
}

// Get retrieves a record and marks it most recently used.
func (c *Cache) Get(key string) (record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.moveToEnd(key)
	return rec, true
}

// Set stores a record, evicting the least recently used entry on
// overflow.
func (c *Cache) Set(key string, rec record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, rec)
}

// Epoch returns the write epoch of key. It advances on every Set or
// Delete of that key, so a load-through reader can snapshot it before
// hitting the substrate and detect writes that raced the load.
func (c *Cache) Epoch(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochLocked(key)
}

// SetAtEpoch stores rec only if key's write epoch still equals epoch.
// The load-through path uses it so a stale substrate snapshot never
// overwrites an entry written through after a newer commit.
func (c *Cache) SetAtEpoch(key string, rec record.Record, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epochLocked(key) != epoch {
		return false
	}
	c.setLocked(key, rec)
	return true
}

// Delete removes a record.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.bumpEpoch(key)
	delete(c.items, key)
	c.removeFromOrder(key)
}

// Clear removes every record.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]record.Record)
	c.order = make([]string, 0, c.capacity)
	c.resetEpochs()
}

// Size returns the number of cached records.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:    len(c.items),
		MaxSize: c.capacity,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

// setLocked stores a record, evicting the least recently used entry
// on overflow. Caller holds the lock.
func (c *Cache) setLocked(key string, rec record.Record) {
	c.bumpEpoch(key)

	if _, exists := c.items[key]; exists {
		c.items[key] = rec
		c.moveToEnd(key)
		return
	}

	if c.capacity > 0 && len(c.items) >= c.capacity {
		c.evict()
	}

	c.items[key] = rec
	c.order = append(c.order, key)
}

func (c *Cache) epochLocked(key string) uint64 {
	if e, ok := c.epochs[key]; ok {
		return e
	}
	return c.epochFloor
}

// bumpEpoch advances key's write epoch. The epoch map is pruned by
// raising the floor once it outgrows the cache; a pruned key reports
// the floor, which only makes a racing load skip its cache fill.
// Caller holds the lock.
func (c *Cache) bumpEpoch(key string) {
	if c.capacity > 0 && len(c.epochs) > 4*c.capacity {
		c.resetEpochs()
	}
	c.clock++
	c.epochs[key] = c.clock
}

// resetEpochs drops per-key epochs and raises the floor past every
// value handed out so far. Caller holds the lock.
func (c *Cache) resetEpochs() {
	c.clock++
	c.epochFloor = c.clock
	c.epochs = make(map[string]uint64)
}

// evict removes the least recently used entry. Caller holds the lock.
func (c *Cache) evict() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.items, oldest)
}

// moveToEnd marks key most recently used. Caller holds the lock.
func (c *Cache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

// removeFromOrder drops key from the order list. Caller holds the lock.
func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}
