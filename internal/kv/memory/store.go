// Package memory provides an in-memory KV substrate for tests and
// ephemeral deployments.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/featherbase/featherbase/internal/kv"
)

// Store implements kv.Store with plain maps guarded by a RWMutex.
// Batch applies its ops while holding the write lock, which makes the
// whole list atomic with respect to every reader.
type Store struct {
	mu     sync.RWMutex
	data   map[kv.Keyspace]map[string][]byte
	closed bool

	gets    uint64
	ranges  uint64
	batches uint64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	data := make(map[kv.Keyspace]map[string][]byte, len(kv.Keyspaces))
	for _, ks := range kv.Keyspaces {
		data[ks] = make(map[string][]byte)
	}
	return &Store{data: data}
}

// Get retrieves the value stored under key, or kv.ErrKeyNotFound.
func (s *Store) Get(ks kv.Keyspace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, kv.ErrStoreClosed
	}
	s.gets++
	m, ok := s.data[ks]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownKeyspace, ks)
	}
	v, ok := m[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Range returns pairs in [Start, End) in lexicographic order.
func (s *Store) Range(ks kv.Keyspace, opts kv.RangeOptions) ([]kv.Pair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, kv.ErrStoreClosed
	}
	s.ranges++
	m, ok := s.data[ks]
	if !ok {
		return nil, fmt.Errorf("%w: %s", kv.ErrUnknownKeyspace, ks)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		if k >= opts.Start && (opts.End == "" || k < opts.End) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
	}

	pairs := make([]kv.Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kv.Pair{Key: k, Value: append([]byte(nil), m[k]...)})
	}
	return pairs, nil
}

// Batch applies every op atomically under the write lock.
func (s *Store) Batch(ops []kv.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrStoreClosed
	}
	s.batches++

	// Validate first so a bad op cannot leave a partial application.
	for _, op := range ops {
		if op.Key == "" {
			return kv.ErrEmptyKey
		}
		if _, ok := s.data[op.Keyspace]; !ok {
			return fmt.Errorf("%w: %s", kv.ErrUnknownKeyspace, op.Keyspace)
		}
		if op.Type != kv.OpPut && op.Type != kv.OpDelete {
			return kv.ErrUnsupportedOpType
		}
	}

	for _, op := range ops {
		m := s.data[op.Keyspace]
		switch op.Type {
		case kv.OpPut:
			m[op.Key] = append([]byte(nil), op.Value...)
		case kv.OpDelete:
			delete(m, op.Key)
		}
	}
	return nil
}

// Stats returns operation counters and the total key count.
func (s *Store) Stats() kv.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := kv.Stats{Gets: s.gets, Ranges: s.ranges, Batches: s.batches}
	for _, m := range s.data {
		stats.Keys += len(m)
	}
	return stats
}

// Close marks the store closed; further operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
