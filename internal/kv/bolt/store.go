// Package bolt provides the bbolt-backed KV substrate.
//
// Each keyspace maps to one bucket in a single database file. Batch
// applies its whole op list inside one bbolt write transaction, which
// gives the atomic multi-key contract the engine relies on. Range
// scans walk a cursor from the start key and stop at the exclusive
// end bound.
package bolt

import (
	"fmt"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/featherbase/featherbase/internal/kv"
)

// Config holds bolt store configuration.
type Config struct {
	// Path is the database file location.
	Path string
	// NoSync disables fsync on commit. The write buffer already
	// trades a bounded durability window for throughput; syncing
	// every group commit on top of that is the "safe" profile.
	NoSync bool
	// Timeout bounds how long opening waits for the file lock.
	Timeout time.Duration
}

// Store implements kv.Store on top of bbolt.
type Store struct {
	db      *bbolt.DB
	gets    atomic.Uint64
	ranges  atomic.Uint64
	batches atomic.Uint64
}

// NewStore opens (or creates) the database file and ensures all
// keyspace buckets exist.
func NewStore(cfg Config) (*Store, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, ks := range kv.Keyspaces {
			if _, err := tx.CreateBucketIfNotExists([]byte(ks)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", ks, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Get retrieves the value stored under key, or kv.ErrKeyNotFound.
func (s *Store) Get(ks kv.Keyspace, key string) ([]byte, error) {
	s.gets.Add(1)

	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(ks))
		if b == nil {
			return fmt.Errorf("%w: %s", kv.ErrUnknownKeyspace, ks)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return kv.ErrKeyNotFound
		}
		// bbolt values are only valid inside the transaction.
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Range returns pairs in [Start, End) in lexicographic order.
func (s *Store) Range(ks kv.Keyspace, opts kv.RangeOptions) ([]kv.Pair, error) {
	s.ranges.Add(1)

	var pairs []kv.Pair
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(ks))
		if b == nil {
			return fmt.Errorf("%w: %s", kv.ErrUnknownKeyspace, ks)
		}
		c := b.Cursor()
		end := []byte(opts.End)
		for k, v := c.Seek([]byte(opts.Start)); k != nil; k, v = c.Next() {
			if len(end) > 0 && string(k) >= opts.End {
				break
			}
			pairs = append(pairs, kv.Pair{Key: string(k), Value: append([]byte(nil), v...)})
			if opts.Limit > 0 && len(pairs) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// Batch applies every op inside a single write transaction.
func (s *Store) Batch(ops []kv.Op) error {
	s.batches.Add(1)

	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, op := range ops {
			if op.Key == "" {
				return kv.ErrEmptyKey
			}
			b := tx.Bucket([]byte(op.Keyspace))
			if b == nil {
				return fmt.Errorf("%w: %s", kv.ErrUnknownKeyspace, op.Keyspace)
			}
			switch op.Type {
			case kv.OpPut:
				if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case kv.OpDelete:
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
			default:
				return kv.ErrUnsupportedOpType
			}
		}
		return nil
	})
}

// Stats returns operation counters and the total key count.
func (s *Store) Stats() kv.Stats {
	stats := kv.Stats{
		Gets:    s.gets.Load(),
		Ranges:  s.ranges.Load(),
		Batches: s.batches.Load(),
	}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		for _, ks := range kv.Keyspaces {
			if b := tx.Bucket([]byte(ks)); b != nil {
				stats.Keys += b.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}
