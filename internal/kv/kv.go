// Package kv defines the ordered key/value substrate consumed by the engine.
package kv

import "errors"

// Common errors
var (
	ErrKeyNotFound       = errors.New("key not found")
	ErrUnknownKeyspace   = errors.New("unknown keyspace")
	ErrStoreClosed       = errors.New("store is closed")
	ErrEmptyKey          = errors.New("empty key")
	ErrUnsupportedOpType = errors.New("unsupported batch op type")
)

// Keyspace identifies one of the named keyspaces in the store.
type Keyspace string

const (
	// Main holds primary record rows keyed <collection>:<id>.
	Main Keyspace = "main"
	// Indexes holds secondary and uniqueness index entries.
	Indexes Keyspace = "indexes"
	// Meta holds collection schemas and other registry state.
	Meta Keyspace = "meta"
)

// Keyspaces lists every keyspace a store must provide.
var Keyspaces = []Keyspace{Main, Indexes, Meta}

// OpType is the kind of a batch operation.
type OpType int

const (
	OpPut OpType = iota
	OpDelete
)

// Op is a single entry in an atomic batch.
type Op struct {
	Type     OpType
	Keyspace Keyspace
	Key      string
	Value    []byte
}

// Put builds a put op.
func Put(ks Keyspace, key string, value []byte) Op {
	return Op{Type: OpPut, Keyspace: ks, Key: key, Value: value}
}

// Delete builds a delete op.
func Delete(ks Keyspace, key string) Op {
	return Op{Type: OpDelete, Keyspace: ks, Key: key}
}

// Pair is one key/value result from a range scan.
type Pair struct {
	Key   string
	Value []byte
}

// RangeOptions bounds a lexicographic scan. Start is inclusive, End is
// exclusive. Limit <= 0 means unbounded.
type RangeOptions struct {
	Start string
	End   string
	Limit int
}

// Stats reports store-level counters.
type Stats struct {
	Gets    uint64 `json:"gets"`
	Ranges  uint64 `json:"ranges"`
	Batches uint64 `json:"batches"`
	Keys    int    `json:"keys"`
}

// Store is the contract the engine consumes from its environment.
//
// Batch MUST be atomic across the whole op list: either every op is
// applied or none are. Range MUST return pairs in lexicographic key
// order. Implementations must be safe for concurrent use.
type Store interface {
	Get(ks Keyspace, key string) ([]byte, error)
	Range(ks Keyspace, opts RangeOptions) ([]Pair, error)
	Batch(ops []Op) error
	Stats() Stats
	Close() error
}

// PrefixRange returns the scan bounds covering every key that starts
// with prefix. The high end appends the 0xff sentinel.
func PrefixRange(prefix string) (start, end string) {
	return prefix, prefix + "\xff"
}
