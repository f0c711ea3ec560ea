package engine

import (
	"errors"
	"fmt"

	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/record"
	"github.com/featherbase/featherbase/internal/schema"
)

// Indexer computes the index maintenance ops needed to transition a
// record between states and enforces uniqueness constraints.
type Indexer struct {
	store kv.Store
}

// NewIndexer creates an indexer reading uniqueness state from store.
func NewIndexer(store kv.Store) *Indexer {
	return &Indexer{store: store}
}

// Diff emits the batch ops that move the index entries for id from
// the old record's values to the new record's values. A nil old
// record means create; a nil new record means delete. Only fields
// flagged indexed participate; unique fields additionally maintain
// their uniq: entry.
func (ix *Indexer) Diff(collection, id string, newRec, oldRec record.Record, s *schema.Schema) []kv.Op {
	var ops []kv.Op

	for _, f := range s.Fields {
		if !f.Indexed && !f.Unique {
			continue
		}

		oldVal, oldOK := fieldValue(oldRec, f.Name)
		newVal, newOK := fieldValue(newRec, f.Name)
		if oldOK && newOK && NormalizeValue(oldVal) == NormalizeValue(newVal) {
			continue
		}

		if oldOK {
			if f.Indexed {
				ops = append(ops, kv.Delete(kv.Indexes, IndexKey(collection, f.Name, oldVal, id)))
			}
			if f.Unique {
				ops = append(ops, kv.Delete(kv.Indexes, UniqueKey(collection, f.Name, oldVal)))
			}
		}
		if newOK {
			if f.Indexed {
				ops = append(ops, kv.Put(kv.Indexes, IndexKey(collection, f.Name, newVal, id), []byte(id)))
			}
			if f.Unique {
				ops = append(ops, kv.Put(kv.Indexes, UniqueKey(collection, f.Name, newVal), []byte(id)))
			}
		}
	}

	return ops
}

// CheckUniqueness verifies that no unique field of rec collides with
// a different record. excludingID names the record being updated so
// its own entries do not count as collisions.
func (ix *Indexer) CheckUniqueness(collection string, rec record.Record, s *schema.Schema, excludingID string) error {
	for _, f := range s.UniqueFields() {
		v, ok := fieldValue(rec, f.Name)
		if !ok {
			continue
		}
		owner, err := ix.store.Get(kv.Indexes, UniqueKey(collection, f.Name, v))
		if errors.Is(err, kv.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("uniqueness lookup failed for %s.%s: %w", collection, f.Name, err)
		}
		if string(owner) != excludingID {
			return fmt.Errorf("%w: %s.%s", ErrUniqueness, collection, f.Name)
		}
	}
	return nil
}

// fieldValue returns the value rec holds for name, treating nil
// records and nil values as absent.
func fieldValue(rec record.Record, name string) (any, bool) {
	if rec == nil {
		return nil, false
	}
	v, ok := rec[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}
