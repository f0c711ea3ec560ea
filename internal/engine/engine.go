// Package engine orchestrates CRUD over collections: validation,
// versioning, index maintenance, group-commit writes, coalesced
// reads, conflict retry, and change events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/featherbase/featherbase/internal/cache"
	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/record"
	"github.com/featherbase/featherbase/internal/schema"
)

// EventSink receives committed change events. The engine publishes
// through a single worker so per-sink delivery order follows commit
// order and the write's return path never blocks on a slow
// subscriber.
type EventSink interface {
	Publish(collection, action string, rec record.Record)
}

// Actions published to the event sink.
const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

const (
	conflictRetries      = 3
	conflictRetryInitial = 10 * time.Millisecond
	sortWarnThreshold    = 1000
	emitBuffer           = 256
)

// Config tunes the engine.
type Config struct {
	// MaxScanLimit bounds unindexed primary-key scans in List.
	MaxScanLimit int
}

// Stats reports per-action operation counters.
type Stats struct {
	Creates           uint64 `json:"creates"`
	Updates           uint64 `json:"updates"`
	Deletes           uint64 `json:"deletes"`
	Reads             uint64 `json:"reads"`
	Lists             uint64 `json:"lists"`
	Conflicts         uint64 `json:"conflicts"`
	ConflictRetries   uint64 `json:"conflictRetries"`
	ScanLimitTrips    uint64 `json:"scanLimitTrips"`
	UniquenessRejects uint64 `json:"uniquenessRejects"`
}

// Engine is the CRUD orchestrator.
type Engine struct {
	store   kv.Store
	loading *cache.Loading
	schemas *schema.Registry
	indexer *Indexer
	buffer  *Buffer
	events  EventSink
	logger  *slog.Logger
	cfg     Config

	locks        keyedMutex
	reservations uniqueReservations

	emitCh   chan changeEvent
	emitDone chan struct{}

	creates         atomic.Uint64
	updates         atomic.Uint64
	deletes         atomic.Uint64
	reads           atomic.Uint64
	lists           atomic.Uint64
	conflicts       atomic.Uint64
	conflictRetries atomic.Uint64
	scanLimitTrips  atomic.Uint64
	uniqueRejects   atomic.Uint64
}

// New creates an engine. events may be nil.
func New(store kv.Store, loading *cache.Loading, schemas *schema.Registry, buffer *Buffer, events EventSink, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxScanLimit <= 0 {
		cfg.MaxScanLimit = 100
	}
	e := &Engine{
		store:   store,
		loading: loading,
		schemas: schemas,
		indexer: NewIndexer(store),
		buffer:  buffer,
		events:  events,
		logger:  logger,
		cfg:     cfg,
	}
	if events != nil {
		e.emitCh = make(chan changeEvent, emitBuffer)
		e.emitDone = make(chan struct{})
		go e.emitLoop()
	}
	return e
}

// Close stops the publish worker once its queued events have drained.
// Callers must stop issuing writes first; drain the buffer, then
// Close, then tear down the sink.
func (e *Engine) Close() {
	if e.emitCh != nil {
		close(e.emitCh)
		<-e.emitDone
	}
}

// Schemas exposes the schema registry.
func (e *Engine) Schemas() *schema.Registry {
	return e.schemas
}

// Buffer exposes the write buffer for stats and shutdown.
func (e *Engine) Buffer() *Buffer {
	return e.buffer
}

// Cache exposes the record cache for stats.
func (e *Engine) Cache() *cache.Cache {
	return e.loading.Cache()
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Creates:           e.creates.Load(),
		Updates:           e.updates.Load(),
		Deletes:           e.deletes.Load(),
		Reads:             e.reads.Load(),
		Lists:             e.lists.Load(),
		Conflicts:         e.conflicts.Load(),
		ConflictRetries:   e.conflictRetries.Load(),
		ScanLimitTrips:    e.scanLimitTrips.Load(),
		UniquenessRejects: e.uniqueRejects.Load(),
	}
}

// Create inserts a new record and returns it sanitized.
func (e *Engine) Create(ctx context.Context, collection string, data record.Record) (record.Record, error) {
	var out record.Record
	err := e.withConflictRetry(func() error {
		rec, err := e.createOnce(ctx, collection, data)
		out = rec
		return err
	})
	return out, err
}

func (e *Engine) createOnce(ctx context.Context, collection string, data record.Record) (record.Record, error) {
	s, err := e.schemas.Get(collection)
	if err != nil {
		return nil, err
	}

	rec := record.Merge(record.Record{}, data)
	rec = s.ApplyDefaults(rec)

	id := record.NewID()
	now := record.Now()
	rec[record.FieldID] = id
	rec[record.FieldCreated] = now
	rec[record.FieldUpdated] = now
	rec[record.FieldVersion] = int64(1)

	if err := s.Validate(rec); err != nil {
		return nil, err
	}

	release, err := e.reserveUnique(collection, rec, s, id)
	if err != nil {
		return nil, err
	}

	if err := e.commitMutation(collection, id, rec, nil, s, false, release); err != nil {
		return nil, err
	}

	e.creates.Add(1)
	sanitized := sanitize(rec, s)
	e.emit(collection, ActionCreate, sanitized)
	return sanitized, nil
}

// Update applies patch to an existing record. expectedVersion, when
// non-nil, is checked against the stored version before the merge; on
// an internal conflict retry the merge re-bases onto the freshly read
// record.
func (e *Engine) Update(ctx context.Context, collection, id string, patch record.Record, expectedVersion *int64) (record.Record, error) {
	var out record.Record
	first := true
	err := e.withConflictRetry(func() error {
		expected := expectedVersion
		if !first {
			// Re-read and re-base on every retry; the stale
			// precondition already reported its conflict.
			expected = nil
		}
		first = false
		rec, err := e.updateOnce(ctx, collection, id, patch, expected)
		out = rec
		return err
	})
	return out, err
}

func (e *Engine) updateOnce(ctx context.Context, collection, id string, patch record.Record, expectedVersion *int64) (record.Record, error) {
	s, err := e.schemas.Get(collection)
	if err != nil {
		return nil, err
	}

	unlock := e.locks.lock(RecordKey(collection, id))
	defer unlock()

	// Raw read: the diff base must keep private fields, otherwise a
	// patch that omits them would drop the stored values.
	old, err := e.getRaw(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	if expectedVersion != nil && *expectedVersion != old.Version() {
		e.conflicts.Add(1)
		return nil, fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, *expectedVersion, old.Version())
	}

	rec := record.Merge(old, patch)
	rec[record.FieldID] = id
	rec[record.FieldCreated] = old.Created()
	rec[record.FieldUpdated] = record.NextTimestamp(old.Updated())
	rec[record.FieldVersion] = old.Version() + 1

	if err := s.Validate(rec); err != nil {
		return nil, err
	}

	release, err := e.reserveUnique(collection, rec, s, id)
	if err != nil {
		return nil, err
	}

	if err := e.commitMutation(collection, id, rec, old, s, false, release); err != nil {
		return nil, err
	}

	e.updates.Add(1)
	sanitized := sanitize(rec, s)
	e.emit(collection, ActionUpdate, sanitized)
	return sanitized, nil
}

// Delete removes a record entirely; no version is persisted.
func (e *Engine) Delete(ctx context.Context, collection, id string, expectedVersion *int64) error {
	first := true
	return e.withConflictRetry(func() error {
		expected := expectedVersion
		if !first {
			expected = nil
		}
		first = false
		return e.deleteOnce(ctx, collection, id, expected)
	})
}

func (e *Engine) deleteOnce(ctx context.Context, collection, id string, expectedVersion *int64) error {
	s, err := e.schemas.Get(collection)
	if err != nil {
		return err
	}

	unlock := e.locks.lock(RecordKey(collection, id))
	defer unlock()

	old, err := e.getRaw(ctx, collection, id)
	if err != nil {
		return err
	}
	if old == nil {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}

	if expectedVersion != nil && *expectedVersion != old.Version() {
		e.conflicts.Add(1)
		return fmt.Errorf("%w: expected %d, have %d", ErrVersionConflict, *expectedVersion, old.Version())
	}

	if err := e.commitMutation(collection, id, nil, old, s, true, nil); err != nil {
		return err
	}

	e.deletes.Add(1)
	e.emit(collection, ActionDelete, sanitize(old, s))
	return nil
}

// commitMutation composes the primary-row op plus the index diff and
// pushes the atomic intent through the write buffer. The cache update
// is applied only after the batch durably commits. onCommit, when
// non-nil, runs exactly once when the write's fate is decided; the
// mutation paths hand their uniqueness release through it so the
// reservation outlives an optimistic-mode enqueue and only drops once
// the uniq keys are durable.
func (e *Engine) commitMutation(collection, id string, newRec, oldRec record.Record, s *schema.Schema, tombstone bool, onCommit func()) error {
	key := RecordKey(collection, id)

	var ops []kv.Op
	var update CacheUpdate
	if tombstone {
		ops = append(ops, kv.Delete(kv.Main, key))
		update = CacheUpdate{Key: key, Tombstone: true}
	} else {
		data, err := newRec.Encode()
		if err != nil {
			if onCommit != nil {
				onCommit()
			}
			return fmt.Errorf("failed to encode record: %w", err)
		}
		ops = append(ops, kv.Put(kv.Main, key, data))
		update = CacheUpdate{Key: key, Record: newRec}
	}
	ops = append(ops, e.indexer.Diff(collection, id, newRec, oldRec, s)...)

	return e.buffer.Add(ops, []CacheUpdate{update}, onCommit)
}

// Get returns the record sanitized for external callers.
func (e *Engine) Get(ctx context.Context, collection, id string) (record.Record, error) {
	s, err := e.schemas.Get(collection)
	if err != nil {
		return nil, err
	}
	rec, err := e.getRaw(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	e.reads.Add(1)
	return sanitize(rec, s), nil
}

// GetRaw returns the record without sanitization. Internal callers
// only; external reads go through Get.
func (e *Engine) GetRaw(ctx context.Context, collection, id string) (record.Record, error) {
	return e.getRaw(ctx, collection, id)
}

// getRaw routes the read through the single-flight cache. Absence is
// reported as (nil, nil).
func (e *Engine) getRaw(_ context.Context, collection, id string) (record.Record, error) {
	key := RecordKey(collection, id)
	return e.loading.Get(key, func() (record.Record, error) {
		data, err := e.store.Get(kv.Main, key)
		if errors.Is(err, kv.ErrKeyNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("substrate read failed for %s: %w", key, err)
		}
		return record.Decode(data)
	})
}

// ListOptions parameterize List.
type ListOptions struct {
	Filter  map[string]any
	Sort    string // field name, "-" prefix for descending
	Page    int    // 1-based
	PerPage int
}

// ListResult is a page of sanitized records.
type ListResult struct {
	Items      []record.Record `json:"items"`
	Page       int             `json:"page"`
	PerPage    int             `json:"perPage"`
	TotalItems int             `json:"totalItems"`
	TotalPages int             `json:"totalPages"`
}

// List enumerates records matching the filter. At most one indexed
// filter field drives an index prefix scan; otherwise a bounded
// primary-key scan is used. Residual filter comparison is loose
// equality across primitive types.
func (e *Engine) List(ctx context.Context, collection string, opts ListOptions) (*ListResult, error) {
	s, err := e.schemas.Get(collection)
	if err != nil {
		return nil, err
	}
	e.lists.Add(1)

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PerPage < 1 {
		opts.PerPage = 30
	}

	ids, indexedField, err := e.candidateIDs(collection, s, opts.Filter)
	if err != nil {
		return nil, err
	}

	// Residual filter: every filter field except the one already
	// satisfied by the index scan.
	residual := make(map[string]any, len(opts.Filter))
	for k, v := range opts.Filter {
		if k == indexedField {
			continue
		}
		residual[k] = v
	}

	var matched []record.Record
	for _, id := range ids {
		rec, err := e.getRaw(ctx, collection, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		if !matchesFilter(rec, residual) {
			continue
		}
		matched = append(matched, rec)
	}

	if opts.Sort != "" {
		if len(matched) > sortWarnThreshold {
			e.logger.Warn("sorting large result set in memory",
				slog.String("collection", collection),
				slog.Int("records", len(matched)),
			)
		}
		sortRecords(matched, opts.Sort)
	}

	total := len(matched)
	start := opts.PerPage * (opts.Page - 1)
	end := start + opts.PerPage
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	items := make([]record.Record, 0, end-start)
	for _, rec := range matched[start:end] {
		items = append(items, sanitize(rec, s))
	}

	totalPages := (total + opts.PerPage - 1) / opts.PerPage
	return &ListResult{
		Items:      items,
		Page:       opts.Page,
		PerPage:    opts.PerPage,
		TotalItems: total,
		TotalPages: totalPages,
	}, nil
}

// candidateIDs picks the scan strategy: an index prefix scan when the
// filter names an indexed field, otherwise a guarded primary scan.
// Returns the candidate ids and the name of the indexed field used.
func (e *Engine) candidateIDs(collection string, s *schema.Schema, filter map[string]any) ([]string, string, error) {
	for _, f := range s.IndexedFields() {
		v, ok := filter[f.Name]
		if !ok {
			continue
		}
		prefix := "idx:" + collection + ":" + f.Name + ":" + normalizeForField(f, v) + ":"
		start, end := kv.PrefixRange(prefix)
		pairs, err := e.store.Range(kv.Indexes, kv.RangeOptions{Start: start, End: end})
		if err != nil {
			return nil, "", fmt.Errorf("index scan failed for %s.%s: %w", collection, f.Name, err)
		}
		ids := make([]string, 0, len(pairs))
		for _, p := range pairs {
			ids = append(ids, string(p.Value))
		}
		return ids, f.Name, nil
	}

	start, end := kv.PrefixRange(RecordPrefix(collection))
	pairs, err := e.store.Range(kv.Main, kv.RangeOptions{Start: start, End: end, Limit: e.cfg.MaxScanLimit})
	if err != nil {
		return nil, "", fmt.Errorf("primary scan failed for %s: %w", collection, err)
	}
	if len(pairs) == e.cfg.MaxScanLimit {
		e.scanLimitTrips.Add(1)
		e.logger.Warn("primary key scan hit limit",
			slog.String("collection", collection),
			slog.Int("limit", e.cfg.MaxScanLimit),
		)
	}
	ids := make([]string, 0, len(pairs))
	for _, p := range pairs {
		ids = append(ids, strings.TrimPrefix(p.Key, RecordPrefix(collection)))
	}
	return ids, "", nil
}

// withConflictRetry retries op on version conflicts with exponential
// back-off (10, 20, 40 ms). All other errors propagate immediately.
func (e *Engine) withConflictRetry(op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = conflictRetryInitial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrVersionConflict) {
			if attempt <= conflictRetries {
				e.conflictRetries.Add(1)
				return err
			}
			return backoff.Permanent(err)
		}
		if errors.Is(err, ErrUniqueness) {
			e.uniqueRejects.Add(1)
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(bo, conflictRetries))
}

// reserveUnique claims the uniqueness keys of rec until its write
// commits, closing the window where two in-flight intents would both
// pass the stored-state check.
func (e *Engine) reserveUnique(collection string, rec record.Record, s *schema.Schema, id string) (func(), error) {
	if err := e.indexer.CheckUniqueness(collection, rec, s, id); err != nil {
		return nil, err
	}

	var keys []string
	for _, f := range s.UniqueFields() {
		v, ok := fieldValue(rec, f.Name)
		if !ok {
			continue
		}
		keys = append(keys, UniqueKey(collection, f.Name, v))
	}
	if len(keys) == 0 {
		return func() {}, nil
	}
	if err := e.reservations.claim(keys, id); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUniqueness, collection)
	}
	return func() { e.reservations.release(keys, id) }, nil
}

// changeEvent is one queued publication for the emit worker.
type changeEvent struct {
	collection string
	action     string
	rec        record.Record
}

// emit hands the event to the publish worker. A single worker drains
// the channel, so events for the same record reach the sink in commit
// order; goroutine-per-event would let the scheduler invert two
// versions published back to back.
func (e *Engine) emit(collection, action string, rec record.Record) {
	if e.emitCh == nil {
		return
	}
	e.emitCh <- changeEvent{collection: collection, action: action, rec: rec}
}

func (e *Engine) emitLoop() {
	defer close(e.emitDone)
	for ev := range e.emitCh {
		e.events.Publish(ev.collection, ev.action, ev.rec)
	}
}

func sanitize(rec record.Record, s *schema.Schema) record.Record {
	return rec.WithoutFields(s.PrivateFieldNames())
}

// matchesFilter applies loose equality across every filter field.
func matchesFilter(rec record.Record, filter map[string]any) bool {
	for k, want := range filter {
		if !looseEqual(rec[k], want) {
			return false
		}
	}
	return true
}

// looseEqual compares primitives with string/number/bool coercion.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := toBool(b); bok {
			return ab == bb
		}
	}
	if bb, bok := b.(bool); bok {
		if ab, aok := toBool(a); aok {
			return ab == bb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch b {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// sortRecords stable-sorts by the named field; a "-" prefix flips to
// descending.
func sortRecords(recs []record.Record, field string) {
	desc := false
	if strings.HasPrefix(field, "-") {
		desc = true
		field = field[1:]
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if desc {
			return lessValue(recs[j][field], recs[i][field])
		}
		return lessValue(recs[i][field], recs[j][field])
	})
}

func lessValue(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af < bf
		}
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

// keyedMutex provides a mutex per record key so mutations of the same
// record serialize while unrelated records proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (km *keyedMutex) lock(key string) (unlock func()) {
	km.mu.Lock()
	if km.locks == nil {
		km.locks = make(map[string]*keyedLock)
	}
	l, ok := km.locks[key]
	if !ok {
		l = &keyedLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}

// uniqueReservations tracks uniqueness keys claimed by in-flight
// writes that have not yet committed.
type uniqueReservations struct {
	mu     sync.Mutex
	claims map[string]string // uniq key -> owning record id
}

func (r *uniqueReservations) claim(keys []string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claims == nil {
		r.claims = make(map[string]string)
	}
	for _, k := range keys {
		if owner, ok := r.claims[k]; ok && owner != id {
			return ErrUniqueness
		}
	}
	for _, k := range keys {
		r.claims[k] = id
	}
	return nil
}

func (r *uniqueReservations) release(keys []string, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if r.claims[k] == id {
			delete(r.claims, k)
		}
	}
}
