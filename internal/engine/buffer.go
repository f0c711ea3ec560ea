package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/featherbase/featherbase/internal/cache"
	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/record"
)

// CacheUpdate is applied to the record cache after an intent's batch
// durably commits. A tombstone removes the key.
type CacheUpdate struct {
	Key       string
	Record    record.Record
	Tombstone bool
}

// intent is one atomic write accepted by the buffer.
type intent struct {
	ops      []kv.Op
	updates  []CacheUpdate
	onCommit func()
	done     chan error
}

// BufferConfig tunes the write coalescer.
type BufferConfig struct {
	// FlushInterval is how long the first intent waits for company
	// before a flush is forced.
	FlushInterval time.Duration
	// MaxBufferSize flushes the ingress immediately once this many
	// intents are pending.
	MaxBufferSize int
	// MaxFlushQueue is the overload threshold: new intents fail fast
	// once this many frozen batches await disk.
	MaxFlushQueue int
	// Optimistic applies cache updates and completes intents on
	// enqueue; commit failures are only logged.
	Optimistic bool
	// YieldQueueDepth makes the drain worker yield to the scheduler
	// every few batches once the queue is deeper than this.
	YieldQueueDepth int
}

func (c *BufferConfig) applyDefaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 25 * time.Millisecond
	}
	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = 500
	}
	if c.MaxFlushQueue <= 0 {
		c.MaxFlushQueue = 50
	}
	if c.YieldQueueDepth <= 0 {
		c.YieldQueueDepth = 4
	}
}

// BufferStats reports coalescer state and counters.
type BufferStats struct {
	Pending              int    `json:"pending"`
	QueueDepth           int    `json:"queueDepth"`
	Flushes              uint64 `json:"flushes"`
	FlushedIntents       uint64 `json:"flushedIntents"`
	Overloads            uint64 `json:"overloads"`
	MaxConcurrentCommits int32  `json:"maxConcurrentCommits"`
	Optimistic           bool   `json:"optimistic"`
	Draining             bool   `json:"draining"`
}

// Buffer is the group-commit write coalescer. It accepts atomic write
// intents, coalesces them into batches, and drains the batch queue
// with exactly one committer so offered load turns into growing batch
// sizes instead of contending commits.
type Buffer struct {
	store  kv.Store
	cache  *cache.Cache
	logger *slog.Logger
	cfg    BufferConfig

	mu           sync.Mutex
	cond         *sync.Cond
	pending      []*intent
	queue        [][]*intent
	timer        *time.Timer
	workerActive bool
	draining     bool

	commitMu sync.Mutex

	activeCommits        atomic.Int32
	maxConcurrentCommits atomic.Int32
	flushes              atomic.Uint64
	flushedIntents       atomic.Uint64
	overloads            atomic.Uint64
}

// NewBuffer creates a write buffer committing to store and applying
// post-commit updates to c.
func NewBuffer(store kv.Store, c *cache.Cache, logger *slog.Logger, cfg BufferConfig) *Buffer {
	cfg.applyDefaults()
	b := &Buffer{store: store, cache: c, logger: logger, cfg: cfg}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add accepts an atomic write intent and blocks until its outcome is
// known. In optimistic mode the cache updates are applied and Add
// returns as soon as the intent is enqueued; the commit happens in
// the background and a failure is only logged.
//
// onCommit, when non-nil, runs exactly once after the intent's commit
// attempt finishes, or immediately when the intent is rejected. In
// optimistic mode it fires in the background, after the durable
// batch, not on enqueue.
//
// Once an intent is accepted it will be committed: there is no
// cancellation path, the contract is at-least-once commit.
func (b *Buffer) Add(ops []kv.Op, updates []CacheUpdate, onCommit func()) error {
	b.mu.Lock()

	if b.draining {
		b.mu.Unlock()
		err := b.commitSync(ops, updates)
		if onCommit != nil {
			onCommit()
		}
		return err
	}

	if len(b.queue) > b.cfg.MaxFlushQueue {
		b.overloads.Add(1)
		b.mu.Unlock()
		if onCommit != nil {
			onCommit()
		}
		return ErrOverloaded
	}

	it := &intent{ops: ops, updates: updates, onCommit: onCommit, done: make(chan error, 1)}
	b.pending = append(b.pending, it)

	switch {
	case len(b.pending) >= b.cfg.MaxBufferSize:
		b.flushLocked()
	case b.timer == nil:
		b.timer = time.AfterFunc(b.cfg.FlushInterval, b.onTimer)
	}

	if b.cfg.Optimistic {
		b.applyUpdates(updates)
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return <-it.done
}

// Flush forces the current ingress onto the flush queue. Mostly a
// test hook; production flushes are timer- or size-driven.
func (b *Buffer) Flush() {
	b.mu.Lock()
	b.flushLocked()
	b.mu.Unlock()
}

// onTimer fires when the flush interval elapses.
func (b *Buffer) onTimer() {
	b.mu.Lock()
	b.timer = nil
	b.flushLocked()
	b.mu.Unlock()
}

// flushLocked swaps the ingress into a frozen batch on the flush
// queue and makes sure a drain worker is running. Caller holds mu.
func (b *Buffer) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return
	}
	b.queue = append(b.queue, b.pending)
	b.pending = nil
	if !b.workerActive {
		b.workerActive = true
		go b.drainQueue()
	}
}

// drainQueue pops frozen batches one at a time and commits each as a
// single atomic substrate batch. Exactly one drainQueue goroutine
// runs at any moment; workerActive under mu enforces the mutual
// exclusion.
func (b *Buffer) drainQueue() {
	processed := 0
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.workerActive = false
			b.cond.Broadcast()
			b.mu.Unlock()
			return
		}
		batch := b.queue[0]
		b.queue = b.queue[1:]
		depth := len(b.queue)
		b.mu.Unlock()

		b.commitBatch(batch)

		processed++
		if depth > b.cfg.YieldQueueDepth && processed%4 == 0 {
			runtime.Gosched()
		}
	}
}

// commitBatch concatenates the batch's ops in insertion order, submits
// one atomic substrate batch, then applies cache updates and completes
// the intents.
func (b *Buffer) commitBatch(batch []*intent) {
	total := 0
	for _, it := range batch {
		total += len(it.ops)
	}
	ops := make([]kv.Op, 0, total)
	for _, it := range batch {
		ops = append(ops, it.ops...)
	}

	err := b.commit(ops)

	b.flushes.Add(1)
	b.flushedIntents.Add(uint64(len(batch)))

	if err != nil && b.cfg.Optimistic {
		b.logger.Error("background commit failed",
			slog.Int("intents", len(batch)),
			slog.Int("ops", len(ops)),
			slog.String("error", err.Error()),
		)
	}

	for _, it := range batch {
		if err == nil && !b.cfg.Optimistic {
			b.applyUpdates(it.updates)
		}
		if it.onCommit != nil {
			it.onCommit()
		}
		if !b.cfg.Optimistic {
			it.done <- err
		}
	}
}

// commit runs one substrate batch under the committer lock and tracks
// the concurrency high-water mark so tests can assert the single
// committer property.
func (b *Buffer) commit(ops []kv.Op) error {
	b.commitMu.Lock()
	defer b.commitMu.Unlock()

	n := b.activeCommits.Add(1)
	for {
		m := b.maxConcurrentCommits.Load()
		if n <= m || b.maxConcurrentCommits.CompareAndSwap(m, n) {
			break
		}
	}
	defer b.activeCommits.Add(-1)

	return b.store.Batch(ops)
}

// commitSync is the draining path: submit immediately, apply the
// cache updates, return the outcome.
func (b *Buffer) commitSync(ops []kv.Op, updates []CacheUpdate) error {
	err := b.commit(ops)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.applyUpdates(updates)
	b.mu.Unlock()
	return nil
}

// applyUpdates writes an intent's cache updates through. Caller holds
// mu or runs on the drain worker after commit.
func (b *Buffer) applyUpdates(updates []CacheUpdate) {
	for _, u := range updates {
		if u.Tombstone {
			b.cache.Delete(u.Key)
		} else {
			b.cache.Set(u.Key, u.Record)
		}
	}
}

// Drain switches the buffer to its draining state, pushes pending
// ingress onto the flush queue, and blocks until the queue is empty
// and no worker is in flight (or ctx expires). New intents arriving
// while draining take the synchronous path.
func (b *Buffer) Drain(ctx context.Context) error {
	b.mu.Lock()
	b.draining = true
	b.flushLocked()

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		case <-stop:
		}
	}()
	defer close(stop)

	for (b.workerActive || len(b.queue) > 0) && ctx.Err() == nil {
		b.cond.Wait()
	}
	b.mu.Unlock()
	return ctx.Err()
}

// Stats returns buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	pending := len(b.pending)
	depth := len(b.queue)
	draining := b.draining
	b.mu.Unlock()

	return BufferStats{
		Pending:              pending,
		QueueDepth:           depth,
		Flushes:              b.flushes.Load(),
		FlushedIntents:       b.flushedIntents.Load(),
		Overloads:            b.overloads.Load(),
		MaxConcurrentCommits: b.maxConcurrentCommits.Load(),
		Optimistic:           b.cfg.Optimistic,
		Draining:             draining,
	}
}
