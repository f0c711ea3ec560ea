package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/featherbase/featherbase/internal/cache"
	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/kv/memory"
	"github.com/featherbase/featherbase/internal/record"
)

// gateStore blocks Batch until the gate channel is closed, so tests
// can hold the drain worker in flight. Each call signals entered
// before blocking.
type gateStore struct {
	kv.Store
	entered chan struct{}
	gate    chan struct{}
}

func newGateStore() *gateStore {
	return &gateStore{
		Store:   memory.NewStore(),
		entered: make(chan struct{}, 16),
		gate:    make(chan struct{}),
	}
}

func (g *gateStore) Batch(ops []kv.Op) error {
	g.entered <- struct{}{}
	<-g.gate
	return g.Store.Batch(ops)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Condition not reached in time")
}

func TestBuffer_CoalescesIntoOneBatch(t *testing.T) {
	store := memory.NewStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Hour,
		MaxBufferSize: 1000,
	})

	const n = 5
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("posts:%d", i)
		go func() {
			defer wg.Done()
			if err := b.Add([]kv.Op{kv.Put(kv.Main, key, []byte("v"))}, nil, nil); err != nil {
				t.Errorf("Add failed: %v", err)
			}
		}()
	}

	waitFor(t, func() bool { return b.Stats().Pending == n })
	b.Flush()
	wg.Wait()

	if got := store.Stats().Batches; got != 1 {
		t.Errorf("Expected one coalesced batch, got %d", got)
	}
	stats := b.Stats()
	if stats.Flushes != 1 || stats.FlushedIntents != n {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestBuffer_TimerFlush(t *testing.T) {
	store := memory.NewStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: 5 * time.Millisecond,
	})

	if err := b.Add([]kv.Op{kv.Put(kv.Main, "posts:a", []byte("1"))}, nil, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	v, err := store.Get(kv.Main, "posts:a")
	if err != nil || string(v) != "1" {
		t.Errorf("Expected committed value, got %s, %v", v, err)
	}
}

func TestBuffer_SizeForcedFlush(t *testing.T) {
	store := memory.NewStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Hour,
		MaxBufferSize: 3,
		Optimistic:    true,
	})

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("posts:%d", i)
		if err := b.Add([]kv.Op{kv.Put(kv.Main, key, []byte("v"))}, nil, nil); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	// Hitting MaxBufferSize flushes without waiting for the timer.
	waitFor(t, func() bool { return b.Stats().Flushes == 1 })
	if got := store.Stats().Keys; got != 3 {
		t.Errorf("Expected 3 keys, got %d", got)
	}
}

func TestBuffer_Overload(t *testing.T) {
	store := newGateStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Hour,
		MaxFlushQueue: 1,
		Optimistic:    true,
	})

	// First batch occupies the worker inside the gated commit.
	_ = b.Add([]kv.Op{kv.Put(kv.Main, "a", []byte("1"))}, nil, nil)
	b.Flush()
	<-store.entered

	// Two frozen batches pile up behind it.
	for _, k := range []string{"b", "c"} {
		_ = b.Add([]kv.Op{kv.Put(kv.Main, k, []byte("1"))}, nil, nil)
		b.Flush()
	}

	err := b.Add([]kv.Op{kv.Put(kv.Main, "d", []byte("1"))}, nil, nil)
	if !errors.Is(err, ErrOverloaded) {
		t.Errorf("Expected ErrOverloaded, got %v", err)
	}
	if b.Stats().Overloads != 1 {
		t.Errorf("Expected overload counted, got %+v", b.Stats())
	}

	close(store.gate)
	waitFor(t, func() bool { return b.Stats().QueueDepth == 0 && b.Stats().Flushes == 3 })
}

func TestBuffer_OptimisticReturnsBeforeCommit(t *testing.T) {
	store := newGateStore()
	c := cache.New(100)
	b := NewBuffer(store, c, discard(), BufferConfig{
		FlushInterval: time.Millisecond,
		Optimistic:    true,
	})

	err := b.Add(
		[]kv.Op{kv.Put(kv.Main, "posts:a", []byte("1"))},
		[]CacheUpdate{{Key: "posts:a", Record: record.Record{record.FieldID: "a"}}},
		nil,
	)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// The cache reflects the write even though the commit is gated.
	if _, ok := c.Get("posts:a"); !ok {
		t.Error("Expected cache updated on enqueue")
	}
	if _, err := store.Store.Get(kv.Main, "posts:a"); !errors.Is(err, kv.ErrKeyNotFound) {
		t.Error("Commit must still be pending")
	}

	close(store.gate)
	waitFor(t, func() bool {
		_, err := store.Store.Get(kv.Main, "posts:a")
		return err == nil
	})
}

func TestBuffer_SafeModeAppliesCacheAfterCommit(t *testing.T) {
	store := memory.NewStore()
	c := cache.New(100)
	b := NewBuffer(store, c, discard(), BufferConfig{FlushInterval: time.Millisecond})

	err := b.Add(
		[]kv.Op{kv.Put(kv.Main, "posts:a", []byte("1"))},
		[]CacheUpdate{{Key: "posts:a", Record: record.Record{record.FieldID: "a"}}},
		nil,
	)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if _, ok := c.Get("posts:a"); !ok {
		t.Error("Expected cache updated after commit")
	}
	if _, err := store.Get(kv.Main, "posts:a"); err != nil {
		t.Errorf("Expected durable row, got %v", err)
	}
}

func TestBuffer_Tombstone(t *testing.T) {
	store := memory.NewStore()
	c := cache.New(100)
	c.Set("posts:a", record.Record{record.FieldID: "a"})
	b := NewBuffer(store, c, discard(), BufferConfig{FlushInterval: time.Millisecond})

	err := b.Add(
		[]kv.Op{kv.Delete(kv.Main, "posts:a")},
		[]CacheUpdate{{Key: "posts:a", Tombstone: true}},
		nil,
	)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if _, ok := c.Get("posts:a"); ok {
		t.Error("Expected tombstone to evict the cache entry")
	}
}

func TestBuffer_OnCommitFiresAfterDurableCommit(t *testing.T) {
	store := newGateStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Millisecond,
		Optimistic:    true,
	})

	var fired atomic.Bool
	err := b.Add([]kv.Op{kv.Put(kv.Main, "a", []byte("1"))}, nil, func() { fired.Store(true) })
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Enqueue returned, the batch is parked in the gated commit: the
	// hook must still be pending.
	<-store.entered
	if fired.Load() {
		t.Error("onCommit must not fire before the batch is durable")
	}

	close(store.gate)
	waitFor(t, func() bool { return fired.Load() })
}

func TestBuffer_OnCommitFiresOnRejection(t *testing.T) {
	store := newGateStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Hour,
		MaxFlushQueue: 1,
		Optimistic:    true,
	})

	_ = b.Add([]kv.Op{kv.Put(kv.Main, "a", []byte("1"))}, nil, nil)
	b.Flush()
	<-store.entered
	for _, k := range []string{"b", "c"} {
		_ = b.Add([]kv.Op{kv.Put(kv.Main, k, []byte("1"))}, nil, nil)
		b.Flush()
	}

	var fired atomic.Bool
	err := b.Add([]kv.Op{kv.Put(kv.Main, "d", []byte("1"))}, nil, func() { fired.Store(true) })
	if !errors.Is(err, ErrOverloaded) {
		t.Fatalf("Expected ErrOverloaded, got %v", err)
	}
	if !fired.Load() {
		t.Error("Expected onCommit on rejection, nothing will commit the intent")
	}

	close(store.gate)
	waitFor(t, func() bool { return b.Stats().QueueDepth == 0 })
}

func TestBuffer_Drain(t *testing.T) {
	store := memory.NewStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Hour,
		Optimistic:    true,
	})

	for _, k := range []string{"posts:a", "posts:b"} {
		if err := b.Add([]kv.Op{kv.Put(kv.Main, k, []byte("1"))}, nil, nil); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if got := store.Stats().Keys; got != 2 {
		t.Errorf("Expected pending intents flushed, got %d keys", got)
	}

	// Writes after Drain take the synchronous path.
	if err := b.Add([]kv.Op{kv.Put(kv.Main, "posts:c", []byte("1"))}, nil, nil); err != nil {
		t.Fatalf("Add while draining failed: %v", err)
	}
	if _, err := store.Get(kv.Main, "posts:c"); err != nil {
		t.Errorf("Expected synchronous commit, got %v", err)
	}
	if !b.Stats().Draining {
		t.Error("Expected draining state to stick")
	}
}

func TestBuffer_SingleCommitter(t *testing.T) {
	store := memory.NewStore()
	b := NewBuffer(store, cache.New(100), discard(), BufferConfig{
		FlushInterval: time.Millisecond,
		MaxBufferSize: 2,
	})

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("posts:%d", i)
		go func() {
			defer wg.Done()
			if err := b.Add([]kv.Op{kv.Put(kv.Main, key, []byte("v"))}, nil, nil); err != nil {
				t.Errorf("Add failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := b.Stats().MaxConcurrentCommits; got != 1 {
		t.Errorf("Expected at most one committer, got high-water %d", got)
	}
	if got := store.Stats().Keys; got != n {
		t.Errorf("Expected %d keys, got %d", n, got)
	}
}
