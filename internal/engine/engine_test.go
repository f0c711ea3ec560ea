package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/featherbase/featherbase/internal/cache"
	"github.com/featherbase/featherbase/internal/kv"
	"github.com/featherbase/featherbase/internal/kv/memory"
	"github.com/featherbase/featherbase/internal/record"
	"github.com/featherbase/featherbase/internal/schema"
)

type testEnv struct {
	engine *Engine
	store  *memory.Store
	cache  *cache.Cache
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	store := memory.NewStore()
	c := cache.New(1000)
	registry, err := schema.NewRegistry(store)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	buffer := NewBuffer(store, c, discard(), BufferConfig{FlushInterval: 2 * time.Millisecond})
	eng := New(store, cache.NewLoading(c), registry, buffer, nil, discard(), cfg)
	return &testEnv{engine: eng, store: store, cache: c}
}

func postsSchema() *schema.Schema {
	return &schema.Schema{
		Collection: "posts",
		Fields: []schema.Field{
			{Name: "owner_id", Type: schema.TypeString, Indexed: true},
			{Name: "title", Type: schema.TypeString},
			{Name: "views", Type: schema.TypeNumber},
		},
	}
}

func TestEngine_Create(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "posts", record.Record{
		"owner_id": "u1",
		"title":    "hello",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if len(rec.ID()) != record.IDLength {
		t.Errorf("Expected %d-char id, got %q", record.IDLength, rec.ID())
	}
	if rec.Version() != 1 {
		t.Errorf("Expected version 1, got %d", rec.Version())
	}
	if rec.Created() == "" || rec.Created() != rec.Updated() {
		t.Errorf("Expected created == updated, got %q / %q", rec.Created(), rec.Updated())
	}

	// The primary row is durable and carries the payload.
	data, err := env.store.Get(kv.Main, RecordKey("posts", rec.ID()))
	if err != nil {
		t.Fatalf("Expected durable row, got %v", err)
	}
	row, err := record.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if row["owner_id"] != "u1" || row["title"] != "hello" {
		t.Errorf("Unexpected row contents: %+v", row)
	}
}

func TestEngine_Get(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, "posts", record.Record{"title": "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := env.engine.Get(ctx, "posts", created.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got["title"] != "a" {
		t.Errorf("Unexpected record: %+v", got)
	}

	_, err = env.engine.Get(ctx, "posts", "nosuchrecordhere")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEngine_ListUsesIndex(t *testing.T) {
	// MaxScanLimit 1 would cripple a primary scan; the indexed filter
	// must still see every match.
	env := newTestEnv(t, Config{MaxScanLimit: 1})
	ctx := context.Background()

	if err := env.engine.Schemas().Put(postsSchema()); err != nil {
		t.Fatalf("Put schema failed: %v", err)
	}

	for _, owner := range []string{"u1", "u1", "u1", "u2", "u2"} {
		if _, err := env.engine.Create(ctx, "posts", record.Record{"owner_id": owner}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	res, err := env.engine.List(ctx, "posts", ListOptions{Filter: map[string]any{"owner_id": "u1"}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.TotalItems != 3 {
		t.Errorf("Expected 3 matches, got %d", res.TotalItems)
	}
	for _, item := range res.Items {
		if item["owner_id"] != "u1" {
			t.Errorf("Unexpected item: %+v", item)
		}
	}
	if env.engine.Stats().ScanLimitTrips != 0 {
		t.Error("Indexed filter must not touch the primary scan")
	}
}

func TestEngine_ListScanLimit(t *testing.T) {
	env := newTestEnv(t, Config{MaxScanLimit: 5})
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if _, err := env.engine.Create(ctx, "posts", record.Record{"title": "x"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	res, err := env.engine.List(ctx, "posts", ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.TotalItems != 5 {
		t.Errorf("Expected scan capped at 5, got %d", res.TotalItems)
	}
	if env.engine.Stats().ScanLimitTrips != 1 {
		t.Errorf("Expected a scan limit trip, got %+v", env.engine.Stats())
	}
}

func TestEngine_ListSortAndPagination(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for _, views := range []float64{3, 1, 5, 2, 4} {
		if _, err := env.engine.Create(ctx, "posts", record.Record{"views": views}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	res, err := env.engine.List(ctx, "posts", ListOptions{Sort: "-views", Page: 2, PerPage: 2})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.TotalItems != 5 || res.TotalPages != 3 {
		t.Errorf("Unexpected totals: %+v", res)
	}
	if len(res.Items) != 2 {
		t.Fatalf("Expected 2 items on page 2, got %d", len(res.Items))
	}
	// Descending by views: page 2 holds 3 and 2.
	if res.Items[0]["views"] != float64(3) || res.Items[1]["views"] != float64(2) {
		t.Errorf("Unexpected page order: %v, %v", res.Items[0]["views"], res.Items[1]["views"])
	}
}

func TestEngine_ListLooseFilter(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	if _, err := env.engine.Create(ctx, "posts", record.Record{"views": float64(42), "draft": true}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// String filter values match numeric and boolean storage.
	res, err := env.engine.List(ctx, "posts", ListOptions{
		Filter: map[string]any{"views": "42", "draft": "true"},
	})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if res.TotalItems != 1 {
		t.Errorf("Expected loose match, got %d items", res.TotalItems)
	}
}

func TestEngine_UpdateVersionConflict(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, "posts", record.Record{"title": "v1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := created.ID()

	one := int64(1)
	first, err := env.engine.Update(ctx, "posts", id, record.Record{"title": "a"}, &one)
	if err != nil {
		t.Fatalf("First update failed: %v", err)
	}
	if first.Version() != 2 {
		t.Errorf("Expected version 2, got %d", first.Version())
	}

	// The second writer carries the same stale precondition. Its first
	// attempt conflicts; the retry re-bases and lands as version 3.
	second, err := env.engine.Update(ctx, "posts", id, record.Record{"title": "b"}, &one)
	if err != nil {
		t.Fatalf("Second update failed: %v", err)
	}
	if second.Version() != 3 {
		t.Errorf("Expected version 3 after re-base, got %d", second.Version())
	}
	if second["title"] != "b" {
		t.Errorf("Expected re-based patch applied, got %v", second["title"])
	}

	stats := env.engine.Stats()
	if stats.Conflicts != 1 || stats.ConflictRetries != 1 {
		t.Errorf("Expected 1 conflict / 1 retry, got %+v", stats)
	}
}

func TestEngine_UpdateNotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	_, err := env.engine.Update(context.Background(), "posts", "nosuchrecordhere", record.Record{"title": "x"}, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestEngine_VersionMonotonic(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, "posts", record.Record{"title": "t"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	prevUpdated := created.Updated()
	for i := 0; i < 5; i++ {
		rec, err := env.engine.Update(ctx, "posts", created.ID(), record.Record{"title": "t"}, nil)
		if err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
		if want := int64(i + 2); rec.Version() != want {
			t.Errorf("Expected version %d, got %d", want, rec.Version())
		}
		if rec.Updated() <= prevUpdated {
			t.Errorf("Expected updated to advance, got %s after %s", rec.Updated(), prevUpdated)
		}
		prevUpdated = rec.Updated()
	}
}

func TestEngine_ConcurrentUniqueCreate(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			_, errs[i] = env.engine.Create(ctx, schema.UsersCollection, record.Record{
				"email":    "dup@example.com",
				"password": "hash",
			})
		}()
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrUniqueness):
			rejected++
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != n-1 {
		t.Errorf("Expected exactly one winner, got %d ok / %d rejected", ok, rejected)
	}
}

func TestEngine_OptimisticUniqueHeldUntilCommit(t *testing.T) {
	store := newGateStore()
	c := cache.New(1000)
	// The registry persists over the inner store so schema writes do
	// not block on the gate.
	registry, err := schema.NewRegistry(store.Store)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	buffer := NewBuffer(store, c, discard(), BufferConfig{
		FlushInterval: time.Millisecond,
		Optimistic:    true,
	})
	eng := New(store, cache.NewLoading(c), registry, buffer, nil, discard(), Config{})
	ctx := context.Background()

	user := record.Record{"email": "x@example.com", "password": "h"}
	if _, err := eng.Create(ctx, schema.UsersCollection, user); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	<-store.entered // commit is in flight behind the gate

	// The uniqueness claim must survive the optimistic enqueue: a
	// duplicate arriving before the uniq key is durable still loses.
	if _, err := eng.Create(ctx, schema.UsersCollection, user); !errors.Is(err, ErrUniqueness) {
		t.Errorf("Expected ErrUniqueness while commit pending, got %v", err)
	}

	close(store.gate)
	waitFor(t, func() bool {
		_, err := store.Store.Get(kv.Indexes, UniqueKey(schema.UsersCollection, "email", "x@example.com"))
		return err == nil
	})

	// After the commit the stored uniq key takes over from the claim.
	if _, err := eng.Create(ctx, schema.UsersCollection, user); !errors.Is(err, ErrUniqueness) {
		t.Errorf("Expected ErrUniqueness after commit, got %v", err)
	}
	if _, err := eng.Create(ctx, schema.UsersCollection, record.Record{
		"email": "y@example.com", "password": "h",
	}); err != nil {
		t.Errorf("Expected distinct email to pass, got %v", err)
	}
}

func TestEngine_UniqueFreedAfterDelete(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, schema.UsersCollection, record.Record{
		"email": "a@example.com", "password": "h",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := env.engine.Delete(ctx, schema.UsersCollection, created.ID(), nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := env.engine.Create(ctx, schema.UsersCollection, record.Record{
		"email": "a@example.com", "password": "h",
	}); err != nil {
		t.Errorf("Expected freed email to be reusable, got %v", err)
	}
}

func TestEngine_SingleFlightColdRead(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, "posts", record.Record{"title": "cold"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	env.cache.Clear()
	baseline := env.store.Stats().Gets

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := env.engine.Get(ctx, "posts", created.ID()); err != nil {
				t.Errorf("Get failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := env.store.Stats().Gets - baseline; got != 1 {
		t.Errorf("Expected exactly one substrate read, got %d", got)
	}
}

func TestEngine_SanitizationAndPrivatePreservation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, schema.UsersCollection, record.Record{
		"email": "p@example.com", "password": "hash1", "name": "pat",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, ok := created["password"]; ok {
		t.Error("Create must return sanitized record")
	}

	// A patch that omits the private field must not drop it.
	updated, err := env.engine.Update(ctx, schema.UsersCollection, created.ID(), record.Record{"name": "pat2"}, nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, ok := updated["password"]; ok {
		t.Error("Update must return sanitized record")
	}

	raw, err := env.engine.GetRaw(ctx, schema.UsersCollection, created.ID())
	if err != nil {
		t.Fatalf("GetRaw failed: %v", err)
	}
	if raw["password"] != "hash1" {
		t.Errorf("Expected stored password preserved, got %v", raw["password"])
	}

	got, err := env.engine.Get(ctx, schema.UsersCollection, created.ID())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, ok := got["password"]; ok {
		t.Error("Get must strip private fields")
	}
}

func TestEngine_DeleteRemovesRowAndIndexes(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	if err := env.engine.Schemas().Put(postsSchema()); err != nil {
		t.Fatalf("Put schema failed: %v", err)
	}

	created, err := env.engine.Create(ctx, "posts", record.Record{"owner_id": "u1"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := env.engine.Delete(ctx, "posts", created.ID(), nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := env.engine.Get(ctx, "posts", created.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	start, end := kv.PrefixRange("idx:posts:")
	pairs, err := env.store.Range(kv.Indexes, kv.RangeOptions{Start: start, End: end})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(pairs) != 0 {
		t.Errorf("Expected index entries removed, got %d", len(pairs))
	}
}

func TestEngine_IndexCoherence(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	if err := env.engine.Schemas().Put(postsSchema()); err != nil {
		t.Fatalf("Put schema failed: %v", err)
	}

	a, _ := env.engine.Create(ctx, "posts", record.Record{"owner_id": "u1"})
	b, _ := env.engine.Create(ctx, "posts", record.Record{"owner_id": "u1"})
	if _, err := env.engine.Update(ctx, "posts", a.ID(), record.Record{"owner_id": "u2"}, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := env.engine.Delete(ctx, "posts", b.ID(), nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// After moving a to u2 and deleting b, the owner_id index holds
	// exactly one entry: a under u2.
	start, end := kv.PrefixRange("idx:posts:owner_id:")
	pairs, err := env.store.Range(kv.Indexes, kv.RangeOptions{Start: start, End: end})
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("Expected 1 index entry, got %d", len(pairs))
	}
	if pairs[0].Key != IndexKey("posts", "owner_id", "u2", a.ID()) {
		t.Errorf("Unexpected index entry: %s", pairs[0].Key)
	}
}

func TestEngine_CacheCoherenceAtQuiescence(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	created, err := env.engine.Create(ctx, "posts", record.Record{"title": "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	updated, err := env.engine.Update(ctx, "posts", created.ID(), record.Record{"title": "b"}, nil)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	key := RecordKey("posts", created.ID())
	cached, ok := env.cache.Get(key)
	if !ok {
		t.Fatal("Expected cache entry after write")
	}
	if cached["title"] != "b" || cached.Version() != updated.Version() {
		t.Errorf("Cache out of step with store: %+v", cached)
	}

	data, err := env.store.Get(kv.Main, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	row, _ := record.Decode(data)
	if row["title"] != "b" || row.Version() != updated.Version() {
		t.Errorf("Durable row out of step: %+v", row)
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Publish(collection, action string, rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, collection+"/"+action)
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func TestEngine_PublishesChangeEvents(t *testing.T) {
	store := memory.NewStore()
	c := cache.New(1000)
	registry, err := schema.NewRegistry(store)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	sink := &recordingSink{}
	buffer := NewBuffer(store, c, discard(), BufferConfig{FlushInterval: 2 * time.Millisecond})
	eng := New(store, cache.NewLoading(c), registry, buffer, sink, discard(), Config{})
	t.Cleanup(eng.Close)

	ctx := context.Background()
	created, err := eng.Create(ctx, "posts", record.Record{"title": "a"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := eng.Update(ctx, "posts", created.ID(), record.Record{"title": "b"}, nil); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := eng.Delete(ctx, "posts", created.ID(), nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == 3 })
	seen := make(map[string]bool)
	for _, ev := range sink.snapshot() {
		seen[ev] = true
	}
	for _, want := range []string{"posts/create", "posts/update", "posts/delete"} {
		if !seen[want] {
			t.Errorf("Missing event %s in %v", want, sink.snapshot())
		}
	}
}

type versionSink struct {
	mu       sync.Mutex
	versions []int64
}

func (s *versionSink) Publish(collection, action string, rec record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, rec.Version())
}

func (s *versionSink) snapshot() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.versions...)
}

func TestEngine_EventOrderFollowsCommitOrder(t *testing.T) {
	store := memory.NewStore()
	c := cache.New(1000)
	registry, err := schema.NewRegistry(store)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}
	sink := &versionSink{}
	// A short flush interval coalesces bursts of updates into shared
	// batches, the case where delivery order is easiest to lose.
	buffer := NewBuffer(store, c, discard(), BufferConfig{FlushInterval: time.Millisecond})
	eng := New(store, cache.NewLoading(c), registry, buffer, sink, discard(), Config{})
	t.Cleanup(eng.Close)
	ctx := context.Background()

	created, err := eng.Create(ctx, "posts", record.Record{"title": "t"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	const updates = 30
	for i := 0; i < updates; i++ {
		if _, err := eng.Update(ctx, "posts", created.ID(), record.Record{"title": "t"}, nil); err != nil {
			t.Fatalf("Update %d failed: %v", i, err)
		}
	}

	waitFor(t, func() bool { return len(sink.snapshot()) == updates+1 })
	versions := sink.snapshot()
	for i, v := range versions {
		if v != int64(i+1) {
			t.Fatalf("Events out of commit order at %d: %v", i, versions)
		}
	}
}
