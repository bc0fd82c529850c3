package cached

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
	"github.com/trackd/bucketstore/storage/memory"
)

// mapProvider is an in-test cache.Provider backed by a plain map.
type mapProvider struct {
	mu      sync.Mutex
	entries map[string][]byte
	reject  bool
}

func newMapProvider() *mapProvider {
	return &mapProvider{entries: make(map[string][]byte)}
}

func (p *mapProvider) Get(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, ok := p.entries[key]
	return raw, ok, nil
}

func (p *mapProvider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reject {
		return false, nil
	}
	p.entries[key] = value
	return true, nil
}

func (p *mapProvider) Del(_ context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
	return nil
}

func (p *mapProvider) Close(context.Context) error { return nil }

func (p *mapProvider) poison(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = []byte("{not json")
}

func (p *mapProvider) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.entries))
	for k := range p.entries {
		out = append(out, k)
	}
	return out
}

// countingStorage counts reads that reach the backend.
type countingStorage struct {
	st.Storage
	mu        sync.Mutex
	getEvents int
	getMeta   int
}

func (c *countingStorage) GetEvents(ctx context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error) {
	c.mu.Lock()
	c.getEvents++
	c.mu.Unlock()
	return c.Storage.GetEvents(ctx, bucketID, limit, start, end)
}

func (c *countingStorage) GetMetadata(ctx context.Context, bucketID string) (st.BucketMeta, error) {
	c.mu.Lock()
	c.getMeta++
	c.mu.Unlock()
	return c.Storage.GetMetadata(ctx, bucketID)
}

func (c *countingStorage) eventReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getEvents
}

func (c *countingStorage) metaReads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getMeta
}

type recordHooks struct {
	mu       sync.Mutex
	healed   []string
	healWhy  []string
	rejected []string
}

func (h *recordHooks) SelfHeal(key, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healed = append(h.healed, key)
	h.healWhy = append(h.healWhy, reason)
}

func (h *recordHooks) SetRejected(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rejected = append(h.rejected, key)
}

func newTestStore(t *testing.T) (*Store, *countingStorage, *mapProvider) {
	t.Helper()
	inner := &countingStorage{Storage: memory.New()}
	provider := newMapProvider()
	s, err := New(Options{Storage: inner, Provider: provider})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, inner, provider
}

func seedBucket(t *testing.T, s *Store, id string, n int) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateBucket(ctx, id, "type", "client", "host", "2023-05-01T00:00:00Z", ""); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	ts := time.Date(2023, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if _, err := s.InsertOne(ctx, id, event.Event{Timestamp: ts.Add(time.Duration(i) * time.Minute)}); err != nil {
			t.Fatalf("InsertOne: %v", err)
		}
	}
}

func TestNewRequiresStorageAndProvider(t *testing.T) {
	if _, err := New(Options{Provider: newMapProvider()}); err == nil {
		t.Fatalf("missing storage must fail")
	}
	if _, err := New(Options{Storage: memory.New()}); err == nil {
		t.Fatalf("missing provider must fail")
	}
}

func TestGetEventsHitSkipsBackend(t *testing.T) {
	ctx := context.Background()
	s, inner, _ := newTestStore(t)
	seedBucket(t, s, "b", 3)

	first, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	reads := inner.eventReads()

	second, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetEvents cached: %v", err)
	}
	if inner.eventReads() != reads {
		t.Fatalf("second read hit the backend")
	}
	if len(second) != len(first) || second[0].ID != first[0].ID {
		t.Fatalf("cached result differs: %v vs %v", second, first)
	}
}

func TestDistinctQueriesCachedSeparately(t *testing.T) {
	ctx := context.Background()
	s, inner, _ := newTestStore(t)
	seedBucket(t, s, "b", 3)

	if _, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if _, err := s.GetEvents(ctx, "b", 1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents limited: %v", err)
	}
	if inner.eventReads() != 2 {
		t.Fatalf("different limits must miss separately, backend reads = %d", inner.eventReads())
	}
}

func TestWriteInvalidatesCachedReads(t *testing.T) {
	ctx := context.Background()
	s, inner, _ := newTestStore(t)
	seedBucket(t, s, "b", 1)

	if _, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	reads := inner.eventReads()

	if _, err := s.InsertOne(ctx, "b", event.Event{Timestamp: time.Now()}); err != nil {
		t.Fatalf("InsertOne: %v", err)
	}

	events, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetEvents after write: %v", err)
	}
	if inner.eventReads() != reads+1 {
		t.Fatalf("read after write must go to the backend")
	}
	if len(events) != 2 {
		t.Fatalf("stale view after write: %v", events)
	}
}

func TestMetadataCachedPerGeneration(t *testing.T) {
	ctx := context.Background()
	s, inner, _ := newTestStore(t)
	seedBucket(t, s, "b", 0)

	if _, err := s.GetMetadata(ctx, "b"); err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if _, err := s.GetMetadata(ctx, "b"); err != nil {
		t.Fatalf("GetMetadata cached: %v", err)
	}
	if inner.metaReads() != 1 {
		t.Fatalf("metadata reads = %d, want 1", inner.metaReads())
	}
}

func TestCorruptEntrySelfHeals(t *testing.T) {
	ctx := context.Background()
	inner := &countingStorage{Storage: memory.New()}
	provider := newMapProvider()
	hooks := &recordHooks{}
	s, err := New(Options{Storage: inner, Provider: provider, Hooks: hooks})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seedBucket(t, s, "b", 2)

	if _, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	for _, k := range provider.keys() {
		provider.poison(k)
	}

	events, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("GetEvents with corrupt cache: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("corrupt entry must fall through to the backend: %v", events)
	}
	if len(hooks.healed) != 1 || hooks.healWhy[0] != "decode_error" {
		t.Fatalf("self-heal hook not fired: %v %v", hooks.healed, hooks.healWhy)
	}
}

func TestSetRejectedHook(t *testing.T) {
	ctx := context.Background()
	inner := &countingStorage{Storage: memory.New()}
	provider := newMapProvider()
	provider.reject = true
	hooks := &recordHooks{}
	s, err := New(Options{Storage: inner, Provider: provider, Hooks: hooks})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	seedBucket(t, s, "b", 1)

	if _, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(hooks.rejected) == 0 {
		t.Fatalf("rejected set must fire the hook")
	}
}

func TestCountAndBucketsBypassCache(t *testing.T) {
	ctx := context.Background()
	s, _, provider := newTestStore(t)
	seedBucket(t, s, "b", 2)

	n, err := s.CountEvents(ctx, "b", time.Time{}, time.Time{})
	if err != nil || n != 2 {
		t.Fatalf("CountEvents = %d err=%v", n, err)
	}
	buckets, err := s.Buckets(ctx)
	if err != nil || len(buckets) != 1 {
		t.Fatalf("Buckets = %v err=%v", buckets, err)
	}
	if len(provider.keys()) != 0 {
		t.Fatalf("counts and listings must not populate the cache: %v", provider.keys())
	}
}

func TestDeleteEventNoopKeepsGeneration(t *testing.T) {
	ctx := context.Background()
	s, inner, _ := newTestStore(t)
	seedBucket(t, s, "b", 1)

	if _, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	reads := inner.eventReads()

	deleted, err := s.DeleteEvent(ctx, "b", 9999)
	if err != nil || deleted {
		t.Fatalf("DeleteEvent unknown id: deleted=%v err=%v", deleted, err)
	}
	if _, err := s.GetEvents(ctx, "b", -1, time.Time{}, time.Time{}); err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if inner.eventReads() != reads {
		t.Fatalf("no-op delete must not invalidate cached reads")
	}
}
