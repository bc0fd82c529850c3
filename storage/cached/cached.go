// Package cached wraps any storage.Storage with a read-through byte cache.
//
// Event and metadata reads are memoized in a cache.Provider under keys that
// embed a per-bucket generation counter. Every write to a bucket bumps its
// generation, so stale entries become unreachable immediately and age out via
// TTL; there is no need to enumerate or delete cache keys on invalidation.
// The backend stays the source of truth: a cache failure of any kind degrades
// to a plain backend read.
package cached

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trackd/bucketstore"
	"github.com/trackd/bucketstore/cache"
	"github.com/trackd/bucketstore/codec"
	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
)

// Hooks are lightweight callbacks for high-signal cache events.
// Implementations MUST be cheap and non-blocking; they run on hot paths.
type Hooks interface {
	// A corrupt cached entry was deleted on read.
	// reason ∈ {"decode_error", "payload"}
	SelfHeal(key, reason string)

	// Provider returned ok=false on Set (backpressure/eviction).
	SetRejected(key string)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string) {}
func (NopHooks) SetRejected(string)      {}

type Options struct {
	// Required.
	Storage  st.Storage
	Provider cache.Provider

	// Codecs for cached values; JSON by default. Wrap with codec.LimitCodec
	// to cap the size of entries accepted back from a shared cache.
	EventsCodec codec.Codec[[]event.Event]
	MetaCodec   codec.Codec[st.BucketMeta]

	TTL    time.Duration // 0 => 10m
	Logger bucketstore.Logger
	Hooks  Hooks
}

type Store struct {
	inner    st.Storage
	provider cache.Provider
	events   codec.Codec[[]event.Event]
	meta     codec.Codec[st.BucketMeta]
	ttl      time.Duration
	log      bucketstore.Logger
	hooks    Hooks

	// per-bucket generations; missing treated as 0
	genMu sync.RWMutex
	gens  map[string]uint64
}

var _ st.Storage = (*Store)(nil)

func New(opts Options) (*Store, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("cached: storage is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("cached: provider is required")
	}
	s := &Store{
		inner:    opts.Storage,
		provider: opts.Provider,
		events:   opts.EventsCodec,
		meta:     opts.MetaCodec,
		ttl:      opts.TTL,
		log:      opts.Logger,
		hooks:    opts.Hooks,
		gens:     make(map[string]uint64),
	}
	if s.events == nil {
		s.events = codec.JSON[[]event.Event]{}
	}
	if s.meta == nil {
		s.meta = codec.JSON[st.BucketMeta]{}
	}
	if s.ttl == 0 {
		s.ttl = 10 * time.Minute
	}
	if s.log == nil {
		s.log = bucketstore.NopLogger{}
	}
	if s.hooks == nil {
		s.hooks = NopHooks{}
	}
	return s, nil
}

func (s *Store) gen(bucketID string) uint64 {
	s.genMu.RLock()
	g := s.gens[bucketID]
	s.genMu.RUnlock()
	return g
}

func (s *Store) bump(bucketID string) {
	s.genMu.Lock()
	s.gens[bucketID]++
	s.genMu.Unlock()
}

func milli(t time.Time) int64 {
	if t.IsZero() {
		return -1
	}
	return t.UnixMilli()
}

func (s *Store) eventsKey(bucketID string, limit int, start, end time.Time) string {
	return fmt.Sprintf("events:%s:g%d:%d:%d:%d", bucketID, s.gen(bucketID), limit, milli(start), milli(end))
}

func (s *Store) metaKey(bucketID string) string {
	return fmt.Sprintf("meta:%s:g%d", bucketID, s.gen(bucketID))
}

func (s *Store) store(ctx context.Context, key string, raw []byte) {
	ok, err := s.provider.Set(ctx, key, raw, int64(len(raw)), s.ttl)
	if err != nil {
		s.log.Debug("cache set failed", bucketstore.Fields{"key": key, "err": err})
		return
	}
	if !ok {
		s.hooks.SetRejected(key)
	}
}

// --- cached reads ---

func (s *Store) GetEvents(ctx context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error) {
	key := s.eventsKey(bucketID, limit, start, end)
	if raw, ok, err := s.provider.Get(ctx, key); err == nil && ok {
		events, err := s.events.Decode(raw)
		if err == nil {
			return events, nil
		}
		_ = s.provider.Del(ctx, key) // self-heal corrupt
		s.hooks.SelfHeal(key, "decode_error")
	}

	events, err := s.inner.GetEvents(ctx, bucketID, limit, start, end)
	if err != nil {
		return nil, err
	}
	if raw, err := s.events.Encode(events); err == nil {
		s.store(ctx, key, raw)
	}
	return events, nil
}

func (s *Store) GetMetadata(ctx context.Context, bucketID string) (st.BucketMeta, error) {
	key := s.metaKey(bucketID)
	if raw, ok, err := s.provider.Get(ctx, key); err == nil && ok {
		meta, err := s.meta.Decode(raw)
		if err == nil {
			return meta, nil
		}
		_ = s.provider.Del(ctx, key)
		s.hooks.SelfHeal(key, "decode_error")
	}

	meta, err := s.inner.GetMetadata(ctx, bucketID)
	if err != nil {
		return st.BucketMeta{}, err
	}
	if raw, err := s.meta.Encode(meta); err == nil {
		s.store(ctx, key, raw)
	}
	return meta, nil
}

// --- authoritative passthroughs ---

func (s *Store) Buckets(ctx context.Context) (map[string]st.BucketMeta, error) {
	return s.inner.Buckets(ctx)
}

func (s *Store) CountEvents(ctx context.Context, bucketID string, start, end time.Time) (int, error) {
	return s.inner.CountEvents(ctx, bucketID, start, end)
}

// --- writes bump the bucket generation ---

func (s *Store) CreateBucket(ctx context.Context, bucketID, bucketType, client, hostname, created, name string) error {
	err := s.inner.CreateBucket(ctx, bucketID, bucketType, client, hostname, created, name)
	if err == nil {
		s.bump(bucketID)
	}
	return err
}

func (s *Store) DeleteBucket(ctx context.Context, bucketID string) error {
	err := s.inner.DeleteBucket(ctx, bucketID)
	if err == nil {
		s.bump(bucketID)
	}
	return err
}

func (s *Store) InsertOne(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	stored, err := s.inner.InsertOne(ctx, bucketID, e)
	if err == nil {
		s.bump(bucketID)
	}
	return stored, err
}

func (s *Store) InsertMany(ctx context.Context, bucketID string, events []event.Event) ([]event.Event, error) {
	stored, err := s.inner.InsertMany(ctx, bucketID, events)
	if err == nil {
		s.bump(bucketID)
	}
	return stored, err
}

func (s *Store) DeleteEvent(ctx context.Context, bucketID string, eventID int64) (bool, error) {
	deleted, err := s.inner.DeleteEvent(ctx, bucketID, eventID)
	if err == nil && deleted {
		s.bump(bucketID)
	}
	return deleted, err
}

func (s *Store) ReplaceLast(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	stored, err := s.inner.ReplaceLast(ctx, bucketID, e)
	if err == nil {
		s.bump(bucketID)
	}
	return stored, err
}

func (s *Store) Replace(ctx context.Context, bucketID string, eventID int64, e event.Event) (event.Event, error) {
	stored, err := s.inner.Replace(ctx, bucketID, eventID, e)
	if err == nil {
		s.bump(bucketID)
	}
	return stored, err
}

func (s *Store) Close(ctx context.Context) error {
	// Close the cache first (best effort)
	if s.provider != nil {
		_ = s.provider.Close(ctx)
	}
	return s.inner.Close(ctx)
}
