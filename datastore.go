package bucketstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	st "github.com/trackd/bucketstore/storage"
)

// Datastore is the single entry point: it owns the storage backend and hands
// out Bucket handles. Handles are cached per bucket id; the cache is a lazily
// populated view over the backend's authoritative bucket listing.
type Datastore struct {
	storage st.Storage
	log     Logger

	// Concurrent first lookups may race and both build a handle for the same
	// id; last write wins. Harmless, handles are stateless proxies.
	mu           sync.RWMutex
	handles      map[string]*Bucket
	disableCache bool
}

// BucketInfo carries the caller-supplied attributes for CreateBucket.
// A zero Created defaults to now (UTC); an empty Name defaults to the id.
type BucketInfo struct {
	Type     string
	Client   string
	Hostname string
	Created  time.Time
	Name     string
}

// Lookup returns a handle for an existing bucket. A cached handle is returned
// when present; otherwise the backend's listing decides. Missing buckets fail
// with storage.ErrNoSuchBucket, logged at error level.
func (ds *Datastore) Lookup(ctx context.Context, bucketID string) (*Bucket, error) {
	if !ds.disableCache {
		ds.mu.RLock()
		b, ok := ds.handles[bucketID]
		ds.mu.RUnlock()
		if ok {
			return b, nil
		}
	}

	buckets, err := ds.storage.Buckets(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := buckets[bucketID]; !ok {
		ds.log.Error("cannot create a bucket handle, id not in the database", Fields{"bucket_id": bucketID})
		return nil, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}

	b := &Bucket{ds: ds, id: bucketID, log: ds.log}
	if !ds.disableCache {
		ds.mu.Lock()
		ds.handles[bucketID] = b
		ds.mu.Unlock()
	}
	return b, nil
}

// CreateBucket creates the bucket in the backend and returns its handle. The
// created timestamp crosses the storage boundary as an RFC3339 UTC string.
// Whether an already existing id fails is backend policy (sqlite enforces
// uniqueness, memory does not).
func (ds *Datastore) CreateBucket(ctx context.Context, bucketID string, info BucketInfo) (*Bucket, error) {
	ds.log.Info("creating bucket", Fields{"bucket_id": bucketID})
	created := info.Created
	if created.IsZero() {
		created = time.Now()
	}
	err := ds.storage.CreateBucket(ctx, bucketID, info.Type, info.Client, info.Hostname,
		created.UTC().Format(time.RFC3339Nano), info.Name)
	if err != nil {
		return nil, err
	}
	return ds.Lookup(ctx, bucketID)
}

// DeleteBucket evicts the cached handle, if any, and deletes the bucket's
// persisted data. Eviction of an absent handle is a no-op; whether deleting a
// nonexistent bucket fails is backend policy.
func (ds *Datastore) DeleteBucket(ctx context.Context, bucketID string) error {
	ds.log.Info("deleting bucket", Fields{"bucket_id": bucketID})
	ds.mu.Lock()
	delete(ds.handles, bucketID)
	ds.mu.Unlock()
	return ds.storage.DeleteBucket(ctx, bucketID)
}

// Buckets returns the backend's bucket listing, keyed by bucket id.
func (ds *Datastore) Buckets(ctx context.Context) (map[string]st.BucketMeta, error) {
	return ds.storage.Buckets(ctx)
}

// Close releases the backend.
func (ds *Datastore) Close(ctx context.Context) error {
	return ds.storage.Close(ctx)
}
