package bucketstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	st "github.com/trackd/bucketstore/storage"
	"github.com/trackd/bucketstore/storage/memory"
)

// recordLogger captures log calls for assertions.
type recordLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *recordLogger) Debug(string, Fields) {}
func (l *recordLogger) Info(string, Fields)  {}
func (l *recordLogger) Warn(msg string, _ Fields) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}
func (l *recordLogger) Error(msg string, _ Fields) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordLogger) warnCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.warns)
}

func newTestDatastore(t *testing.T, optsOpt func(*Options)) (*Datastore, *recordLogger) {
	t.Helper()
	log := &recordLogger{}
	opts := Options{
		Storage: memory.New(),
		Logger:  log,
	}
	if optsOpt != nil {
		optsOpt(&opts)
	}
	ds, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ds, log
}

func TestNewRequiresStorage(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("New without storage should fail")
	}
}

func TestLookupUnknownBucket(t *testing.T) {
	ctx := context.Background()
	ds, log := newTestDatastore(t, nil)

	_, err := ds.Lookup(ctx, "nope")
	if !errors.Is(err, st.ErrNoSuchBucket) {
		t.Fatalf("Lookup unknown: want ErrNoSuchBucket, got %v", err)
	}
	if len(log.errors) == 0 {
		t.Fatalf("lookup miss should be logged at error level")
	}
}

func TestCreateBucketAndMetadata(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDatastore(t, nil)

	created := time.Date(2023, 5, 1, 8, 30, 0, 0, time.UTC)
	b, err := ds.CreateBucket(ctx, "aw-watcher-window_host1", BucketInfo{
		Type:     "currentwindow",
		Client:   "aw-watcher-window",
		Hostname: "host1",
		Created:  created,
	})
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}

	meta, err := b.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.ID != "aw-watcher-window_host1" {
		t.Fatalf("meta.ID = %q", meta.ID)
	}
	if meta.Type != "currentwindow" || meta.Client != "aw-watcher-window" || meta.Hostname != "host1" {
		t.Fatalf("metadata does not match supplied attributes: %+v", meta)
	}
	if meta.Name != "aw-watcher-window_host1" {
		t.Fatalf("empty name should default to the bucket id, got %q", meta.Name)
	}
	if meta.Created != created.Format(time.RFC3339Nano) {
		t.Fatalf("created = %q, want RFC3339 of supplied time", meta.Created)
	}

	// Listed in the authoritative view too.
	buckets, err := ds.Buckets(ctx)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if _, ok := buckets["aw-watcher-window_host1"]; !ok {
		t.Fatalf("bucket missing from listing: %v", buckets)
	}
}

func TestLookupReturnsCachedHandle(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDatastore(t, nil)

	if _, err := ds.CreateBucket(ctx, "b", BucketInfo{Type: "t", Client: "c", Hostname: "h"}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	b1, err := ds.Lookup(ctx, "b")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	b2, err := ds.Lookup(ctx, "b")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("expected the cached handle on second lookup")
	}
}

func TestDisabledHandleCache(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDatastore(t, func(o *Options) { o.DisableHandleCache = true })

	if _, err := ds.CreateBucket(ctx, "b", BucketInfo{Type: "t", Client: "c", Hostname: "h"}); err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	// Semantics are identical with the cache off; only identity stability goes.
	b1, err := ds.Lookup(ctx, "b")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	b2, err := ds.Lookup(ctx, "b")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if b1 == b2 {
		t.Fatalf("expected fresh handles with the cache disabled")
	}
	if b1.ID() != b2.ID() {
		t.Fatalf("handles must be interchangeable")
	}
}

func TestDeleteBucket(t *testing.T) {
	ctx := context.Background()
	ds, _ := newTestDatastore(t, nil)

	b, err := ds.CreateBucket(ctx, "b", BucketInfo{Type: "t", Client: "c", Hostname: "h"})
	if err != nil {
		t.Fatalf("CreateBucket: %v", err)
	}
	if _, err := b.Insert(ctx, One(eventAt(t, "2023-05-01T10:00:00Z"))); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := ds.DeleteBucket(ctx, "b"); err != nil {
		t.Fatalf("DeleteBucket: %v", err)
	}
	if _, err := ds.Lookup(ctx, "b"); !errors.Is(err, st.ErrNoSuchBucket) {
		t.Fatalf("Lookup after delete: want ErrNoSuchBucket, got %v", err)
	}

	// Reusing the id yields a fresh, independent, empty bucket.
	b2, err := ds.CreateBucket(ctx, "b", BucketInfo{Type: "t", Client: "c", Hostname: "h"})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if b2 == b {
		t.Fatalf("recreated bucket must be a fresh handle")
	}
	events, err := b2.Get(ctx, -1, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("recreated bucket should be empty, got %d events", len(events))
	}
}
