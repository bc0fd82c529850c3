// Package storage defines the backend contract the datastore delegates to.
//
// Implementations own persistence entirely: the facade never performs I/O of
// its own and treats the backend's bucket listing as the source of truth.
// Backends must be safe for concurrent use. Timestamps cross this boundary at
// millisecond resolution; callers normalize before delegating.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/trackd/bucketstore/event"
)

var (
	// ErrNoSuchBucket is returned when a bucket id is not in the listing.
	ErrNoSuchBucket = errors.New("storage: no such bucket")
	// ErrBucketExists is returned by backends that enforce id uniqueness.
	ErrBucketExists = errors.New("storage: bucket already exists")
	// ErrNoSuchEvent is returned when an event id is not in the bucket.
	ErrNoSuchEvent = errors.New("storage: no such event")
	// ErrNoEvents is returned by ReplaceLast on an empty bucket.
	ErrNoEvents = errors.New("storage: bucket has no events")
)

// BucketMeta describes one bucket. Created is the RFC3339 UTC string handed
// across the boundary at creation time; it is stored and returned verbatim.
type BucketMeta struct {
	ID       string `json:"id" db:"id"`
	Name     string `json:"name" db:"name"`
	Type     string `json:"type" db:"type"`
	Client   string `json:"client" db:"client"`
	Hostname string `json:"hostname" db:"hostname"`
	Created  string `json:"created" db:"created"`
}

// Storage is the pluggable persistence strategy.
//
// GetEvents returns events sorted descending by timestamp. limit < 0 means
// unbounded, limit == 0 returns nothing. Zero start/end times mean an open
// bound. A nil name on CreateBucket ("" here) defaults to the bucket id.
type Storage interface {
	CreateBucket(ctx context.Context, bucketID, bucketType, client, hostname, created, name string) error
	DeleteBucket(ctx context.Context, bucketID string) error
	Buckets(ctx context.Context) (map[string]BucketMeta, error)
	GetMetadata(ctx context.Context, bucketID string) (BucketMeta, error)

	GetEvents(ctx context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error)
	CountEvents(ctx context.Context, bucketID string, start, end time.Time) (int, error)
	InsertOne(ctx context.Context, bucketID string, e event.Event) (event.Event, error)
	InsertMany(ctx context.Context, bucketID string, events []event.Event) ([]event.Event, error)
	DeleteEvent(ctx context.Context, bucketID string, eventID int64) (bool, error)
	ReplaceLast(ctx context.Context, bucketID string, e event.Event) (event.Event, error)
	Replace(ctx context.Context, bucketID string, eventID int64, e event.Event) (event.Event, error)

	Close(ctx context.Context) error
}
