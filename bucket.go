package bucketstore

import (
	"context"
	"time"

	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
)

// Bucket is a stateless handle bound to one bucket id. It holds no events
// itself; every operation delegates to the owning Datastore's backend after
// normalizing its arguments.
type Bucket struct {
	ds  *Datastore
	id  string
	log Logger
}

// ID returns the bucket id this handle is bound to.
func (b *Bucket) ID() string { return b.id }

// Metadata returns the bucket's metadata from the backend.
func (b *Bucket) Metadata(ctx context.Context) (st.BucketMeta, error) {
	return b.ds.storage.GetMetadata(ctx, b.id)
}

// Get returns events sorted descending by timestamp. limit < 0 is unbounded,
// limit == 0 returns nothing. Zero start/end mean an open bound.
//
// The window is widened to millisecond resolution so boundary events are
// never silently excluded: start is truncated down, end is advanced to the
// millisecond boundary strictly after the given instant (carrying into the
// next second when the fraction overflows).
func (b *Bucket) Get(ctx context.Context, limit int, start, end time.Time) ([]event.Event, error) {
	if !start.IsZero() {
		start = start.Truncate(time.Millisecond)
	}
	if !end.IsZero() {
		end = end.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return b.ds.storage.GetEvents(ctx, b.id, limit, start, end)
}

// Count returns the number of events in the window, bounds normalized the
// same way as Get.
func (b *Bucket) Count(ctx context.Context, start, end time.Time) (int, error) {
	if !start.IsZero() {
		start = start.Truncate(time.Millisecond)
	}
	if !end.IsZero() {
		end = end.Truncate(time.Millisecond).Add(time.Millisecond)
	}
	return b.ds.storage.CountEvents(ctx, b.id, start, end)
}

// Insert persists the batch and returns the stored events with their assigned
// ids. Before inserting it reads the bucket's latest event; if the oldest
// event in the batch predates it, a warning is logged. Out-of-order inserts
// are allowed, the warning is diagnostic only. The read and the write are not
// atomic, so the diagnostic can be wrong under concurrent writers.
func (b *Bucket) Insert(ctx context.Context, batch Batch) ([]event.Event, error) {
	if batch.kind == batchNone {
		return nil, ErrInvalidBatch
	}

	// The ordering read is skipped when the batch has no timestamped events
	// to compare against.
	oldest, hasOldest := batch.oldest()
	hasOldest = hasOldest && !oldest.Timestamp.IsZero()
	var last []event.Event
	if hasOldest {
		var err error
		last, err = b.Get(ctx, 1, time.Time{}, time.Time{})
		if err != nil {
			return nil, err
		}
	}

	var inserted []event.Event
	switch batch.kind {
	case batchOne:
		e, err := b.ds.storage.InsertOne(ctx, b.id, batch.single)
		if err != nil {
			return nil, err
		}
		inserted = []event.Event{e}
	case batchMany:
		var err error
		inserted, err = b.ds.storage.InsertMany(ctx, b.id, batch.seq)
		if err != nil {
			return nil, err
		}
	}

	if hasOldest && len(last) > 0 {
		if oldest.Timestamp.Before(last[0].Timestamp) {
			b.log.Warn("inserting event older than the bucket's latest event", Fields{
				"bucket_id": b.id,
				"previous":  last[0].Timestamp,
				"inserted":  oldest.Timestamp,
			})
		}
	}
	return inserted, nil
}

// ReplaceLast replaces the bucket's latest event by timestamp, ties going to
// the most recently stored one.
func (b *Bucket) ReplaceLast(ctx context.Context, e event.Event) (event.Event, error) {
	return b.ds.storage.ReplaceLast(ctx, b.id, e)
}

// Replace replaces the event with the given id.
func (b *Bucket) Replace(ctx context.Context, eventID int64, e event.Event) (event.Event, error) {
	return b.ds.storage.Replace(ctx, b.id, eventID, e)
}

// DeleteEvent removes a single event by id. It reports whether an event was
// actually removed.
func (b *Bucket) DeleteEvent(ctx context.Context, eventID int64) (bool, error) {
	return b.ds.storage.DeleteEvent(ctx, b.id, eventID)
}
