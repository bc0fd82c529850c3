package bucketstore

import "github.com/trackd/bucketstore/event"

type batchKind int

const (
	batchNone batchKind = iota
	batchOne
	batchMany
)

// Batch is the insert argument: either a single event or an ordered sequence.
// The variant is fixed at the call site via One or Many; the zero Batch is
// rejected by Insert with ErrInvalidBatch.
type Batch struct {
	kind   batchKind
	single event.Event
	seq    []event.Event
}

// One wraps a single event for insertion.
func One(e event.Event) Batch { return Batch{kind: batchOne, single: e} }

// Many wraps an ordered sequence of events for insertion. An empty (or nil)
// sequence is valid and inserts nothing.
func Many(events []event.Event) Batch { return Batch{kind: batchMany, seq: events} }

// oldest returns the earliest event in the batch by timestamp, ties broken by
// original order. ok is false for an empty sequence.
func (b Batch) oldest() (event.Event, bool) {
	switch b.kind {
	case batchOne:
		return b.single, true
	case batchMany:
		return event.Oldest(b.seq)
	default:
		return event.Event{}, false
	}
}
