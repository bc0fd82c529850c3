// Package event defines the timestamped record stored in buckets.
package event

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Event is a timestamped record with an optional duration and an arbitrary
// key-value payload. ID is assigned by the storage backend on insert; zero
// means "not yet persisted". Ordering between events is by Timestamp.
type Event struct {
	ID        int64
	Timestamp time.Time
	Duration  time.Duration
	Data      map[string]any
}

// Normalize returns a copy with the timestamp truncated to millisecond
// resolution and converted to UTC. Backends only guarantee millisecond
// precision, so sub-millisecond digits are dropped before persistence.
func (e Event) Normalize() Event {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	e.Timestamp = ts.UTC().Truncate(time.Millisecond)
	return e
}

// Clone returns a deep copy; mutating the copy's Data does not affect e.
func (e Event) Clone() Event {
	if e.Data != nil {
		data := make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			data[k] = v
		}
		e.Data = data
	}
	return e
}

// wireEvent is the JSON shape shared with other consumers of the bucket
// format: RFC3339 timestamp, duration as fractional seconds.
type wireEvent struct {
	ID        int64          `json:"id,omitempty"`
	Timestamp string         `json:"timestamp"`
	Duration  float64        `json:"duration"`
	Data      map[string]any `json:"data"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(wireEvent{
		ID:        e.ID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Duration:  e.Duration.Seconds(),
		Data:      data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
	if err != nil {
		return fmt.Errorf("event: bad timestamp %q: %w", w.Timestamp, err)
	}
	e.ID = w.ID
	e.Timestamp = ts.UTC()
	e.Duration = time.Duration(w.Duration * float64(time.Second))
	e.Data = w.Data
	return nil
}

// SortDescending orders events newest first, in place. The sort is stable so
// equal timestamps keep their original relative order.
func SortDescending(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}

// Oldest returns the event with the smallest timestamp, ties broken by
// original order. ok is false for an empty slice.
func Oldest(events []Event) (oldest Event, ok bool) {
	if len(events) == 0 {
		return Event{}, false
	}
	oldest = events[0]
	for _, e := range events[1:] {
		if e.Timestamp.Before(oldest.Timestamp) {
			oldest = e
		}
	}
	return oldest, true
}
