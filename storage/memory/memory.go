// Package memory implements storage.Storage with in-process maps. Events are
// not persistent; useful primarily for testing and as the reference backend.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
)

type bucketData struct {
	meta   st.BucketMeta
	events []event.Event
	nextID int64
}

// Store keeps all buckets and events in memory behind one RWMutex.
type Store struct {
	mu      sync.RWMutex
	buckets map[string]*bucketData
}

var _ st.Storage = (*Store)(nil)

func New() *Store {
	return &Store{buckets: make(map[string]*bucketData)}
}

// CreateBucket does not enforce id uniqueness: recreating an existing bucket
// resets it, mirroring map-overwrite semantics.
func (s *Store) CreateBucket(_ context.Context, bucketID, bucketType, client, hostname, created, name string) error {
	if name == "" {
		name = bucketID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketID] = &bucketData{
		meta: st.BucketMeta{
			ID:       bucketID,
			Name:     name,
			Type:     bucketType,
			Client:   client,
			Hostname: hostname,
			Created:  created,
		},
		nextID: 1,
	}
	return nil
}

func (s *Store) DeleteBucket(_ context.Context, bucketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucketID]; !ok {
		return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	delete(s.buckets, bucketID)
	return nil
}

func (s *Store) Buckets(_ context.Context) (map[string]st.BucketMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]st.BucketMeta, len(s.buckets))
	for id, b := range s.buckets {
		out[id] = b.meta
	}
	return out, nil
}

func (s *Store) GetMetadata(_ context.Context, bucketID string) (st.BucketMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return st.BucketMeta{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	return b.meta, nil
}

// GetEvents filters by window overlap: an event matches when its end
// (timestamp+duration) reaches start and its timestamp does not pass end.
func (s *Store) GetEvents(_ context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return nil, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}

	matched := make([]event.Event, 0, len(b.events))
	for _, e := range b.events {
		if !start.IsZero() && e.Timestamp.Add(e.Duration).Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		matched = append(matched, e)
	}
	event.SortDescending(matched)

	if limit == 0 {
		return []event.Event{}, nil
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]event.Event, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out, nil
}

func (s *Store) CountEvents(_ context.Context, bucketID string, start, end time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return 0, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	n := 0
	for _, e := range b.events {
		if !start.IsZero() && e.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && e.Timestamp.After(end) {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) InsertOne(_ context.Context, bucketID string, e event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(bucketID, e)
}

func (s *Store) InsertMany(_ context.Context, bucketID string, events []event.Event) ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		stored, err := s.insertLocked(bucketID, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (s *Store) insertLocked(bucketID string, e event.Event) (event.Event, error) {
	b, ok := s.buckets[bucketID]
	if !ok {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	e = e.Normalize().Clone()
	e.ID = b.nextID
	b.nextID++
	b.events = append(b.events, e)
	return e.Clone(), nil
}

func (s *Store) DeleteEvent(_ context.Context, bucketID string, eventID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return false, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].ID == eventID {
			b.events = append(b.events[:i], b.events[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ReplaceLast replaces the event with the latest timestamp, keeping its id.
func (s *Store) ReplaceLast(_ context.Context, bucketID string, e event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	if len(b.events) == 0 {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoEvents)
	}
	latest := 0
	for i, cur := range b.events {
		if cur.Timestamp.After(b.events[latest].Timestamp) ||
			(cur.Timestamp.Equal(b.events[latest].Timestamp) && i > latest) {
			latest = i
		}
	}
	e = e.Normalize().Clone()
	e.ID = b.events[latest].ID
	b.events[latest] = e
	return e.Clone(), nil
}

func (s *Store) Replace(_ context.Context, bucketID string, eventID int64, e event.Event) (event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	for i, cur := range b.events {
		if cur.ID == eventID {
			e = e.Normalize().Clone()
			e.ID = eventID
			b.events[i] = e
			return e.Clone(), nil
		}
	}
	return event.Event{}, fmt.Errorf("event %d in bucket %q: %w", eventID, bucketID, st.ErrNoSuchEvent)
}

func (s *Store) Close(context.Context) error { return nil }
