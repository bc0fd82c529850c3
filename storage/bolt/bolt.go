// Package bolt implements storage.Storage on bbolt (embedded B+ tree).
//
// Layout: a "meta" bucket maps bucket id to JSON metadata; under "events"
// each bucket id owns a nested bucket whose keys are big-endian millisecond
// timestamp followed by big-endian event id, so iterating backwards yields
// events in descending timestamp order. An "ids" index maps event id back to
// the event key for Replace and DeleteEvent. Event values go through a
// pluggable codec (CBOR by default).
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/trackd/bucketstore/codec"
	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
)

var (
	rootMeta   = []byte("meta")
	rootEvents = []byte("events")
	rootIDs    = []byte("ids")
)

type Options struct {
	// Path to the database file, created if absent.
	Path string
	// Codec for event values. Defaults to non-deterministic CBOR.
	Codec codec.Codec[event.Event]
}

type Store struct {
	db    *bbolt.DB
	codec codec.Codec[event.Event]
}

var _ st.Storage = (*Store)(nil)

// Open creates or opens a bolt database at the given path.
func Open(opts Options) (*Store, error) {
	db, err := bbolt.Open(opts.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("bolt: opening db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{rootMeta, rootEvents, rootIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt: init roots: %w", err)
	}
	c := opts.Codec
	if c == nil {
		c = codec.MustCBOR[event.Event](false)
	}
	return &Store{db: db, codec: c}, nil
}

// eventKey orders events by timestamp, then by id for same-millisecond ties.
func eventKey(tsMilli int64, id int64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(tsMilli))
	binary.BigEndian.PutUint64(k[8:], uint64(id))
	return k
}

func keyTimestamp(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[:8]))
}

func keyID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k[8:]))
}

func idKey(id int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (s *Store) CreateBucket(_ context.Context, bucketID, bucketType, client, hostname, created, name string) error {
	if name == "" {
		name = bucketID
	}
	meta := st.BucketMeta{
		ID:       bucketID,
		Name:     name,
		Type:     bucketType,
		Client:   client,
		Hostname: hostname,
		Created:  created,
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(rootMeta)
		if mb.Get([]byte(bucketID)) != nil {
			return fmt.Errorf("bucket %q: %w", bucketID, st.ErrBucketExists)
		}
		if err := mb.Put([]byte(bucketID), raw); err != nil {
			return err
		}
		if _, err := tx.Bucket(rootEvents).CreateBucketIfNotExists([]byte(bucketID)); err != nil {
			return err
		}
		_, err := tx.Bucket(rootIDs).CreateBucketIfNotExists([]byte(bucketID))
		return err
	})
}

func (s *Store) DeleteBucket(_ context.Context, bucketID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		mb := tx.Bucket(rootMeta)
		if mb.Get([]byte(bucketID)) == nil {
			return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
		}
		if err := mb.Delete([]byte(bucketID)); err != nil {
			return err
		}
		if tx.Bucket(rootEvents).Bucket([]byte(bucketID)) != nil {
			if err := tx.Bucket(rootEvents).DeleteBucket([]byte(bucketID)); err != nil {
				return err
			}
		}
		if tx.Bucket(rootIDs).Bucket([]byte(bucketID)) != nil {
			return tx.Bucket(rootIDs).DeleteBucket([]byte(bucketID))
		}
		return nil
	})
}

func (s *Store) Buckets(_ context.Context) (map[string]st.BucketMeta, error) {
	out := make(map[string]st.BucketMeta)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(rootMeta).ForEach(func(k, v []byte) error {
			var meta st.BucketMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("bolt: decode metadata for %q: %w", k, err)
			}
			out[string(k)] = meta
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetMetadata(_ context.Context, bucketID string) (st.BucketMeta, error) {
	var meta st.BucketMeta
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(rootMeta).Get([]byte(bucketID))
		if raw == nil {
			return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
		}
		return json.Unmarshal(raw, &meta)
	})
	return meta, err
}

// scan walks events of one bucket in descending timestamp order, bounded by
// the window, calling fn until it returns false.
func (s *Store) scan(tx *bbolt.Tx, bucketID string, start, end time.Time, fn func(k, v []byte) bool) error {
	eb := tx.Bucket(rootEvents).Bucket([]byte(bucketID))
	if eb == nil {
		return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	var startMilli int64
	hasStart := !start.IsZero()
	if hasStart {
		startMilli = start.UnixMilli()
	}

	c := eb.Cursor()
	var k, v []byte
	if end.IsZero() {
		k, v = c.Last()
	} else {
		// Position after the last key within the end bound, then step back.
		k, v = c.Seek(eventKey(end.UnixMilli()+1, 0))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	}
	for ; k != nil; k, v = c.Prev() {
		if hasStart && keyTimestamp(k) < startMilli {
			break // keys are time-ordered; nothing older matches
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (s *Store) GetEvents(_ context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error) {
	out := []event.Event{}
	if limit == 0 {
		// still validate bucket existence
		return out, s.db.View(func(tx *bbolt.Tx) error {
			if tx.Bucket(rootEvents).Bucket([]byte(bucketID)) == nil {
				return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
			}
			return nil
		})
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		var inner error
		scanErr := s.scan(tx, bucketID, start, end, func(k, v []byte) bool {
			e, err := s.codec.Decode(v)
			if err != nil {
				inner = fmt.Errorf("bolt: decode event %d: %w", keyID(k), err)
				return false
			}
			out = append(out, e)
			return limit < 0 || len(out) < limit
		})
		if scanErr != nil {
			return scanErr
		}
		return inner
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountEvents(_ context.Context, bucketID string, start, end time.Time) (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		return s.scan(tx, bucketID, start, end, func([]byte, []byte) bool {
			n++
			return true
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) InsertOne(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	var stored event.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		stored, err = s.insertTx(tx, bucketID, e)
		return err
	})
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
}

func (s *Store) InsertMany(ctx context.Context, bucketID string, events []event.Event) ([]event.Event, error) {
	out := make([]event.Event, 0, len(events))
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, e := range events {
			stored, err := s.insertTx(tx, bucketID, e)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) insertTx(tx *bbolt.Tx, bucketID string, e event.Event) (event.Event, error) {
	eb := tx.Bucket(rootEvents).Bucket([]byte(bucketID))
	if eb == nil {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	seq, err := eb.NextSequence()
	if err != nil {
		return event.Event{}, err
	}
	e = e.Normalize()
	e.ID = int64(seq)

	raw, err := s.codec.Encode(e)
	if err != nil {
		return event.Event{}, err
	}
	k := eventKey(e.Timestamp.UnixMilli(), e.ID)
	if err := eb.Put(k, raw); err != nil {
		return event.Event{}, err
	}
	if err := tx.Bucket(rootIDs).Bucket([]byte(bucketID)).Put(idKey(e.ID), k); err != nil {
		return event.Event{}, err
	}
	return e, nil
}

func (s *Store) DeleteEvent(_ context.Context, bucketID string, eventID int64) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		ib := tx.Bucket(rootIDs).Bucket([]byte(bucketID))
		eb := tx.Bucket(rootEvents).Bucket([]byte(bucketID))
		if ib == nil || eb == nil {
			return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
		}
		k := ib.Get(idKey(eventID))
		if k == nil {
			return nil
		}
		if err := eb.Delete(k); err != nil {
			return err
		}
		if err := ib.Delete(idKey(eventID)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *Store) ReplaceLast(_ context.Context, bucketID string, e event.Event) (event.Event, error) {
	var stored event.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		eb := tx.Bucket(rootEvents).Bucket([]byte(bucketID))
		if eb == nil {
			return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
		}
		k, _ := eb.Cursor().Last()
		if k == nil {
			return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoEvents)
		}
		var err error
		stored, err = s.replaceTx(tx, bucketID, keyID(k), e)
		return err
	})
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
}

func (s *Store) Replace(_ context.Context, bucketID string, eventID int64, e event.Event) (event.Event, error) {
	var stored event.Event
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		stored, err = s.replaceTx(tx, bucketID, eventID, e)
		return err
	})
	if err != nil {
		return event.Event{}, err
	}
	return stored, nil
}

// replaceTx rewrites an event in place. A changed timestamp moves the event
// key, so the old key is removed and the id index repointed.
func (s *Store) replaceTx(tx *bbolt.Tx, bucketID string, eventID int64, e event.Event) (event.Event, error) {
	eb := tx.Bucket(rootEvents).Bucket([]byte(bucketID))
	ib := tx.Bucket(rootIDs).Bucket([]byte(bucketID))
	if eb == nil || ib == nil {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	oldKey := ib.Get(idKey(eventID))
	if oldKey == nil {
		return event.Event{}, fmt.Errorf("event %d in bucket %q: %w", eventID, bucketID, st.ErrNoSuchEvent)
	}

	e = e.Normalize()
	e.ID = eventID
	raw, err := s.codec.Encode(e)
	if err != nil {
		return event.Event{}, err
	}
	if err := eb.Delete(oldKey); err != nil {
		return event.Event{}, err
	}
	newKey := eventKey(e.Timestamp.UnixMilli(), eventID)
	if err := eb.Put(newKey, raw); err != nil {
		return event.Event{}, err
	}
	if err := ib.Put(idKey(eventID), newKey); err != nil {
		return event.Event{}, err
	}
	return e, nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
