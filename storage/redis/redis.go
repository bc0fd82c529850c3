// Package redis implements storage.Storage on Redis.
//
// Bucket metadata lives in one hash; each bucket keeps a sorted set of event
// ids scored by millisecond timestamp, with the JSON payloads in per-event
// string keys and ids allocated via INCR. Descending range queries map to
// ZREVRANGEBYSCORE, so ordering and windowing run server-side.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
)

var ErrNilClient = errors.New("redis storage: nil client")

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client

	// KeyPrefix namespaces all keys; use a distinct prefix for testing
	// instances sharing one server.
	KeyPrefix string
}

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
	prefix      string
}

var _ st.Storage = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient, prefix: cfg.KeyPrefix}, nil
}

func (s *Store) bucketsKey() string { return s.prefix + "buckets" }
func (s *Store) zsetKey(bucketID string) string {
	return s.prefix + "bucket:" + bucketID + ":events"
}
func (s *Store) seqKey(bucketID string) string {
	return s.prefix + "bucket:" + bucketID + ":seq"
}
func (s *Store) eventKey(bucketID string, id int64) string {
	return s.prefix + "bucket:" + bucketID + ":event:" + strconv.FormatInt(id, 10)
}

func (s *Store) exists(ctx context.Context, bucketID string) error {
	ok, err := s.rdb.HExists(ctx, s.bucketsKey(), bucketID).Result()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	return nil
}

func (s *Store) CreateBucket(ctx context.Context, bucketID, bucketType, client, hostname, created, name string) error {
	if name == "" {
		name = bucketID
	}
	raw, err := json.Marshal(st.BucketMeta{
		ID:       bucketID,
		Name:     name,
		Type:     bucketType,
		Client:   client,
		Hostname: hostname,
		Created:  created,
	})
	if err != nil {
		return err
	}
	set, err := s.rdb.HSetNX(ctx, s.bucketsKey(), bucketID, raw).Result()
	if err != nil {
		return err
	}
	if !set {
		return fmt.Errorf("bucket %q: %w", bucketID, st.ErrBucketExists)
	}
	return nil
}

func (s *Store) DeleteBucket(ctx context.Context, bucketID string) error {
	if err := s.exists(ctx, bucketID); err != nil {
		return err
	}
	ids, err := s.rdb.ZRange(ctx, s.zsetKey(bucketID), 0, -1).Result()
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, id := range ids {
		n, _ := strconv.ParseInt(id, 10, 64)
		pipe.Del(ctx, s.eventKey(bucketID, n))
	}
	pipe.Del(ctx, s.zsetKey(bucketID), s.seqKey(bucketID))
	pipe.HDel(ctx, s.bucketsKey(), bucketID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Store) Buckets(ctx context.Context) (map[string]st.BucketMeta, error) {
	all, err := s.rdb.HGetAll(ctx, s.bucketsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]st.BucketMeta, len(all))
	for id, raw := range all {
		var meta st.BucketMeta
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("redis: decode metadata for %q: %w", id, err)
		}
		out[id] = meta
	}
	return out, nil
}

func (s *Store) GetMetadata(ctx context.Context, bucketID string) (st.BucketMeta, error) {
	raw, err := s.rdb.HGet(ctx, s.bucketsKey(), bucketID).Result()
	if err == goredis.Nil {
		return st.BucketMeta{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	if err != nil {
		return st.BucketMeta{}, err
	}
	var meta st.BucketMeta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return st.BucketMeta{}, fmt.Errorf("redis: decode metadata for %q: %w", bucketID, err)
	}
	return meta, nil
}

func scoreRange(start, end time.Time) (min, max string) {
	min, max = "-inf", "+inf"
	if !start.IsZero() {
		min = strconv.FormatInt(start.UnixMilli(), 10)
	}
	if !end.IsZero() {
		max = strconv.FormatInt(end.UnixMilli(), 10)
	}
	return min, max
}

func (s *Store) GetEvents(ctx context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return nil, err
	}
	if limit == 0 {
		return []event.Event{}, nil
	}
	min, max := scoreRange(start, end)
	count := int64(limit)
	if limit < 0 {
		count = -1
	}
	ids, err := s.rdb.ZRevRangeByScore(ctx, s.zsetKey(bucketID), &goredis.ZRangeBy{
		Min:   min,
		Max:   max,
		Count: count,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: bad event id %q: %w", id, err)
		}
		keys[i] = s.eventKey(bucketID, n)
	}
	raws, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			// payload missing for an indexed id; skip rather than fail reads
			continue
		}
		var e event.Event
		if err := json.Unmarshal([]byte(str), &e); err != nil {
			return nil, fmt.Errorf("redis: decode event %s: %w", ids[i], err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, bucketID string, start, end time.Time) (int, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return 0, err
	}
	min, max := scoreRange(start, end)
	n, err := s.rdb.ZCount(ctx, s.zsetKey(bucketID), min, max).Result()
	return int(n), err
}

func (s *Store) InsertOne(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return event.Event{}, err
	}
	return s.insert(ctx, bucketID, e)
}

func (s *Store) InsertMany(ctx context.Context, bucketID string, events []event.Event) ([]event.Event, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		stored, err := s.insert(ctx, bucketID, e)
		if err != nil {
			return nil, err
		}
		out = append(out, stored)
	}
	return out, nil
}

func (s *Store) insert(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	id, err := s.rdb.Incr(ctx, s.seqKey(bucketID)).Result()
	if err != nil {
		return event.Event{}, err
	}
	e = e.Normalize()
	e.ID = id
	raw, err := json.Marshal(e)
	if err != nil {
		return event.Event{}, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.eventKey(bucketID, id), raw, 0)
	pipe.ZAdd(ctx, s.zsetKey(bucketID), goredis.Z{
		Score:  float64(e.Timestamp.UnixMilli()),
		Member: strconv.FormatInt(id, 10),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return event.Event{}, err
	}
	return e, nil
}

func (s *Store) DeleteEvent(ctx context.Context, bucketID string, eventID int64) (bool, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return false, err
	}
	n, err := s.rdb.ZRem(ctx, s.zsetKey(bucketID), strconv.FormatInt(eventID, 10)).Result()
	if err != nil {
		return false, err
	}
	if err := s.rdb.Del(ctx, s.eventKey(bucketID, eventID)).Err(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReplaceLast(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return event.Event{}, err
	}
	top, err := s.rdb.ZRevRangeWithScores(ctx, s.zsetKey(bucketID), 0, 0).Result()
	if err != nil {
		return event.Event{}, err
	}
	if len(top) == 0 {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoEvents)
	}
	// The sorted set breaks score ties lexically, which misorders decimal ids.
	// Fetch every member at the top score and take the highest id, so ties go
	// to the most recently stored event.
	score := strconv.FormatFloat(top[0].Score, 'f', -1, 64)
	ids, err := s.rdb.ZRangeByScore(ctx, s.zsetKey(bucketID), &goredis.ZRangeBy{
		Min: score,
		Max: score,
	}).Result()
	if err != nil {
		return event.Event{}, err
	}
	var lastID int64
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return event.Event{}, fmt.Errorf("redis: bad event id %q: %w", id, err)
		}
		if n > lastID {
			lastID = n
		}
	}
	return s.Replace(ctx, bucketID, lastID, e)
}

func (s *Store) Replace(ctx context.Context, bucketID string, eventID int64, e event.Event) (event.Event, error) {
	if err := s.exists(ctx, bucketID); err != nil {
		return event.Event{}, err
	}
	member := strconv.FormatInt(eventID, 10)
	if err := s.rdb.ZScore(ctx, s.zsetKey(bucketID), member).Err(); err != nil {
		if err == goredis.Nil {
			return event.Event{}, fmt.Errorf("event %d in bucket %q: %w", eventID, bucketID, st.ErrNoSuchEvent)
		}
		return event.Event{}, err
	}
	e = e.Normalize()
	e.ID = eventID
	raw, err := json.Marshal(e)
	if err != nil {
		return event.Event{}, err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.eventKey(bucketID, eventID), raw, 0)
	pipe.ZAdd(ctx, s.zsetKey(bucketID), goredis.Z{
		Score:  float64(e.Timestamp.UnixMilli()),
		Member: member,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return event.Event{}, err
	}
	return e, nil
}

// Close releases the underlying redis client only when this store owns it.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
