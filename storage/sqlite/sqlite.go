// Package sqlite implements storage.Storage on SQLite via sqlx.
//
// Timestamps are stored as unix milliseconds, durations as fractional
// seconds, payloads as JSON text. The buckets table enforces id uniqueness.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/trackd/bucketstore"
	"github.com/trackd/bucketstore/event"
	st "github.com/trackd/bucketstore/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	key      INTEGER PRIMARY KEY AUTOINCREMENT,
	id       TEXT UNIQUE NOT NULL,
	created  TEXT NOT NULL,
	name     TEXT NOT NULL,
	type     TEXT NOT NULL,
	client   TEXT NOT NULL,
	hostname TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	bucket    INTEGER NOT NULL REFERENCES buckets(key),
	timestamp INTEGER NOT NULL,
	duration  REAL NOT NULL,
	datastr   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_bucket_ts ON events(bucket, timestamp);
`

type Options struct {
	// Path to the database file. Ignored when Testing is set.
	Path string
	// Testing opens an isolated shared-cache in-memory database instead.
	Testing bool
	Logger  bucketstore.Logger
}

type Store struct {
	db  *sqlx.DB
	log bucketstore.Logger
}

var _ st.Storage = (*Store)(nil)

// New opens (creating if needed) the database and bootstraps the schema.
func New(opts Options) (*Store, error) {
	log := opts.Logger
	if log == nil {
		log = bucketstore.NopLogger{}
	}

	dsn := opts.Path
	if opts.Testing {
		// Unique name per instance so parallel tests never share state.
		dsn = fmt.Sprintf("file:bucketstore-%s?mode=memory&cache=shared", uuid.NewString())
	}
	if dsn == "" {
		return nil, errors.New("sqlite: path is required")
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: connect %q: %w", dsn, err)
	}
	// Shared-cache in-memory databases disappear when the last connection
	// closes; a single connection also avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}
	log.Info("using sqlite database", bucketstore.Fields{"dsn": dsn})
	return &Store{db: db, log: log}, nil
}

type bucketRow struct {
	Key      int64  `db:"key"`
	ID       string `db:"id"`
	Created  string `db:"created"`
	Name     string `db:"name"`
	Type     string `db:"type"`
	Client   string `db:"client"`
	Hostname string `db:"hostname"`
}

func (r bucketRow) meta() st.BucketMeta {
	return st.BucketMeta{
		ID:       r.ID,
		Name:     r.Name,
		Type:     r.Type,
		Client:   r.Client,
		Hostname: r.Hostname,
		Created:  r.Created,
	}
}

type eventRow struct {
	ID        int64   `db:"id"`
	Bucket    int64   `db:"bucket"`
	Timestamp int64   `db:"timestamp"`
	Duration  float64 `db:"duration"`
	Datastr   string  `db:"datastr"`
}

func (r eventRow) event() (event.Event, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(r.Datastr), &data); err != nil {
		return event.Event{}, fmt.Errorf("sqlite: decode event %d payload: %w", r.ID, err)
	}
	return event.Event{
		ID:        r.ID,
		Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		Duration:  time.Duration(r.Duration * float64(time.Second)),
		Data:      data,
	}, nil
}

func (s *Store) bucketKey(ctx context.Context, bucketID string) (int64, error) {
	var key int64
	err := s.db.GetContext(ctx, &key, `SELECT key FROM buckets WHERE id = ?`, bucketID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	if err != nil {
		return 0, err
	}
	return key, nil
}

func (s *Store) CreateBucket(ctx context.Context, bucketID, bucketType, client, hostname, created, name string) error {
	if name == "" {
		name = bucketID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets (id, created, name, type, client, hostname) VALUES (?, ?, ?, ?, ?, ?)`,
		bucketID, created, name, bucketType, client, hostname)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("bucket %q: %w", bucketID, st.ErrBucketExists)
	}
	return err
}

func (s *Store) DeleteBucket(ctx context.Context, bucketID string) error {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE bucket = ?`, key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Buckets(ctx context.Context) (map[string]st.BucketMeta, error) {
	var rows []bucketRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM buckets`); err != nil {
		return nil, err
	}
	out := make(map[string]st.BucketMeta, len(rows))
	for _, r := range rows {
		out[r.ID] = r.meta()
	}
	return out, nil
}

func (s *Store) GetMetadata(ctx context.Context, bucketID string) (st.BucketMeta, error) {
	var r bucketRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM buckets WHERE id = ?`, bucketID)
	if errors.Is(err, sql.ErrNoRows) {
		return st.BucketMeta{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoSuchBucket)
	}
	if err != nil {
		return st.BucketMeta{}, err
	}
	return r.meta(), nil
}

func (s *Store) GetEvents(ctx context.Context, bucketID string, limit int, start, end time.Time) ([]event.Event, error) {
	if limit == 0 {
		return []event.Event{}, nil
	}
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	q := `SELECT * FROM events WHERE bucket = ?`
	args := []any{key}
	if !start.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, start.UnixMilli())
	}
	if !end.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, end.UnixMilli())
	}
	q += ` ORDER BY timestamp DESC LIMIT ?`
	if limit < 0 {
		limit = -1 // SQLite: negative limit means no limit
	}
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.event()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, bucketID string, start, end time.Time) (int, error) {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return 0, err
	}
	q := `SELECT COUNT(*) FROM events WHERE bucket = ?`
	args := []any{key}
	if !start.IsZero() {
		q += ` AND timestamp >= ?`
		args = append(args, start.UnixMilli())
	}
	if !end.IsZero() {
		q += ` AND timestamp <= ?`
		args = append(args, end.UnixMilli())
	}
	var n int
	if err := s.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) InsertOne(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return event.Event{}, err
	}
	e = e.Normalize()
	datastr, err := json.Marshal(e.Data)
	if err != nil {
		return event.Event{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (bucket, timestamp, duration, datastr) VALUES (?, ?, ?, ?)`,
		key, e.Timestamp.UnixMilli(), e.Duration.Seconds(), string(datastr))
	if err != nil {
		return event.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return event.Event{}, err
	}
	e.ID = id
	return e, nil
}

func (s *Store) InsertMany(ctx context.Context, bucketID string, events []event.Event) ([]event.Event, error) {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx,
		`INSERT INTO events (bucket, timestamp, duration, datastr) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]event.Event, 0, len(events))
	for _, e := range events {
		e = e.Normalize()
		datastr, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, key, e.Timestamp.UnixMilli(), e.Duration.Seconds(), string(datastr))
		if err != nil {
			return nil, err
		}
		if e.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteEvent(ctx context.Context, bucketID string, eventID int64) (bool, error) {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ? AND bucket = ?`, eventID, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReplaceLast(ctx context.Context, bucketID string, e event.Event) (event.Event, error) {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return event.Event{}, err
	}
	// Same-millisecond ties go to the most recently stored event.
	var lastID int64
	err = s.db.GetContext(ctx, &lastID,
		`SELECT id FROM events WHERE bucket = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, fmt.Errorf("bucket %q: %w", bucketID, st.ErrNoEvents)
	}
	if err != nil {
		return event.Event{}, err
	}
	return s.Replace(ctx, bucketID, lastID, e)
}

func (s *Store) Replace(ctx context.Context, bucketID string, eventID int64, e event.Event) (event.Event, error) {
	key, err := s.bucketKey(ctx, bucketID)
	if err != nil {
		return event.Event{}, err
	}
	e = e.Normalize()
	datastr, err := json.Marshal(e.Data)
	if err != nil {
		return event.Event{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET timestamp = ?, duration = ?, datastr = ? WHERE id = ? AND bucket = ?`,
		e.Timestamp.UnixMilli(), e.Duration.Seconds(), string(datastr), eventID, key)
	if err != nil {
		return event.Event{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return event.Event{}, err
	}
	if n == 0 {
		return event.Event{}, fmt.Errorf("event %d in bucket %q: %w", eventID, bucketID, st.ErrNoSuchEvent)
	}
	e.ID = eventID
	return e, nil
}

func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
