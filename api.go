package bucketstore

import (
	"errors"

	st "github.com/trackd/bucketstore/storage"
)

// Options configure a Datastore. Only Storage is required.
type Options struct {
	// Required. The persistence backend. Construct one directly (e.g.
	// storage/memory, storage/sqlite) or via config.NewStorage.
	Storage st.Storage

	Logger Logger // if nil, NopLogger is used

	// DisableHandleCache turns the bucket-handle cache off. Every Lookup then
	// consults the backend's bucket listing. Semantics are identical either
	// way; the cache only saves the listing round trip.
	DisableHandleCache bool
}

// New constructs a Datastore over the given storage backend. No buckets are
// loaded eagerly; handles are created on first access.
func New(opts Options) (*Datastore, error) {
	if opts.Storage == nil {
		return nil, errors.New("bucketstore: storage is required")
	}
	return &Datastore{
		storage:      opts.Storage,
		log:          coalesce[Logger](opts.Logger, NopLogger{}),
		handles:      make(map[string]*Bucket),
		disableCache: opts.DisableHandleCache,
	}, nil
}
