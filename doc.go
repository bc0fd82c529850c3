// Package bucketstore implements a storage-agnostic datastore for buckets of
// timestamped events. The Datastore owns a pluggable storage strategy and a
// lazily populated cache of Bucket handles; all persistence is delegated to
// the storage backend.
//
// Components:
//   - storage.Storage: the backend contract (memory, sqlite, bolt, redis).
//   - Bucket: stateless handle bound to one bucket id; normalizes query time
//     ranges to millisecond resolution before delegating.
//   - Batch: tagged single/sequence insert argument (see One and Many).
//
// Time resolution:
//
// Backends store timestamps at millisecond resolution. Query windows are
// widened, never narrowed: start times are truncated down to the millisecond,
// end times are advanced to the millisecond boundary strictly after the given
// instant, so events sitting exactly on a boundary are always included.
//
// The handle cache is a pure optimization. The backend's bucket listing is the
// source of truth, and the facade behaves identically with the cache disabled
// (Options.DisableHandleCache). Handles are interchangeable; callers must not
// rely on identity stability across Lookup calls.
package bucketstore
