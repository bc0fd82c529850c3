package bucketstore

import "errors"

// ErrInvalidBatch is returned by Bucket.Insert when the Batch argument is the
// zero value, i.e. built neither with One nor with Many. No storage call is
// made in that case.
var ErrInvalidBatch = errors.New("bucketstore: batch must be built with One or Many")
