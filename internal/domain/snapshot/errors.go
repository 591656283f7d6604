package snapshot

import "errors"

var (
	// ErrSnapshotNotFound indicates the directory holds no snapshot matching the lookup.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrCorruptMetadata indicates malformed snapshot or manifest data. It is
	// not recoverable by retrying and should fail the scan job.
	ErrCorruptMetadata = errors.New("corrupt snapshot metadata")
	// ErrSnapshotExpired indicates a planned snapshot was removed before it
	// was consumed. The scan cannot continue without losing data.
	ErrSnapshotExpired = errors.New("snapshot expired")
)
