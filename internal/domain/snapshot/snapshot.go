package snapshot

import (
	"fmt"
	"time"
)

// CommitKind describes what a writer did when it published a snapshot.
type CommitKind string

const (
	// CommitAppend adds new data files to the table.
	CommitAppend CommitKind = "APPEND"
	// CommitCompact rewrites existing data files without changing table content.
	// Incremental readers skip these snapshots since they carry no new records.
	CommitCompact CommitKind = "COMPACT"
	// CommitOverwrite replaces the content of one or more partitions.
	CommitOverwrite CommitKind = "OVERWRITE"
)

// Snapshot is an immutable, monotonically numbered view of the table as of a
// commit. Snapshots are created by the write path and referenced by id only.
type Snapshot struct {
	ID          int64      `json:"id"`
	CommittedAt time.Time  `json:"committed_at"`
	Watermark   *int64     `json:"watermark,omitempty"`
	Kind        CommitKind `json:"kind"`
}

// Validate reports ErrCorruptMetadata when the snapshot cannot have been
// produced by a well-behaved writer.
func (s Snapshot) Validate() error {
	if s.ID <= 0 {
		return fmt.Errorf("%w: snapshot id %d must be positive", ErrCorruptMetadata, s.ID)
	}
	switch s.Kind {
	case CommitAppend, CommitCompact, CommitOverwrite:
	default:
		return fmt.Errorf("%w: snapshot %d has unknown commit kind %q", ErrCorruptMetadata, s.ID, s.Kind)
	}
	return nil
}
