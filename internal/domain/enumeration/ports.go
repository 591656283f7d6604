package enumeration

import "context"

// SplitEnumeratorContext is the host scheduling framework as seen by an
// enumerator. Implementations own reader registration and the transport
// towards readers.
type SplitEnumeratorContext interface {
	// RegisteredReaders returns the ids of every currently registered reader.
	RegisteredReaders() []int
	// IsRegistered reports whether readerID is currently registered.
	IsRegistered(readerID int) bool
	// AssignSplits delivers splits to readerID. It returns
	// ErrReaderNotRegistered when the reader is gone.
	AssignSplits(ctx context.Context, readerID int, splits []SourceSplit) error
	// SignalNoMoreSplits tells readerID that the scan produced all of its work.
	SignalNoMoreSplits(ctx context.Context, readerID int) error
	// Fail reports an unrecoverable error; the host is expected to fail the job.
	Fail(ctx context.Context, err error)
}

// CheckpointRepository persists enumerator checkpoints keyed by job.
type CheckpointRepository interface {
	// Save stores cp as the latest checkpoint of jobID, replacing any previous one.
	Save(ctx context.Context, jobID string, cp *PendingSplitsCheckpoint) error
	// Load returns the latest checkpoint of jobID or ErrCheckpointNotFound.
	Load(ctx context.Context, jobID string) (*PendingSplitsCheckpoint, error)
	// Delete removes the checkpoint of jobID. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, jobID string) error
}
