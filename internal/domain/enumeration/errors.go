package enumeration

import "errors"

var (
	// ErrReaderNotRegistered indicates a delivery targeted a reader the host
	// no longer knows about.
	ErrReaderNotRegistered = errors.New("reader not registered")
	// ErrEnumeratorClosed is returned by operations on a closed enumerator.
	ErrEnumeratorClosed = errors.New("enumerator closed")
	// ErrInvalidSplit indicates a split that cannot be assigned.
	ErrInvalidSplit = errors.New("invalid split")
	// ErrCheckpointNotFound is returned by repositories holding no checkpoint for a job.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
