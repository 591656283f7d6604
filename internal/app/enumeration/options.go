package enumeration

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
)

const defaultDiscoveryInterval = 10 * time.Second

// Option configures a ContinuousSplitEnumerator.
type Option func(*ContinuousSplitEnumerator)

// WithDiscoveryInterval sets how often discovery polls for new snapshots.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(e *ContinuousSplitEnumerator) {
		if d > 0 {
			e.discoveryInterval = d
		}
	}
}

// WithBucketMode selects how discovered splits are routed to readers.
// FIXED is the default.
func WithBucketMode(mode enumeration.BucketMode) Option {
	return func(e *ContinuousSplitEnumerator) { e.bucketMode = mode }
}

// WithEndSnapshotID bounds the scan: once every snapshot up to and including
// id has been discovered the enumerator becomes exhausted.
func WithEndSnapshotID(id int64) Option {
	return func(e *ContinuousSplitEnumerator) { e.endSnapshotID = id }
}

// WithRetryBackoff makes transient discovery failures skip timer ticks until
// the policy's next delay has elapsed. Without it the next tick retries.
func WithRetryBackoff(b backoff.BackOff) Option {
	return func(e *ContinuousSplitEnumerator) { e.retry = b }
}

// WithCheckpoint restores the enumerator from a checkpoint persisted by the
// host: the pending splits seed the assignment state, the snapshot position
// resumes discovery, and the planner state is handed back to a stateful planner.
func WithCheckpoint(cp *enumeration.PendingSplitsCheckpoint) Option {
	return func(e *ContinuousSplitEnumerator) { e.checkpoint = cp }
}
