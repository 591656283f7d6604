package snapshot

import (
	"context"
	"time"
)

// Directory is the append-only registry of snapshots published by writers.
// Every lookup returns ErrSnapshotNotFound when nothing matches.
type Directory interface {
	// LatestSnapshot returns the snapshot with the highest id.
	LatestSnapshot(ctx context.Context) (Snapshot, error)
	// EarliestSnapshot returns the oldest snapshot still retained.
	EarliestSnapshot(ctx context.Context) (Snapshot, error)
	// LatestSnapshotAtOrBefore returns the newest snapshot committed at or
	// before ts.
	LatestSnapshotAtOrBefore(ctx context.Context, ts time.Time) (Snapshot, error)
	// Snapshot returns the snapshot with the given id.
	Snapshot(ctx context.Context, id int64) (Snapshot, error)
}

// Planner turns snapshots into splits.
type Planner interface {
	// Plan produces the incremental (delta) plan for snapshotID. Transient
	// I/O failures are returned as errors; ErrCorruptMetadata and
	// ErrSnapshotExpired mark failures that retrying cannot fix.
	Plan(ctx context.Context, snapshotID int64) (PlanOutcome, error)
	// PlanFull produces a baseline plan covering every live file of the
	// snapshot.
	PlanFull(ctx context.Context, snapshotID int64) (Plan, error)
	// ListPartitions returns the partition keys known to the table.
	ListPartitions(ctx context.Context) ([]string, error)
}

// StatefulPlanner is implemented by planners that keep their own position
// bookkeeping. The state is opaque to callers and orthogonal to the
// enumerator's snapshot position.
type StatefulPlanner interface {
	Planner
	CheckpointState() ([]byte, error)
	RestoreState(state []byte) error
}
