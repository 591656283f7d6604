package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StartupMode selects where a continuous scan begins reading.
type StartupMode string

const (
	// ModeFull reads the latest snapshot in full, then streams later commits.
	ModeFull StartupMode = "full"
	// ModeLatest streams only commits made after the latest snapshot.
	ModeLatest StartupMode = "latest"
	// ModeFromTimestamp streams commits made after the configured timestamp.
	ModeFromTimestamp StartupMode = "from-timestamp"
	// ModeFromSnapshot streams commits starting at the configured snapshot id.
	ModeFromSnapshot StartupMode = "from-snapshot"
	// ModeFromSnapshotFull reads the configured snapshot in full, then streams
	// later commits.
	ModeFromSnapshotFull StartupMode = "from-snapshot-full"
)

// ParseStartupMode converts a configuration value into a StartupMode.
func ParseStartupMode(s string) (StartupMode, error) {
	switch m := StartupMode(s); m {
	case ModeFull, ModeLatest, ModeFromTimestamp, ModeFromSnapshot, ModeFromSnapshotFull:
		return m, nil
	}
	return "", fmt.Errorf("unknown startup mode %q", s)
}

// StartingResult is the closed set of outcomes of a StartingScanner.
type StartingResult interface{ isStartingResult() }

// NoSnapshot means the table has no usable snapshot yet; the caller waits
// and scans again.
type NoSnapshot struct{}

// NextSnapshot means there is nothing to read now and discovery should begin
// at ID.
type NextSnapshot struct{ ID int64 }

// ScannedResult carries a fully planned baseline snapshot. Discovery
// continues at SnapshotID+1.
type ScannedResult struct {
	SnapshotID int64
	Watermark  *int64
	Splits     []DataSplit
}

func (NoSnapshot) isStartingResult()    {}
func (NextSnapshot) isStartingResult()  {}
func (ScannedResult) isStartingResult() {}

// NextSnapshotID returns the snapshot discovery should attempt after r, and
// false for NoSnapshot.
func NextSnapshotID(r StartingResult) (int64, bool) {
	switch res := r.(type) {
	case NextSnapshot:
		return res.ID, true
	case ScannedResult:
		return res.SnapshotID + 1, true
	case NoSnapshot:
		return 0, false
	default:
		panic(fmt.Sprintf("unhandled starting result %T", r))
	}
}

// StartingScanner resolves the initial planning result for a freshly
// started continuous scan. It is called once per startup (and again after a
// NoSnapshot result).
type StartingScanner interface {
	Scan(ctx context.Context, dir Directory, planner Planner) (StartingResult, error)
}

// StartingOptions parameterizes the scanners that need an anchor.
type StartingOptions struct {
	// Timestamp anchors ModeFromTimestamp.
	Timestamp time.Time
	// SnapshotID anchors ModeFromSnapshot and ModeFromSnapshotFull.
	SnapshotID int64
}

// NewStartingScanner returns the scanner for mode.
func NewStartingScanner(mode StartupMode, opts StartingOptions) (StartingScanner, error) {
	switch mode {
	case ModeFull:
		return fullStartingScanner{}, nil
	case ModeLatest:
		return latestStartingScanner{}, nil
	case ModeFromTimestamp:
		if opts.Timestamp.IsZero() {
			return nil, fmt.Errorf("startup mode %s requires a timestamp", mode)
		}
		return fromTimestampStartingScanner{ts: opts.Timestamp}, nil
	case ModeFromSnapshot, ModeFromSnapshotFull:
		if opts.SnapshotID <= 0 {
			return nil, fmt.Errorf("startup mode %s requires a positive snapshot id", mode)
		}
		if mode == ModeFromSnapshotFull {
			return fromSnapshotFullStartingScanner{id: opts.SnapshotID}, nil
		}
		return fromSnapshotStartingScanner{id: opts.SnapshotID}, nil
	default:
		return nil, fmt.Errorf("unknown startup mode %q", mode)
	}
}

type fullStartingScanner struct{}

func (fullStartingScanner) Scan(ctx context.Context, dir Directory, planner Planner) (StartingResult, error) {
	latest, err := dir.LatestSnapshot(ctx)
	if err != nil {
		return noSnapshotOr(err, "latest snapshot")
	}
	return scanFull(ctx, planner, latest.ID)
}

type latestStartingScanner struct{}

func (latestStartingScanner) Scan(ctx context.Context, dir Directory, _ Planner) (StartingResult, error) {
	latest, err := dir.LatestSnapshot(ctx)
	if err != nil {
		return noSnapshotOr(err, "latest snapshot")
	}
	return NextSnapshot{ID: latest.ID + 1}, nil
}

type fromTimestampStartingScanner struct{ ts time.Time }

// Scan starts after the newest snapshot committed at or before the
// timestamp. When every retained snapshot is newer, everything retained is
// streamed starting at the earliest snapshot.
func (s fromTimestampStartingScanner) Scan(ctx context.Context, dir Directory, _ Planner) (StartingResult, error) {
	snap, err := dir.LatestSnapshotAtOrBefore(ctx, s.ts)
	if err == nil {
		return NextSnapshot{ID: snap.ID + 1}, nil
	}
	if !errors.Is(err, ErrSnapshotNotFound) {
		return nil, fmt.Errorf("failed to look up snapshot at %s: %w", s.ts.Format(time.RFC3339), err)
	}

	earliest, err := dir.EarliestSnapshot(ctx)
	if err != nil {
		return noSnapshotOr(err, "earliest snapshot")
	}
	return NextSnapshot{ID: earliest.ID}, nil
}

type fromSnapshotStartingScanner struct{ id int64 }

// Scan starts at the configured id, or at the earliest retained snapshot if
// the configured one has already expired.
func (s fromSnapshotStartingScanner) Scan(ctx context.Context, dir Directory, _ Planner) (StartingResult, error) {
	earliest, err := dir.EarliestSnapshot(ctx)
	if err != nil {
		return noSnapshotOr(err, "earliest snapshot")
	}
	return NextSnapshot{ID: max(s.id, earliest.ID)}, nil
}

type fromSnapshotFullStartingScanner struct{ id int64 }

func (s fromSnapshotFullStartingScanner) Scan(ctx context.Context, dir Directory, planner Planner) (StartingResult, error) {
	snap, err := dir.Snapshot(ctx, s.id)
	if err != nil {
		return noSnapshotOr(err, fmt.Sprintf("snapshot %d", s.id))
	}
	return scanFull(ctx, planner, snap.ID)
}

func scanFull(ctx context.Context, planner Planner, id int64) (StartingResult, error) {
	plan, err := planner.PlanFull(ctx, id)
	if err != nil {
		// The snapshot can expire between the lookup and the plan.
		return noSnapshotOr(err, fmt.Sprintf("full plan of snapshot %d", id))
	}
	return ScannedResult{SnapshotID: plan.SnapshotID, Watermark: plan.Watermark, Splits: plan.Splits}, nil
}

func noSnapshotOr(err error, what string) (StartingResult, error) {
	if errors.Is(err, ErrSnapshotNotFound) {
		return NoSnapshot{}, nil
	}
	return nil, fmt.Errorf("failed to resolve %s: %w", what, err)
}
