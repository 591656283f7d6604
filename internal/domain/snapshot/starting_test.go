package snapshot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceDirectory serves lookups from an ordered list of snapshots.
type sliceDirectory struct {
	snapshots []Snapshot
	err       error
}

func (d *sliceDirectory) LatestSnapshot(context.Context) (Snapshot, error) {
	if d.err != nil {
		return Snapshot{}, d.err
	}
	if len(d.snapshots) == 0 {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return d.snapshots[len(d.snapshots)-1], nil
}

func (d *sliceDirectory) EarliestSnapshot(context.Context) (Snapshot, error) {
	if d.err != nil {
		return Snapshot{}, d.err
	}
	if len(d.snapshots) == 0 {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return d.snapshots[0], nil
}

func (d *sliceDirectory) LatestSnapshotAtOrBefore(_ context.Context, ts time.Time) (Snapshot, error) {
	if d.err != nil {
		return Snapshot{}, d.err
	}
	for i := len(d.snapshots) - 1; i >= 0; i-- {
		if !d.snapshots[i].CommittedAt.After(ts) {
			return d.snapshots[i], nil
		}
	}
	return Snapshot{}, ErrSnapshotNotFound
}

func (d *sliceDirectory) Snapshot(_ context.Context, id int64) (Snapshot, error) {
	for _, s := range d.snapshots {
		if s.ID == id {
			return s, nil
		}
	}
	return Snapshot{}, ErrSnapshotNotFound
}

type mockPlanner struct {
	planFn     func(ctx context.Context, id int64) (PlanOutcome, error)
	planFullFn func(ctx context.Context, id int64) (Plan, error)
}

func (m *mockPlanner) Plan(ctx context.Context, id int64) (PlanOutcome, error) {
	return m.planFn(ctx, id)
}

func (m *mockPlanner) PlanFull(ctx context.Context, id int64) (Plan, error) {
	return m.planFullFn(ctx, id)
}

func (m *mockPlanner) ListPartitions(context.Context) ([]string, error) { return nil, nil }

func TestStartingScanners(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	wm := int64(42)
	threeSnapshots := []Snapshot{
		{ID: 1, CommittedAt: base, Kind: CommitAppend},
		{ID: 2, CommittedAt: base.Add(time.Minute), Kind: CommitAppend},
		{ID: 3, CommittedAt: base.Add(2 * time.Minute), Kind: CommitCompact, Watermark: &wm},
	}
	baseline := []DataSplit{
		{SnapshotID: 3, Partition: "dt=2024-03-01", Bucket: 0, Files: []DataFile{{Name: "f-0"}}},
		{SnapshotID: 3, Partition: "dt=2024-03-01", Bucket: 1, Files: []DataFile{{Name: "f-1"}}},
	}
	planner := &mockPlanner{
		planFullFn: func(_ context.Context, id int64) (Plan, error) {
			if id != 3 && id != 2 {
				return Plan{}, ErrSnapshotNotFound
			}
			return Plan{SnapshotID: id, Watermark: &wm, Splits: baseline}, nil
		},
	}

	tests := []struct {
		name      string
		mode      StartupMode
		opts      StartingOptions
		snapshots []Snapshot
		want      StartingResult
	}{
		{
			name: "full without snapshots",
			mode: ModeFull,
			want: NoSnapshot{},
		},
		{
			name:      "full plans the latest snapshot",
			mode:      ModeFull,
			snapshots: threeSnapshots,
			want:      ScannedResult{SnapshotID: 3, Watermark: &wm, Splits: baseline},
		},
		{
			name: "latest without snapshots",
			mode: ModeLatest,
			want: NoSnapshot{},
		},
		{
			name:      "latest skips the baseline",
			mode:      ModeLatest,
			snapshots: threeSnapshots,
			want:      NextSnapshot{ID: 4},
		},
		{
			name: "from timestamp without snapshots",
			mode: ModeFromTimestamp,
			opts: StartingOptions{Timestamp: base},
			want: NoSnapshot{},
		},
		{
			name:      "from timestamp with a single older snapshot",
			mode:      ModeFromTimestamp,
			opts:      StartingOptions{Timestamp: base.Add(time.Hour)},
			snapshots: []Snapshot{{ID: 2, CommittedAt: base, Kind: CommitAppend}},
			want:      NextSnapshot{ID: 3},
		},
		{
			name:      "from timestamp picks the newest snapshot at or before",
			mode:      ModeFromTimestamp,
			opts:      StartingOptions{Timestamp: base.Add(time.Minute)},
			snapshots: threeSnapshots,
			want:      NextSnapshot{ID: 3},
		},
		{
			name:      "from timestamp older than every snapshot",
			mode:      ModeFromTimestamp,
			opts:      StartingOptions{Timestamp: base.Add(-time.Hour)},
			snapshots: threeSnapshots,
			want:      NextSnapshot{ID: 1},
		},
		{
			name: "from snapshot without snapshots",
			mode: ModeFromSnapshot,
			opts: StartingOptions{SnapshotID: 2},
			want: NoSnapshot{},
		},
		{
			name:      "from snapshot starts at the id",
			mode:      ModeFromSnapshot,
			opts:      StartingOptions{SnapshotID: 2},
			snapshots: threeSnapshots,
			want:      NextSnapshot{ID: 2},
		},
		{
			name:      "from expired snapshot starts at the earliest",
			mode:      ModeFromSnapshot,
			opts:      StartingOptions{SnapshotID: 1},
			snapshots: threeSnapshots[1:],
			want:      NextSnapshot{ID: 2},
		},
		{
			name:      "from snapshot full plans the id",
			mode:      ModeFromSnapshotFull,
			opts:      StartingOptions{SnapshotID: 2},
			snapshots: threeSnapshots,
			want:      ScannedResult{SnapshotID: 2, Watermark: &wm, Splits: baseline},
		},
		{
			name:      "from snapshot full with a missing id",
			mode:      ModeFromSnapshotFull,
			opts:      StartingOptions{SnapshotID: 9},
			snapshots: threeSnapshots,
			want:      NoSnapshot{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			scanner, err := NewStartingScanner(tt.mode, tt.opts)
			require.NoError(t, err)

			got, err := scanner.Scan(context.Background(), &sliceDirectory{snapshots: tt.snapshots}, planner)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStartingScannerPropagatesDirectoryFailures(t *testing.T) {
	t.Parallel()

	ioErr := errors.New("connection reset")
	for _, mode := range []StartupMode{ModeFull, ModeLatest, ModeFromTimestamp, ModeFromSnapshot} {
		t.Run(string(mode), func(t *testing.T) {
			t.Parallel()

			scanner, err := NewStartingScanner(mode, StartingOptions{Timestamp: time.Now(), SnapshotID: 1})
			require.NoError(t, err)

			_, err = scanner.Scan(context.Background(), &sliceDirectory{err: ioErr}, &mockPlanner{})
			require.ErrorIs(t, err, ioErr)
		})
	}
}

func TestNewStartingScannerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStartingScanner(ModeFromTimestamp, StartingOptions{})
	assert.Error(t, err)

	_, err = NewStartingScanner(ModeFromSnapshot, StartingOptions{SnapshotID: 0})
	assert.Error(t, err)

	_, err = NewStartingScanner("sideways", StartingOptions{})
	assert.Error(t, err)

	mode, err := ParseStartupMode("from-snapshot-full")
	require.NoError(t, err)
	assert.Equal(t, ModeFromSnapshotFull, mode)
}

func TestNextSnapshotID(t *testing.T) {
	t.Parallel()

	id, ok := NextSnapshotID(NoSnapshot{})
	assert.False(t, ok)
	assert.Zero(t, id)

	id, ok = NextSnapshotID(NextSnapshot{ID: 7})
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	id, ok = NextSnapshotID(ScannedResult{SnapshotID: 7})
	assert.True(t, ok)
	assert.Equal(t, int64(8), id)
}

func TestDataSplitEqual(t *testing.T) {
	t.Parallel()

	a := DataSplit{SnapshotID: 1, Partition: "p", Bucket: 2, Files: []DataFile{{Name: "a", RowCount: 3}}}
	b := a
	b.Files = []DataFile{{Name: "a", RowCount: 3}}
	assert.True(t, a.Equal(b))

	b.IsStreaming = true
	assert.False(t, a.Equal(b))

	c := a
	c.Files = []DataFile{{Name: "a", RowCount: 3}, {Name: "b"}}
	assert.False(t, a.Equal(c))
	assert.Equal(t, int64(3), a.RowCount())
}

func TestSnapshotValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Snapshot{ID: 1, Kind: CommitAppend}.Validate())
	assert.ErrorIs(t, Snapshot{ID: 0, Kind: CommitAppend}.Validate(), ErrCorruptMetadata)
	assert.ErrorIs(t, Snapshot{ID: 4, Kind: "MERGE"}.Validate(), ErrCorruptMetadata)
}
