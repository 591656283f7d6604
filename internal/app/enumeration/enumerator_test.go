package enumeration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/domain/snapshot"
	"github.com/ahrav/lakescan/internal/infra/snapshot/memory"
)

func bucketSplit(partition string, bucket int, file string) snapshot.DataSplit {
	return snapshot.DataSplit{
		Partition: partition,
		Bucket:    bucket,
		Files:     []snapshot.DataFile{{Name: file, RowCount: 1}},
	}
}

func TestFixedModeReturnedSplitsAreRedeliveredInOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "s1"), bucketSplit("", 1, "s2"))
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "s3"), bucketSplit("", 1, "s4"))

	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}},
		WithBucketMode(enumeration.BucketFixed),
		WithDiscoveryInterval(3*time.Millisecond),
	)
	// Starting point, snapshot 1, snapshot 2.
	discoverRounds(t, e, 3)

	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	first := host.assignedTo(0)
	require.Len(t, first, 2)
	assert.Equal(t, "s1", first[0].Split.Files[0].Name)
	assert.Equal(t, "s2", first[1].Split.Files[0].Name)

	require.NoError(t, e.AddSplitsBack(ctx, first, 0))
	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))

	all := host.assignedTo(0)
	require.Len(t, all, 4)
	assert.Equal(t, splitIDs(first), splitIDs(all[2:]))

	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	names := []string{}
	for _, s := range host.assignedTo(0)[4:] {
		names = append(names, s.Split.Files[0].Name)
	}
	assert.Equal(t, []string{"s3", "s4"}, names)
}

func TestFixedModeBucketsFollowTheirOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	for snap := range 3 {
		var splits []snapshot.DataSplit
		for b := range 4 {
			splits = append(splits, bucketSplit("", b, string(rune('a'+snap))))
		}
		tbl.Commit(snapshot.CommitAppend, nil, splits...)
	}

	host := newMockHost(0, 1)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 4)

	for range 6 {
		require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
		require.NoError(t, e.HandleSplitRequest(ctx, 1, "host-1"))
	}

	buckets := func(reader int) map[int]bool {
		out := make(map[int]bool)
		for _, s := range host.assignedTo(reader) {
			out[s.Split.Bucket] = true
		}
		return out
	}
	b0, b1 := buckets(0), buckets(1)
	require.Len(t, b0, 2)
	require.Len(t, b1, 2)
	sharedEven := func(b map[int]bool) bool { return (b[0] && b[2]) || (b[1] && b[3]) }
	assert.True(t, sharedEven(b0), "reader 0 owns buckets %v", b0)
	assert.True(t, sharedEven(b1), "reader 1 owns buckets %v", b1)

	// Per bucket, snapshots arrive in commit order.
	for _, r := range []int{0, 1} {
		last := make(map[int]int64)
		for _, s := range host.assignedTo(r) {
			assert.Greater(t, s.Split.SnapshotID, last[s.Split.Bucket])
			last[s.Split.Bucket] = s.Split.SnapshotID
		}
	}
}

func TestUnawareModeDrainsToRequestingReaders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	splits := make([]snapshot.DataSplit, 100)
	for i := range splits {
		splits[i] = bucketSplit("", 0, "f")
	}
	tbl.Commit(snapshot.CommitAppend, nil, splits...)

	host := newMockHost()
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}},
		WithBucketMode(enumeration.BucketUnaware),
		WithEndSnapshotID(1),
	)
	for r := range 4 {
		host.register(r)
	}
	// Starting point, snapshot 1, end of input.
	discoverRounds(t, e, 3)

	st, err := e.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, enumeration.StateExhausted, st)

	for r := range 3 {
		require.NoError(t, e.HandleSplitRequest(ctx, r, "host"))
		assert.Len(t, host.assignedTo(r), 1)
	}
	for i := range 97 {
		require.NoError(t, e.HandleSplitRequest(ctx, 3, "host"))
		assert.Len(t, host.assignedTo(3), i+1)
	}
	assert.Zero(t, host.finishedCount(3))

	require.NoError(t, e.HandleSplitRequest(ctx, 3, "host"))
	assert.Len(t, host.assignedTo(3), 97)
	assert.Equal(t, 1, host.finishedCount(3))
}

func TestWaitingReaderServicedByNextDiscovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 1)

	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	assert.Empty(t, host.assignedTo(0))

	// Nothing committed yet: snapshot 1 is not ready.
	discoverRounds(t, e, 1)
	assert.Empty(t, host.assignedTo(0))
	id, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("p", 0, "f1"), bucketSplit("p", 0, "f2"))
	discoverRounds(t, e, 1)

	got := host.assignedTo(0)
	require.Len(t, got, 1, "a waiting reader receives a single split")
	assert.Equal(t, "f1", got[0].Split.Files[0].Name)
}

func TestUnregisteredReaderRequestIsSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f"))
	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 2)

	require.NoError(t, e.HandleSplitRequest(ctx, 7, "ghost"))
	assert.Empty(t, host.assignedTo(7))

	cp, err := e.SnapshotState(ctx)
	require.NoError(t, err)
	assert.Len(t, cp.Splits, 1, "no split was popped for the unknown reader")
}

func TestDeliveryToDeregisteredReaderIsDropped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}},
		WithBucketMode(enumeration.BucketUnaware),
	)
	discoverRounds(t, e, 1)
	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))

	// The reader vanishes between registration checks and delivery.
	host.assignFunc = func(context.Context, int, []enumeration.SourceSplit) error {
		return enumeration.ErrReaderNotRegistered
	}
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f1"), bucketSplit("", 0, "f2"))
	discoverRounds(t, e, 1)

	cp, err := e.SnapshotState(ctx)
	require.NoError(t, err)
	assert.Len(t, cp.Splits, 1, "the dropped split is not returned to the pool")
	assert.Empty(t, host.failed())
}

func TestFailedDeliveryRequeuesSplit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f1"), bucketSplit("", 0, "f2"))
	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 2)

	transport := errors.New("broker unavailable")
	host.assignFunc = func(context.Context, int, []enumeration.SourceSplit) error { return transport }
	require.ErrorIs(t, e.HandleSplitRequest(ctx, 0, "host-0"), transport)

	host.assignFunc = nil
	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	got := host.assignedTo(0)
	require.Len(t, got, 1)
	assert.Equal(t, "f1", got[0].Split.Files[0].Name)
}

func TestTransientPlannerFailureRetriesSameSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	planner := new(mockPlanner)
	planner.On("Plan", mock.Anything, int64(5)).Return(nil, errors.New("i/o timeout")).Once()
	planner.On("Plan", mock.Anything, int64(5)).Return(snapshot.Planned{Plan: snapshot.Plan{
		SnapshotID: 5,
		Splits:     []snapshot.DataSplit{bucketSplit("", 0, "f")},
	}}, nil).Once()

	host := newMockHost(0)
	e := newTestEnumerator(t, host, planner, nil, startAt{snapshot.NextSnapshot{ID: 5}})
	discoverRounds(t, e, 2)

	id, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), id, "a failed round leaves the position unchanged")

	discoverRounds(t, e, 1)
	id, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), id)
	assert.Empty(t, host.failed())
	planner.AssertExpectations(t)
}

func TestCorruptPlanFailsTheJob(t *testing.T) {
	t.Parallel()

	planner := new(mockPlanner)
	planner.On("Plan", mock.Anything, int64(3)).
		Return(snapshot.Planned{Plan: snapshot.Plan{SnapshotID: 2}}, nil).Once()

	host := newMockHost(0)
	e := newTestEnumerator(t, host, planner, nil, startAt{snapshot.NextSnapshot{ID: 3}})
	discoverRounds(t, e, 2)

	failures := host.failed()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], snapshot.ErrCorruptMetadata)

	// Discovery has stopped; further rounds return immediately.
	discoverRounds(t, e, 1)
	planner.AssertExpectations(t)
}

func TestExpiredSnapshotFailsTheJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	for _, f := range []string{"f1", "f2", "f3"} {
		tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, f))
	}
	tbl.Expire(3)

	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 2)

	failures := host.failed()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], snapshot.ErrSnapshotExpired)

	discoverRounds(t, e, 3)
	assert.Len(t, host.failed(), 1, "the job is failed once")
	id, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestFailedDeliveryToWaitingReaderParksItAgain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 1)

	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	require.Empty(t, host.assignedTo(0))

	var attempts atomic.Int32
	host.assignFunc = func(context.Context, int, []enumeration.SourceSplit) error {
		if attempts.Add(1) == 1 {
			return errors.New("broker down")
		}
		return nil
	}

	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f1"))
	discoverRounds(t, e, 1)
	assert.Empty(t, host.assignedTo(0))

	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f2"))
	discoverRounds(t, e, 1)

	got := host.assignedTo(0)
	require.Len(t, got, 1, "the reader is still owed exactly one split")
	assert.Equal(t, "f1", got[0].Split.Files[0].Name)
}

func TestCorruptMetadataErrorFailsTheJob(t *testing.T) {
	t.Parallel()

	planner := new(mockPlanner)
	planner.On("Plan", mock.Anything, int64(1)).
		Return(nil, errors.Join(errors.New("manifest"), snapshot.ErrCorruptMetadata)).Once()

	host := newMockHost(0)
	e := newTestEnumerator(t, host, planner, nil, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 3)

	require.Len(t, host.failed(), 1)
	planner.AssertExpectations(t)
}

func TestNoSnapshotKeepsAwaitingFirstDiscovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	scanner, err := snapshot.NewStartingScanner(snapshot.ModeLatest, snapshot.StartingOptions{})
	require.NoError(t, err)

	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, scanner)
	discoverRounds(t, e, 1)

	st, err := e.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, enumeration.StateAwaitingFirstDiscovery, st)
	id, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, enumeration.UnresolvedSnapshotID, id)

	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "old"))
	discoverRounds(t, e, 1)
	st, err = e.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, enumeration.StateSteady, st)

	id, err = e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id, "latest mode skips the baseline")
}

func TestFullModeDeliversBaselineThenIncrements(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "base-1"))
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "base-2"))
	scanner, err := snapshot.NewStartingScanner(snapshot.ModeFull, snapshot.StartingOptions{})
	require.NoError(t, err)

	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, scanner)
	discoverRounds(t, e, 1)
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "delta-3"))
	discoverRounds(t, e, 1)

	for range 2 {
		require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	}
	got := host.assignedTo(0)
	require.Len(t, got, 2)
	assert.False(t, got[0].Split.IsStreaming)
	assert.Len(t, got[0].Split.Files, 2)
	assert.True(t, got[1].Split.IsStreaming)
	assert.Equal(t, int64(3), got[1].Split.SnapshotID)
}

func TestExhaustionSignalsIdleReaders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f"))
	host := newMockHost(0, 1, 2)
	e := newTestEnumerator(t, host, tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}},
		WithEndSnapshotID(1),
	)
	discoverRounds(t, e, 2)

	owner := -1
	for r := range 3 {
		require.NoError(t, e.HandleSplitRequest(ctx, r, "host"))
		if len(host.assignedTo(r)) == 1 {
			owner = r
		}
	}
	require.NotEqual(t, -1, owner)

	discoverRounds(t, e, 1)
	for r := range 3 {
		assert.Equal(t, 1, host.finishedCount(r), "reader %d", r)
	}

	// Exhausted enumerators ignore further discovery requests.
	discoverRounds(t, e, 1)
	require.NoError(t, e.HandleSplitRequest(ctx, owner, "host"))
	assert.Equal(t, 2, host.finishedCount(owner))
}

func TestCheckpointRestoreResumesDiscovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	for i := range 5 {
		tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", i%2, "f"))
	}

	// Uninterrupted run over every snapshot.
	full := newTestEnumerator(t, newMockHost(0), tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, full, 6)
	want, err := full.SnapshotState(ctx)
	require.NoError(t, err)

	// Interrupted run: checkpoint after snapshot 2, then resume.
	first := newTestEnumerator(t, newMockHost(0), tbl, tbl, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, first, 3)
	cp, err := first.SnapshotState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.CurrentSnapshotID)
	assert.NotEmpty(t, cp.PlannerState)
	require.NoError(t, first.Close())

	_, err = first.Checkpoint(ctx)
	assert.ErrorIs(t, err, enumeration.ErrEnumeratorClosed)

	resumed := newTestEnumerator(t, newMockHost(0), tbl, tbl, startAt{snapshot.NoSnapshot{}},
		WithCheckpoint(cp),
	)
	st, err := resumed.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, enumeration.StateSteady, st)

	discoverRounds(t, resumed, 3)
	got, err := resumed.SnapshotState(ctx)
	require.NoError(t, err)

	assert.Equal(t, want.CurrentSnapshotID, got.CurrentSnapshotID)
	snapshotsOf := func(splits []enumeration.SourceSplit) []int64 {
		out := make([]int64, len(splits))
		for i, s := range splits {
			out[i] = s.Split.SnapshotID
		}
		return out
	}
	assert.Equal(t, snapshotsOf(want.Splits), snapshotsOf(got.Splits))
}

func TestRestoreSetsNextSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	planner := new(mockPlanner)
	planner.On("Plan", mock.Anything, int64(8)).Return(snapshot.SnapshotNotReady{SnapshotID: 8}, nil)

	e := newTestEnumerator(t, newMockHost(0), planner, nil, startAt{snapshot.NoSnapshot{}})
	require.NoError(t, e.Restore(ctx, 7))
	discoverRounds(t, e, 2)

	id, err := e.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	planner.AssertNumberOfCalls(t, "Plan", 2)
}

func TestStartTriggersFirstDiscovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tbl := memory.NewTable()
	tbl.Commit(snapshot.CommitAppend, nil, bucketSplit("", 0, "f"))
	scanner, err := snapshot.NewStartingScanner(snapshot.ModeFromSnapshot, snapshot.StartingOptions{SnapshotID: 1})
	require.NoError(t, err)

	host := newMockHost(0)
	e := newTestEnumerator(t, host, tbl, tbl, scanner, WithDiscoveryInterval(5*time.Millisecond))
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Start(ctx))

	require.NoError(t, e.HandleSplitRequest(ctx, 0, "host-0"))
	require.Eventually(t, func() bool {
		return len(host.assignedTo(0)) == 1
	}, 2*time.Second, 5*time.Millisecond, "timer-driven discovery serves the waiting reader")
}

func TestRetryBackoffSkipsTicks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	planner := new(mockPlanner)
	planner.On("Plan", mock.Anything, int64(1)).Run(func(mock.Arguments) {
		mu.Lock()
		calls++
		mu.Unlock()
	}).Return(nil, errors.New("throttled"))

	clock := &mockTimeProvider{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := newTestEnumerator(t, newMockHost(0), planner, nil, startAt{snapshot.NextSnapshot{ID: 1}},
		WithRetryBackoff(backoff.NewConstantBackOff(time.Minute)),
	)
	e.timeProvider = clock

	discoverRounds(t, e, 2)
	tickAndCheck := func() bool {
		var dispatched bool
		require.NoError(t, e.do(ctx, func() error {
			e.onTick()
			dispatched = e.discovering
			return nil
		}))
		return dispatched
	}

	assert.False(t, tickAndCheck(), "tick inside the backoff window is skipped")

	clock.Advance(2 * time.Minute)
	assert.True(t, tickAndCheck())
	discoverRounds(t, e, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}

func TestCloseDiscardsInFlightDiscovery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	entered := make(chan struct{})
	planner := new(mockPlanner)
	planner.On("Plan", mock.Anything, int64(1)).Run(func(mock.Arguments) {
		close(entered)
		<-release
	}).Return(snapshot.Planned{Plan: snapshot.Plan{SnapshotID: 1}}, nil).Once()

	e := newTestEnumerator(t, newMockHost(0), planner, nil, startAt{snapshot.NextSnapshot{ID: 1}})
	discoverRounds(t, e, 1)

	errc := make(chan error, 1)
	go func() { errc <- e.DiscoverNow(ctx) }()
	<-entered

	require.NoError(t, e.Close())
	close(release)

	err := <-errc
	if err != nil {
		assert.ErrorIs(t, err, enumeration.ErrEnumeratorClosed)
	}
	assert.ErrorIs(t, e.HandleSplitRequest(ctx, 0, "host-0"), enumeration.ErrEnumeratorClosed)
	assert.ErrorIs(t, e.AddSplitsBack(ctx, []enumeration.SourceSplit{enumeration.NewSourceSplit(snapshot.DataSplit{})}, 0),
		enumeration.ErrEnumeratorClosed)
}

func TestAddSplitsBackRejectsInvalidSplits(t *testing.T) {
	t.Parallel()

	e := newTestEnumerator(t, newMockHost(0), memory.NewTable(), memory.NewTable(), startAt{snapshot.NoSnapshot{}})
	err := e.AddSplitsBack(context.Background(), []enumeration.SourceSplit{{}}, 0)
	assert.ErrorIs(t, err, enumeration.ErrInvalidSplit)
}
