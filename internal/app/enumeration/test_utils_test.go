package enumeration

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/domain/snapshot"
	"github.com/ahrav/lakescan/pkg/common/logger"
)

// mockHost implements enumeration.SplitEnumeratorContext and records every
// callback the enumerator makes.
type mockHost struct {
	mu       sync.Mutex
	readers  map[int]bool
	assigned map[int][]enumeration.SourceSplit
	finished map[int]int
	failures []error

	assignFunc func(ctx context.Context, readerID int, splits []enumeration.SourceSplit) error
}

func newMockHost(readers ...int) *mockHost {
	h := &mockHost{
		readers:  make(map[int]bool),
		assigned: make(map[int][]enumeration.SourceSplit),
		finished: make(map[int]int),
	}
	for _, r := range readers {
		h.readers[r] = true
	}
	return h
}

func (h *mockHost) register(readerID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readers[readerID] = true
}

func (h *mockHost) deregister(readerID int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.readers, readerID)
}

func (h *mockHost) RegisteredReaders() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int, 0, len(h.readers))
	for r := range h.readers {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

func (h *mockHost) IsRegistered(readerID int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.readers[readerID]
}

func (h *mockHost) AssignSplits(ctx context.Context, readerID int, splits []enumeration.SourceSplit) error {
	if h.assignFunc != nil {
		if err := h.assignFunc(ctx, readerID, splits); err != nil {
			return err
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.assigned[readerID] = append(h.assigned[readerID], splits...)
	return nil
}

func (h *mockHost) SignalNoMoreSplits(_ context.Context, readerID int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished[readerID]++
	return nil
}

func (h *mockHost) Fail(_ context.Context, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, err)
}

func (h *mockHost) assignedTo(readerID int) []enumeration.SourceSplit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.assigned[readerID])
}

func (h *mockHost) finishedCount(readerID int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished[readerID]
}

func (h *mockHost) failed() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.failures)
}

// mockPlanner implements snapshot.Planner with testify expectations.
type mockPlanner struct{ mock.Mock }

func (m *mockPlanner) Plan(ctx context.Context, id int64) (snapshot.PlanOutcome, error) {
	args := m.Called(ctx, id)
	if out := args.Get(0); out != nil {
		return out.(snapshot.PlanOutcome), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPlanner) PlanFull(ctx context.Context, id int64) (snapshot.Plan, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(snapshot.Plan), args.Error(1)
}

func (m *mockPlanner) ListPartitions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

// startAt is a starting scanner that always resolves to the same result.
type startAt struct{ result snapshot.StartingResult }

func (s startAt) Scan(context.Context, snapshot.Directory, snapshot.Planner) (snapshot.StartingResult, error) {
	return s.result, nil
}

type mockTimeProvider struct {
	mu  sync.Mutex
	now time.Time
}

func (m *mockTimeProvider) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockTimeProvider) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func newTestEnumerator(
	t *testing.T,
	host enumeration.SplitEnumeratorContext,
	planner snapshot.Planner,
	dir snapshot.Directory,
	starting snapshot.StartingScanner,
	opts ...Option,
) *ContinuousSplitEnumerator {
	t.Helper()

	metrics, err := NewEnumeratorMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)

	e, err := NewContinuousSplitEnumerator(
		host, planner, dir, starting, metrics,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// discoverRounds applies n discovery rounds synchronously.
func discoverRounds(t *testing.T, e *ContinuousSplitEnumerator, n int) {
	t.Helper()
	for range n {
		require.NoError(t, e.DiscoverNow(context.Background()))
	}
}

func splitIDs(splits []enumeration.SourceSplit) []string {
	out := make([]string, len(splits))
	for i, s := range splits {
		out[i] = s.ID
	}
	return out
}
