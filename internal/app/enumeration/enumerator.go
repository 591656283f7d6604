package enumeration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/domain/snapshot"
	"github.com/ahrav/lakescan/pkg/common/logger"
)

type timeProvider interface {
	Now() time.Time
}

// realTimeProvider is a real implementation of the timeProvider interface.
type realTimeProvider struct{}

// Now returns the current time.
func (realTimeProvider) Now() time.Time { return time.Now().UTC() }

// command is a unit of work executed on the coordination goroutine.
type command struct {
	fn   func() error
	err  error
	done chan struct{}
}

// discoveryResult carries the outcome of one off-loop discovery call back
// onto the coordination goroutine.
type discoveryResult struct {
	// startup is set when the round ran the starting scanner.
	startup   bool
	starting  snapshot.StartingResult
	outcome   snapshot.PlanOutcome
	splits    []enumeration.SourceSplit
	requested int64
	duration  time.Duration
	err       error
}

// ContinuousSplitEnumerator discovers new snapshots on a timer, turns them
// into splits and hands those splits to readers as they ask for work.
//
// All assignment state is owned by a single coordination goroutine. Public
// methods post a command to its mailbox and wait for it to run, so callers
// may use the enumerator from any goroutine. Planning runs on a separate
// goroutine and its result is applied on the coordination goroutine; split
// requests keep being served from the previous state meanwhile.
type ContinuousSplitEnumerator struct {
	host      enumeration.SplitEnumeratorContext
	planner   snapshot.Planner
	directory snapshot.Directory
	starting  snapshot.StartingScanner

	// Owned by the coordination goroutine.
	state       *enumeration.AssignmentState
	status      enumeration.EnumeratorState
	restored    bool
	started     bool
	failed      bool
	discovering bool
	waiters     []chan struct{}
	ticker      *time.Ticker
	retryAt     time.Time
	// discoveryCtx is detached from caller cancellation; closing the
	// enumerator discards in-flight results instead of cancelling them.
	discoveryCtx context.Context

	bucketMode        enumeration.BucketMode
	discoveryInterval time.Duration
	endSnapshotID     int64
	retry             backoff.BackOff
	checkpoint        *enumeration.PendingSplitsCheckpoint
	timeProvider      timeProvider

	mailbox     chan *command
	discoveries chan discoveryResult
	closing     chan struct{}
	done        chan struct{}
	closeOnce   sync.Once

	metrics EnumeratorMetrics
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewContinuousSplitEnumerator creates an enumerator and starts its
// coordination goroutine. Discovery does not run until Start or DiscoverNow
// is called. Callers must Close the enumerator to release the goroutine.
func NewContinuousSplitEnumerator(
	host enumeration.SplitEnumeratorContext,
	planner snapshot.Planner,
	directory snapshot.Directory,
	starting snapshot.StartingScanner,
	metrics EnumeratorMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...Option,
) (*ContinuousSplitEnumerator, error) {
	e := &ContinuousSplitEnumerator{
		host:              host,
		planner:           planner,
		directory:         directory,
		starting:          starting,
		status:            enumeration.StateAwaitingFirstDiscovery,
		bucketMode:        enumeration.BucketFixed,
		discoveryInterval: defaultDiscoveryInterval,
		timeProvider:      realTimeProvider{},
		discoveryCtx:      context.Background(),
		mailbox:           make(chan *command),
		discoveries:       make(chan discoveryResult),
		closing:           make(chan struct{}),
		done:              make(chan struct{}),
		metrics:           metrics,
		logger:            logger.With("component", "continuous_split_enumerator"),
		tracer:            tracer,
	}
	for _, opt := range opts {
		opt(e)
	}

	var initial []enumeration.SourceSplit
	if cp := e.checkpoint; cp != nil {
		for _, s := range cp.Splits {
			if err := s.Validate(); err != nil {
				return nil, fmt.Errorf("checkpoint split %q: %w", s.ID, err)
			}
		}
		initial = cp.Splits
		if len(cp.PlannerState) > 0 {
			sp, ok := planner.(snapshot.StatefulPlanner)
			if !ok {
				return nil, errors.New("checkpoint carries planner state but the planner keeps none")
			}
			if err := sp.RestoreState(cp.PlannerState); err != nil {
				return nil, fmt.Errorf("failed to restore planner state: %w", err)
			}
		}
	}

	e.state = enumeration.NewAssignmentState(e.bucketMode, initial)
	if len(initial) > 0 {
		e.status = enumeration.StateSteady
	}
	if cp := e.checkpoint; cp != nil && cp.Restored() {
		e.applyRestore(cp.CurrentSnapshotID)
	}

	go e.run()

	return e, nil
}

// Start arms the discovery timer. The first discovery attempt runs
// immediately unless a checkpoint was restored. Calling Start twice is a no-op.
func (e *ContinuousSplitEnumerator) Start(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "continuous_split_enumerator.start",
		trace.WithAttributes(
			attribute.String("bucket_mode", string(e.bucketMode)),
			attribute.String("discovery_interval", e.discoveryInterval.String()),
		))
	defer span.End()

	err := e.do(ctx, func() error {
		if e.started {
			return nil
		}
		e.started = true
		e.discoveryCtx = context.WithoutCancel(ctx)

		if e.status == enumeration.StateExhausted || e.failed {
			return nil
		}
		e.ticker = time.NewTicker(e.discoveryInterval)

		if !e.restored {
			e.triggerDiscovery()
		}
		e.logger.Info(ctx, "Split enumerator started",
			"restored", e.restored,
			"next_snapshot_id", e.state.NextSnapshotID(),
			"pending_splits", len(e.state.Remaining()),
		)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start enumerator")
		return err
	}
	span.SetStatus(codes.Ok, "enumerator started")
	return nil
}

// HandleSplitRequest serves one split request from readerID. A reader with
// queued work receives exactly one split; a reader without work is either
// told there are no more splits (exhausted scans) or parked until the next
// discovery round. Requests from readers the host no longer lists are skipped.
func (e *ContinuousSplitEnumerator) HandleSplitRequest(ctx context.Context, readerID int, hostname string) error {
	ctx, span := e.tracer.Start(ctx, "continuous_split_enumerator.handle_split_request",
		trace.WithAttributes(
			attribute.Int("reader_id", readerID),
			attribute.String("hostname", hostname),
		))
	defer span.End()

	err := e.do(ctx, func() error {
		logr := e.logger.With("operation", "handle_split_request", "reader_id", readerID, "hostname", hostname)
		if !e.host.IsRegistered(readerID) {
			span.AddEvent("reader_not_registered")
			logr.Warn(ctx, "Skipping split request from unregistered reader")
			return nil
		}

		a, res := e.state.Request(readerID, e.host.RegisteredReaders())
		switch res {
		case enumeration.RequestAssigned:
			span.AddEvent("split_assigned", trace.WithAttributes(attribute.String("split_id", a.Split.ID)))
			return e.deliver(ctx, a)
		case enumeration.RequestNoMoreSplits:
			span.AddEvent("no_more_splits")
			return e.signalNoMoreSplits(ctx, readerID)
		case enumeration.RequestWaiting:
			span.AddEvent("reader_waiting")
			logr.Debug(ctx, "No split available, reader parked until next discovery")
			return nil
		default:
			return fmt.Errorf("unhandled request result %d", res)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to handle split request")
		return err
	}
	span.SetStatus(codes.Ok, "split request handled")
	return nil
}

// AddSplitsBack returns splits that readerID received but never completed.
// They are queued ahead of any newer split in their original order.
func (e *ContinuousSplitEnumerator) AddSplitsBack(ctx context.Context, splits []enumeration.SourceSplit, readerID int) error {
	ctx, span := e.tracer.Start(ctx, "continuous_split_enumerator.add_splits_back",
		trace.WithAttributes(
			attribute.Int("reader_id", readerID),
			attribute.Int("split_count", len(splits)),
		))
	defer span.End()

	for _, s := range splits {
		if err := s.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid split returned")
			return fmt.Errorf("split %q returned by reader %d: %w", s.ID, readerID, err)
		}
	}
	if len(splits) == 0 {
		return nil
	}

	err := e.do(ctx, func() error {
		assignments := e.state.AddSplitsBack(readerID, splits, e.host.RegisteredReaders())
		e.metrics.IncSplitsReturned(ctx, len(splits))
		e.logger.Info(ctx, "Splits returned by reader",
			"operation", "add_splits_back",
			"reader_id", readerID,
			"split_count", len(splits),
		)
		return e.deliverAll(ctx, assignments)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add splits back")
		return err
	}
	span.SetStatus(codes.Ok, "splits added back")
	return nil
}

// Checkpoint returns the id of the last snapshot whose splits have all been
// generated, or UnresolvedSnapshotID before discovery resolved a starting point.
func (e *ContinuousSplitEnumerator) Checkpoint(ctx context.Context) (int64, error) {
	var id int64
	err := e.do(ctx, func() error {
		id = e.currentSnapshotID()
		return nil
	})
	return id, err
}

// Restore resumes discovery right after snapshotID. Negative ids leave the
// enumerator unrestored. Pending splits are restored separately, through
// WithCheckpoint or AddSplitsBack.
func (e *ContinuousSplitEnumerator) Restore(ctx context.Context, snapshotID int64) error {
	return e.do(ctx, func() error {
		if snapshotID < 0 {
			return nil
		}
		e.applyRestore(snapshotID)
		e.logger.Info(ctx, "Enumerator restored from checkpoint",
			"operation", "restore",
			"snapshot_id", snapshotID,
		)
		return nil
	})
}

// SnapshotState captures everything the host must persist to resume the
// scan: the discovery position, every undelivered split and the planner's
// own bookkeeping.
func (e *ContinuousSplitEnumerator) SnapshotState(ctx context.Context) (*enumeration.PendingSplitsCheckpoint, error) {
	ctx, span := e.tracer.Start(ctx, "continuous_split_enumerator.snapshot_state")
	defer span.End()

	var cp *enumeration.PendingSplitsCheckpoint
	err := e.do(ctx, func() error {
		cp = &enumeration.PendingSplitsCheckpoint{
			CurrentSnapshotID: e.currentSnapshotID(),
			Splits:            e.state.Remaining(),
		}
		if sp, ok := e.planner.(snapshot.StatefulPlanner); ok {
			state, err := sp.CheckpointState()
			if err != nil {
				return fmt.Errorf("failed to checkpoint planner state: %w", err)
			}
			cp.PlannerState = state
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to snapshot state")
		return nil, err
	}
	span.SetAttributes(
		attribute.Int64("snapshot_id", cp.CurrentSnapshotID),
		attribute.Int("split_count", len(cp.Splits)),
	)
	span.SetStatus(codes.Ok, "state captured")
	return cp, nil
}

// DiscoverNow runs a discovery round without waiting for the timer and
// returns once a round has been applied. It returns immediately when the
// enumerator is exhausted or failed.
func (e *ContinuousSplitEnumerator) DiscoverNow(ctx context.Context) error {
	waiter := make(chan struct{})
	err := e.do(ctx, func() error {
		if e.status == enumeration.StateExhausted || e.failed {
			close(waiter)
			return nil
		}
		e.waiters = append(e.waiters, waiter)
		if !e.discovering {
			e.dispatchDiscovery()
		}
		return nil
	})
	if err != nil {
		return err
	}

	select {
	case <-waiter:
		return nil
	case <-e.done:
		return enumeration.ErrEnumeratorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (e *ContinuousSplitEnumerator) State(ctx context.Context) (enumeration.EnumeratorState, error) {
	var st enumeration.EnumeratorState
	err := e.do(ctx, func() error {
		st = e.status
		return nil
	})
	return st, err
}

// Close stops the timer and the coordination goroutine. A discovery call in
// flight is left to finish and its result is discarded.
func (e *ContinuousSplitEnumerator) Close() error {
	e.closeOnce.Do(func() { close(e.closing) })
	<-e.done
	return nil
}

// do runs fn on the coordination goroutine and waits for it to complete.
func (e *ContinuousSplitEnumerator) do(ctx context.Context, fn func() error) error {
	cmd := &command{fn: fn, done: make(chan struct{})}
	select {
	case e.mailbox <- cmd:
	case <-e.closing:
		return enumeration.ErrEnumeratorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	// Once received the command always runs to completion.
	<-cmd.done
	return cmd.err
}

func (e *ContinuousSplitEnumerator) run() {
	defer close(e.done)
	defer func() {
		if e.ticker != nil {
			e.ticker.Stop()
		}
		e.releaseWaiters()
	}()

	for {
		select {
		case cmd := <-e.mailbox:
			cmd.err = cmd.fn()
			close(cmd.done)

		case <-e.tick():
			e.onTick()

		case res := <-e.discoveries:
			e.applyDiscovery(res)

		case <-e.closing:
			return
		}
	}
}

// tick returns the timer channel, or nil while the timer is disarmed.
func (e *ContinuousSplitEnumerator) tick() <-chan time.Time {
	if e.ticker == nil {
		return nil
	}
	return e.ticker.C
}

func (e *ContinuousSplitEnumerator) onTick() {
	if !e.retryAt.IsZero() && e.timeProvider.Now().Before(e.retryAt) {
		return
	}
	e.triggerDiscovery()
}

func (e *ContinuousSplitEnumerator) triggerDiscovery() {
	if e.discovering || e.failed || e.status == enumeration.StateExhausted {
		return
	}
	e.dispatchDiscovery()
}

// dispatchDiscovery starts a discovery call off the coordination goroutine.
// At most one call is in flight.
func (e *ContinuousSplitEnumerator) dispatchDiscovery() {
	e.discovering = true
	startup := e.state.NextSnapshotID() <= 0
	next := e.state.NextSnapshotID()
	ctx := e.discoveryCtx

	go func() {
		res := e.discover(ctx, startup, next)
		select {
		case e.discoveries <- res:
		case <-e.closing:
		}
	}()
}

// discover performs the blocking planner or starting scanner call.
func (e *ContinuousSplitEnumerator) discover(ctx context.Context, startup bool, next int64) discoveryResult {
	ctx, span := e.tracer.Start(ctx, "continuous_split_enumerator.discover",
		trace.WithAttributes(
			attribute.Bool("startup", startup),
			attribute.Int64("snapshot_id", next),
		))
	defer span.End()

	begin := e.timeProvider.Now()
	res := discoveryResult{startup: startup, requested: next}

	switch {
	case startup:
		res.starting, res.err = e.starting.Scan(ctx, e.directory, e.planner)
		if sr, ok := res.starting.(snapshot.ScannedResult); ok {
			res.splits = enumeration.NewSourceSplits(sr.Splits)
		}
	case e.endSnapshotID > 0 && next > e.endSnapshotID:
		res.outcome = snapshot.EndOfInput{}
	default:
		res.outcome, res.err = e.planner.Plan(ctx, next)
		if p, ok := res.outcome.(snapshot.Planned); ok {
			res.splits = enumeration.NewSourceSplits(p.Plan.Splits)
		}
	}
	res.duration = e.timeProvider.Now().Sub(begin)

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "discovery failed")
		return res
	}
	span.SetAttributes(attribute.Int("split_count", len(res.splits)))
	span.SetStatus(codes.Ok, "discovery completed")
	return res
}

// applyDiscovery folds a discovery result into the assignment state. A
// round's splits become visible all at once.
func (e *ContinuousSplitEnumerator) applyDiscovery(res discoveryResult) {
	e.discovering = false
	defer e.releaseWaiters()

	ctx, span := e.tracer.Start(e.discoveryCtx, "continuous_split_enumerator.apply_discovery",
		trace.WithAttributes(
			attribute.Int64("snapshot_id", res.requested),
			attribute.Int("split_count", len(res.splits)),
		))
	defer span.End()

	logr := logger.NewLoggerContext(e.logger.With("operation", "apply_discovery"))
	logr.Add("requested_snapshot_id", res.requested, "startup", res.startup)
	e.metrics.ObserveDiscoveryDuration(ctx, res.duration)

	if res.err != nil {
		e.handleDiscoveryError(ctx, logr, res.err)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, "discovery failed")
		return
	}
	e.retryAt = time.Time{}
	if e.retry != nil {
		e.retry.Reset()
	}

	var err error
	if res.startup {
		err = e.applyStartingResult(ctx, logr, res)
	} else {
		err = e.applyPlanOutcome(ctx, logr, res)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to apply discovery")
		return
	}
	e.metrics.SetNextSnapshotID(ctx, e.state.NextSnapshotID())
	span.SetStatus(codes.Ok, "discovery applied")
}

func (e *ContinuousSplitEnumerator) applyStartingResult(
	ctx context.Context,
	logr *logger.LoggerContext,
	res discoveryResult,
) error {
	switch r := res.starting.(type) {
	case snapshot.NoSnapshot:
		logr.Debug(ctx, "No snapshot yet, waiting for the first commit")
		return nil
	case snapshot.NextSnapshot:
		e.state.SetNextSnapshotID(r.ID)
		e.transition(enumeration.StateSteady)
		logr.Info(ctx, "Resolved starting snapshot", "next_snapshot_id", r.ID)
		return nil
	case snapshot.ScannedResult:
		e.state.SetNextSnapshotID(r.SnapshotID + 1)
		e.transition(enumeration.StateSteady)
		logr.Info(ctx, "Planned baseline snapshot", "snapshot_id", r.SnapshotID, "split_count", len(res.splits))
		return e.addDiscovered(ctx, res.splits)
	default:
		err := fmt.Errorf("unhandled starting result %T", res.starting)
		e.fail(ctx, logr, err)
		return err
	}
}

func (e *ContinuousSplitEnumerator) applyPlanOutcome(
	ctx context.Context,
	logr *logger.LoggerContext,
	res discoveryResult,
) error {
	switch o := res.outcome.(type) {
	case snapshot.Planned:
		if o.Plan.SnapshotID < res.requested {
			err := fmt.Errorf("%w: planner returned snapshot %d when asked for %d",
				snapshot.ErrCorruptMetadata, o.Plan.SnapshotID, res.requested)
			e.fail(ctx, logr, err)
			return err
		}
		e.state.SetNextSnapshotID(o.Plan.SnapshotID + 1)
		e.transition(enumeration.StateSteady)
		logr.Debug(ctx, "Discovered snapshot", "snapshot_id", o.Plan.SnapshotID, "split_count", len(res.splits))
		return e.addDiscovered(ctx, res.splits)

	case snapshot.SnapshotNotReady:
		logr.Debug(ctx, "Snapshot not committed yet")
		return nil

	case snapshot.EndOfInput:
		return e.exhaust(ctx, logr)

	default:
		err := fmt.Errorf("unhandled plan outcome %T", res.outcome)
		e.fail(ctx, logr, err)
		return err
	}
}

func (e *ContinuousSplitEnumerator) addDiscovered(ctx context.Context, splits []enumeration.SourceSplit) error {
	e.metrics.IncSplitsDiscovered(ctx, len(splits))
	assignments := e.state.AddDiscovered(splits, e.host.RegisteredReaders())
	return e.deliverAll(ctx, assignments)
}

func (e *ContinuousSplitEnumerator) exhaust(ctx context.Context, logr *logger.LoggerContext) error {
	e.transition(enumeration.StateExhausted)
	e.stopTimer()

	assignments, finished := e.state.MarkExhausted(e.host.RegisteredReaders())
	logr.Info(ctx, "Scan exhausted", "finished_readers", len(finished))

	errs := []error{e.deliverAll(ctx, assignments)}
	for _, r := range finished {
		errs = append(errs, e.signalNoMoreSplits(ctx, r))
	}
	return errors.Join(errs...)
}

func (e *ContinuousSplitEnumerator) handleDiscoveryError(ctx context.Context, logr *logger.LoggerContext, err error) {
	if errors.Is(err, snapshot.ErrCorruptMetadata) || errors.Is(err, snapshot.ErrSnapshotExpired) {
		e.fail(ctx, logr, err)
		return
	}

	e.metrics.IncDiscoveryFailures(ctx, false)
	if e.retry != nil {
		if delay := e.retry.NextBackOff(); delay != backoff.Stop {
			e.retryAt = e.timeProvider.Now().Add(delay)
			logr.Add("retry_in", delay)
		}
	}
	logr.Warn(ctx, "Discovery failed, retrying", "err", err)
}

// fail reports a fatal error to the host and stops discovery. Splits already
// generated stay available to readers.
func (e *ContinuousSplitEnumerator) fail(ctx context.Context, logr *logger.LoggerContext, err error) {
	e.failed = true
	e.stopTimer()
	e.metrics.IncDiscoveryFailures(ctx, true)
	logr.Error(ctx, "Fatal discovery error", "err", err)
	e.host.Fail(ctx, err)
}

func (e *ContinuousSplitEnumerator) deliverAll(ctx context.Context, assignments []enumeration.Assignment) error {
	var errs []error
	for _, a := range assignments {
		errs = append(errs, e.deliver(ctx, a))
	}
	return errors.Join(errs...)
}

// deliver hands one split to the host. Deliveries to readers that are gone
// are dropped; the host returns their splits through AddSplitsBack. Any
// other failure puts the split back at the front of the queue and parks the
// reader until the next discovery or return.
func (e *ContinuousSplitEnumerator) deliver(ctx context.Context, a enumeration.Assignment) error {
	err := e.host.AssignSplits(ctx, a.ReaderID, []enumeration.SourceSplit{a.Split})
	switch {
	case err == nil:
		e.metrics.IncSplitsAssigned(ctx, a.ReaderID)
		return nil
	case errors.Is(err, enumeration.ErrReaderNotRegistered):
		e.metrics.IncStaleDeliveries(ctx)
		e.logger.Warn(ctx, "Dropped delivery to deregistered reader",
			"reader_id", a.ReaderID,
			"split_id", a.Split.ID,
		)
		return nil
	default:
		e.state.Requeue(a.ReaderID, a.Split, e.host.RegisteredReaders())
		return fmt.Errorf("failed to assign split %s to reader %d: %w", a.Split.ID, a.ReaderID, err)
	}
}

func (e *ContinuousSplitEnumerator) signalNoMoreSplits(ctx context.Context, readerID int) error {
	if err := e.host.SignalNoMoreSplits(ctx, readerID); err != nil {
		if errors.Is(err, enumeration.ErrReaderNotRegistered) {
			return nil
		}
		return fmt.Errorf("failed to signal no more splits to reader %d: %w", readerID, err)
	}
	e.metrics.IncNoMoreSplitsSignals(ctx)
	return nil
}

func (e *ContinuousSplitEnumerator) applyRestore(snapshotID int64) {
	e.state.SetNextSnapshotID(snapshotID + 1)
	e.restored = true
	e.transition(enumeration.StateSteady)
}

func (e *ContinuousSplitEnumerator) currentSnapshotID() int64 {
	if next := e.state.NextSnapshotID(); next > 0 {
		return next - 1
	}
	return enumeration.UnresolvedSnapshotID
}

func (e *ContinuousSplitEnumerator) transition(to enumeration.EnumeratorState) {
	if e.status.CanTransitionTo(to) {
		e.status = to
	}
}

func (e *ContinuousSplitEnumerator) stopTimer() {
	if e.ticker != nil {
		e.ticker.Stop()
		e.ticker = nil
	}
}

func (e *ContinuousSplitEnumerator) releaseWaiters() {
	for _, w := range e.waiters {
		close(w)
	}
	e.waiters = nil
}
