package enumeration

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EnumeratorMetrics defines the metrics recorded by a continuous split enumerator.
type EnumeratorMetrics interface {
	// Discovery metrics
	IncSplitsDiscovered(ctx context.Context, count int)
	IncDiscoveryFailures(ctx context.Context, fatal bool)
	ObserveDiscoveryDuration(ctx context.Context, duration time.Duration)
	SetNextSnapshotID(ctx context.Context, id int64)

	// Assignment metrics
	IncSplitsAssigned(ctx context.Context, readerID int)
	IncSplitsReturned(ctx context.Context, count int)
	IncNoMoreSplitsSignals(ctx context.Context)
	IncStaleDeliveries(ctx context.Context)
}

type enumeratorMetrics struct {
	splitsDiscovered  metric.Int64Counter
	discoveryFailures metric.Int64Counter
	discoveryDuration metric.Float64Histogram
	nextSnapshotID    metric.Int64Gauge

	splitsAssigned  metric.Int64Counter
	splitsReturned  metric.Int64Counter
	noMoreSplits    metric.Int64Counter
	staleDeliveries metric.Int64Counter
}

const namespace = "split_enumerator"

// NewEnumeratorMetrics creates the enumerator instruments on mp.
func NewEnumeratorMetrics(mp metric.MeterProvider) (*enumeratorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(enumeratorMetrics)
	var err error

	if m.splitsDiscovered, err = meter.Int64Counter(
		"splits_discovered_total",
		metric.WithDescription("Total number of splits produced by discovery"),
	); err != nil {
		return nil, err
	}

	if m.discoveryFailures, err = meter.Int64Counter(
		"discovery_failures_total",
		metric.WithDescription("Total number of failed discovery rounds"),
	); err != nil {
		return nil, err
	}

	if m.discoveryDuration, err = meter.Float64Histogram(
		"discovery_duration_seconds",
		metric.WithDescription("Time spent planning a discovery round"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.nextSnapshotID, err = meter.Int64Gauge(
		"next_snapshot_id",
		metric.WithDescription("Snapshot the next discovery round will plan"),
	); err != nil {
		return nil, err
	}

	if m.splitsAssigned, err = meter.Int64Counter(
		"splits_assigned_total",
		metric.WithDescription("Total number of splits delivered to readers"),
	); err != nil {
		return nil, err
	}

	if m.splitsReturned, err = meter.Int64Counter(
		"splits_returned_total",
		metric.WithDescription("Total number of splits returned by failed readers"),
	); err != nil {
		return nil, err
	}

	if m.noMoreSplits, err = meter.Int64Counter(
		"no_more_splits_signals_total",
		metric.WithDescription("Total number of no-more-splits signals sent to readers"),
	); err != nil {
		return nil, err
	}

	if m.staleDeliveries, err = meter.Int64Counter(
		"stale_deliveries_total",
		metric.WithDescription("Total number of deliveries dropped because the reader was gone"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *enumeratorMetrics) IncSplitsDiscovered(ctx context.Context, count int) {
	m.splitsDiscovered.Add(ctx, int64(count))
}

func (m *enumeratorMetrics) IncDiscoveryFailures(ctx context.Context, fatal bool) {
	m.discoveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.Bool("fatal", fatal)))
}

func (m *enumeratorMetrics) ObserveDiscoveryDuration(ctx context.Context, duration time.Duration) {
	m.discoveryDuration.Record(ctx, duration.Seconds())
}

func (m *enumeratorMetrics) SetNextSnapshotID(ctx context.Context, id int64) {
	m.nextSnapshotID.Record(ctx, id)
}

func (m *enumeratorMetrics) IncSplitsAssigned(ctx context.Context, readerID int) {
	m.splitsAssigned.Add(ctx, 1, metric.WithAttributes(attribute.Int("reader_id", readerID)))
}

func (m *enumeratorMetrics) IncSplitsReturned(ctx context.Context, count int) {
	m.splitsReturned.Add(ctx, int64(count))
}

func (m *enumeratorMetrics) IncNoMoreSplitsSignals(ctx context.Context) { m.noMoreSplits.Add(ctx, 1) }

func (m *enumeratorMetrics) IncStaleDeliveries(ctx context.Context) { m.staleDeliveries.Add(ctx, 1) }
