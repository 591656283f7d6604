package kafka

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HostMetrics tracks message traffic between the enumerator and its readers.
type HostMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
	SetRegisteredReaders(ctx context.Context, n int)
}

type hostMetrics struct {
	published         metric.Int64Counter
	consumed          metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
	registeredReaders metric.Int64Gauge
}

// NewHostMetrics creates the Kafka host instruments on mp.
func NewHostMetrics(mp metric.MeterProvider) (*hostMetrics, error) {
	meter := mp.Meter("kafka_split_host", metric.WithInstrumentationVersion("v0.1.0"))

	m := new(hostMetrics)
	var err error

	if m.published, err = meter.Int64Counter("messages_published_total",
		metric.WithDescription("Total number of messages published to readers")); err != nil {
		return nil, err
	}
	if m.consumed, err = meter.Int64Counter("messages_consumed_total",
		metric.WithDescription("Total number of reader events consumed")); err != nil {
		return nil, err
	}
	if m.publishErrors, err = meter.Int64Counter("publish_errors_total",
		metric.WithDescription("Total number of failed publishes")); err != nil {
		return nil, err
	}
	if m.consumeErrors, err = meter.Int64Counter("consume_errors_total",
		metric.WithDescription("Total number of reader events that failed to decode or apply")); err != nil {
		return nil, err
	}
	if m.registeredReaders, err = meter.Int64Gauge("registered_readers",
		metric.WithDescription("Number of currently registered readers")); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *hostMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *hostMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *hostMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *hostMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *hostMetrics) SetRegisteredReaders(ctx context.Context, n int) {
	m.registeredReaders.Record(ctx, int64(n))
}
