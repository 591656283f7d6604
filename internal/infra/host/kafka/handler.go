package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/pkg/common/logger"
)

// SplitRequestHandler is the enumerator surface driven by reader events.
type SplitRequestHandler interface {
	HandleSplitRequest(ctx context.Context, readerID int, hostname string) error
	AddSplitsBack(ctx context.Context, splits []enumeration.SourceSplit, readerID int) error
}

var _ sarama.ConsumerGroupHandler = (*ReaderEventHandler)(nil)

// ReaderEventHandler consumes reader events and applies them to the host
// registry and the enumerator.
type ReaderEventHandler struct {
	host       *SplitHost
	enumerator SplitRequestHandler

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics HostMetrics
}

// NewReaderEventHandler creates a consumer group handler for reader events.
func NewReaderEventHandler(
	host *SplitHost,
	enumerator SplitRequestHandler,
	logger *logger.Logger,
	metrics HostMetrics,
	tracer trace.Tracer,
) *ReaderEventHandler {
	return &ReaderEventHandler{
		host:       host,
		enumerator: enumerator,
		logger:     logger.With("component", "reader_event_handler"),
		tracer:     tracer,
		metrics:    metrics,
	}
}

// Consume runs consumer group sessions on topic until ctx is cancelled.
func (h *ReaderEventHandler) Consume(ctx context.Context, group sarama.ConsumerGroup, topic string) error {
	for {
		if err := group.Consume(ctx, []string{topic}, h); err != nil {
			h.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (h *ReaderEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *ReaderEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(sess.Context(), "Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim applies every message of the claim in order. Messages that
// fail to decode or apply are logged and marked so they are not redelivered.
func (h *ReaderEventHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		msgCtx := extractTraceContext(sess.Context(), msg)
		msgCtx, span := startConsumerSpan(msgCtx, msg, h.tracer)

		if err := h.handleMessage(msgCtx, msg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to handle reader event")
			h.metrics.IncConsumeError(msgCtx, msg.Topic)
			h.logger.Error(msgCtx, "Failed to handle reader event",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		} else {
			h.metrics.IncMessageConsumed(msgCtx, msg.Topic)
		}

		sess.MarkMessage(msg, "")
		span.End()
	}
	return nil
}

func (h *ReaderEventHandler) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	evt, err := UnmarshalReaderEvent(msg.Value)
	if err != nil {
		return fmt.Errorf("failed to decode reader event: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("event_kind", evt.Kind.String()),
		attribute.Int("reader_id", evt.ReaderID),
	)

	switch evt.Kind {
	case ReaderEventRegistered:
		h.host.RegisterReader(ctx, evt.ReaderID, evt.Hostname)
		return nil
	case ReaderEventDeregistered:
		h.host.DeregisterReader(ctx, evt.ReaderID)
		return nil
	case ReaderEventSplitRequest:
		return h.enumerator.HandleSplitRequest(ctx, evt.ReaderID, evt.Hostname)
	case ReaderEventSplitsReturned:
		return h.enumerator.AddSplitsBack(ctx, evt.Splits, evt.ReaderID)
	default:
		return fmt.Errorf("%w: unknown reader event kind %d", ErrMalformedMessage, evt.Kind)
	}
}
