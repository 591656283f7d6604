// Package kafka implements the split enumerator host on top of Kafka.
// Assignments flow to readers over one topic; reader lifecycle events and
// split requests flow back over another.
package kafka

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/pkg/common/logger"
)

var _ enumeration.SplitEnumeratorContext = (*SplitHost)(nil)

// FailureHandler is invoked once when the enumerator reports an
// unrecoverable error.
type FailureHandler func(ctx context.Context, err error)

// readerInfo describes a registered reader.
type readerInfo struct {
	hostname string
}

// SplitHost tracks registered readers and publishes their assignments.
// It is safe for concurrent use.
type SplitHost struct {
	producer        sarama.SyncProducer
	assignmentTopic string

	mu      sync.RWMutex
	readers map[int]readerInfo

	failOnce sync.Once
	onFail   FailureHandler

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics HostMetrics
}

// NewSplitHost creates a host publishing to cfg.AssignmentTopic through producer.
func NewSplitHost(
	cfg *Config,
	producer sarama.SyncProducer,
	onFail FailureHandler,
	logger *logger.Logger,
	metrics HostMetrics,
	tracer trace.Tracer,
) *SplitHost {
	return &SplitHost{
		producer:        producer,
		assignmentTopic: cfg.AssignmentTopic,
		readers:         make(map[int]readerInfo),
		onFail:          onFail,
		logger:          logger.With("component", "kafka_split_host"),
		tracer:          tracer,
		metrics:         metrics,
	}
}

// RegisterReader records readerID as alive. Registering twice updates the hostname.
func (h *SplitHost) RegisterReader(ctx context.Context, readerID int, hostname string) {
	h.mu.Lock()
	h.readers[readerID] = readerInfo{hostname: hostname}
	n := len(h.readers)
	h.mu.Unlock()

	h.metrics.SetRegisteredReaders(ctx, n)
	h.logger.Info(ctx, "Reader registered", "reader_id", readerID, "hostname", hostname)
}

// DeregisterReader forgets readerID. Later deliveries to it fail with
// enumeration.ErrReaderNotRegistered.
func (h *SplitHost) DeregisterReader(ctx context.Context, readerID int) {
	h.mu.Lock()
	delete(h.readers, readerID)
	n := len(h.readers)
	h.mu.Unlock()

	h.metrics.SetRegisteredReaders(ctx, n)
	h.logger.Info(ctx, "Reader deregistered", "reader_id", readerID)
}

// RegisteredReaders returns the registered reader ids in ascending order.
func (h *SplitHost) RegisteredReaders() []int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]int, 0, len(h.readers))
	for id := range h.readers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// IsRegistered reports whether readerID is registered.
func (h *SplitHost) IsRegistered(readerID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.readers[readerID]
	return ok
}

// AssignSplits publishes splits to readerID.
func (h *SplitHost) AssignSplits(ctx context.Context, readerID int, splits []enumeration.SourceSplit) error {
	if !h.IsRegistered(readerID) {
		return fmt.Errorf("reader %d: %w", readerID, enumeration.ErrReaderNotRegistered)
	}
	return h.publish(ctx, AssignmentMessage{
		Kind:     AssignmentKindSplits,
		ReaderID: readerID,
		Splits:   splits,
	})
}

// SignalNoMoreSplits publishes the end-of-input marker to readerID.
func (h *SplitHost) SignalNoMoreSplits(ctx context.Context, readerID int) error {
	if !h.IsRegistered(readerID) {
		return fmt.Errorf("reader %d: %w", readerID, enumeration.ErrReaderNotRegistered)
	}
	return h.publish(ctx, AssignmentMessage{Kind: AssignmentKindNoMoreSplits, ReaderID: readerID})
}

// Fail hands err to the failure handler. Only the first failure is reported.
func (h *SplitHost) Fail(ctx context.Context, err error) {
	h.failOnce.Do(func() {
		h.logger.Error(ctx, "Enumerator failed", "error", err)
		if h.onFail != nil {
			h.onFail(ctx, err)
		}
	})
}

func (h *SplitHost) publish(ctx context.Context, m AssignmentMessage) error {
	topic := h.assignmentTopic
	ctx, span := startProducerSpan(ctx, topic, h.tracer)
	defer span.End()

	span.SetAttributes(
		attribute.Int("reader_id", m.ReaderID),
		attribute.Int("split_count", len(m.Splits)),
	)

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(strconv.Itoa(m.ReaderID)),
		Value: sarama.ByteEncoder(MarshalAssignment(m)),
	}
	injectTraceContext(ctx, msg)

	partition, offset, err := h.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish assignment")
		h.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	h.metrics.IncMessagePublished(ctx, topic)
	h.logger.Debug(ctx, "Published assignment",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"reader_id", m.ReaderID,
		"split_count", len(m.Splits),
	)
	return nil
}
