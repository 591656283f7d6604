package enumeration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/pkg/common/logger"
)

const (
	defaultCheckpointInterval = 30 * time.Second
	finalCheckpointTimeout    = 10 * time.Second
)

// StateSnapshotter produces the state a host persists to resume a scan.
type StateSnapshotter interface {
	SnapshotState(ctx context.Context) (*enumeration.PendingSplitsCheckpoint, error)
}

// Checkpointer periodically persists enumerator state for one job.
type Checkpointer struct {
	jobID    string
	source   StateSnapshotter
	repo     enumeration.CheckpointRepository
	interval time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCheckpointer creates a Checkpointer saving every interval. A
// non-positive interval uses the default of 30s.
func NewCheckpointer(
	jobID string,
	source StateSnapshotter,
	repo enumeration.CheckpointRepository,
	interval time.Duration,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Checkpointer {
	if interval <= 0 {
		interval = defaultCheckpointInterval
	}
	return &Checkpointer{
		jobID:    jobID,
		source:   source,
		repo:     repo,
		interval: interval,
		logger:   logger.With("component", "checkpointer", "job_id", jobID),
		tracer:   tracer,
	}
}

// LoadCheckpoint returns the persisted checkpoint of jobID, or nil when the
// job has never checkpointed.
func LoadCheckpoint(
	ctx context.Context,
	repo enumeration.CheckpointRepository,
	jobID string,
) (*enumeration.PendingSplitsCheckpoint, error) {
	cp, err := repo.Load(ctx, jobID)
	if errors.Is(err, enumeration.ErrCheckpointNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
	}
	return cp, nil
}

// Run saves a checkpoint every interval until ctx is done, then saves a
// final one. Failed periodic saves are logged and retried on the next tick.
func (c *Checkpointer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalCheckpointTimeout)
			defer cancel()
			if err := c.SaveNow(finalCtx); err != nil && !errors.Is(err, enumeration.ErrEnumeratorClosed) {
				return fmt.Errorf("failed to save final checkpoint: %w", err)
			}
			return nil
		case <-ticker.C:
			if err := c.SaveNow(ctx); err != nil {
				c.logger.Warn(ctx, "Periodic checkpoint failed", "error", err)
			}
		}
	}
}

// SaveNow captures and persists the current state.
func (c *Checkpointer) SaveNow(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "checkpointer.save",
		trace.WithAttributes(attribute.String("job_id", c.jobID)))
	defer span.End()

	cp, err := c.source.SnapshotState(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to snapshot state")
		return err
	}
	span.SetAttributes(
		attribute.Int64("snapshot_id", cp.CurrentSnapshotID),
		attribute.Int("split_count", len(cp.Splits)),
	)

	if err := c.repo.Save(ctx, c.jobID, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to save checkpoint")
		return err
	}

	c.logger.Debug(ctx, "Checkpoint saved",
		"snapshot_id", cp.CurrentSnapshotID,
		"split_count", len(cp.Splits),
	)
	span.SetStatus(codes.Ok, "checkpoint saved")
	return nil
}
