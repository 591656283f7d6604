// Package postgres persists enumerator checkpoints in PostgreSQL.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
	"github.com/ahrav/lakescan/internal/infra/storage"
)

var _ enumeration.CheckpointRepository = (*checkpointStore)(nil)

const checkpointTable = "enumerator_checkpoints"

const (
	upsertCheckpointSQL = `
INSERT INTO enumerator_checkpoints (job_id, current_snapshot_id, splits, planner_state)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO UPDATE SET
    current_snapshot_id = EXCLUDED.current_snapshot_id,
    splits              = EXCLUDED.splits,
    planner_state       = EXCLUDED.planner_state,
    updated_at          = NOW()`

	getCheckpointSQL = `
SELECT current_snapshot_id, splits, planner_state
FROM enumerator_checkpoints
WHERE job_id = $1`

	deleteCheckpointSQL = `DELETE FROM enumerator_checkpoints WHERE job_id = $1`
)

// checkpointStore keeps the latest checkpoint of every job in one row.
type checkpointStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewCheckpointStore creates a PostgreSQL-backed checkpoint repository.
func NewCheckpointStore(pool *pgxpool.Pool, tracer trace.Tracer) *checkpointStore {
	return &checkpointStore{pool: pool, tracer: tracer}
}

// Save upserts the checkpoint of jobID. Splits are stored as JSONB so they
// stay inspectable from SQL.
func (s *checkpointStore) Save(ctx context.Context, jobID string, cp *enumeration.PendingSplitsCheckpoint) error {
	attrs := storage.DBAttributes(checkpointTable,
		attribute.String("job_id", jobID),
		attribute.Int64("snapshot_id", cp.CurrentSnapshotID),
		attribute.Int("split_count", len(cp.Splits)),
	)
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.save_enumerator_checkpoint", attrs, func(ctx context.Context) error {
		splits := cp.Splits
		if splits == nil {
			splits = []enumeration.SourceSplit{}
		}
		data, err := json.Marshal(splits)
		if err != nil {
			return fmt.Errorf("failed to marshal pending splits: %w", err)
		}

		if _, err := s.pool.Exec(ctx, upsertCheckpointSQL, jobID, cp.CurrentSnapshotID, data, cp.PlannerState); err != nil {
			return fmt.Errorf("failed to save checkpoint for job %s: %w", jobID, err)
		}
		return nil
	})
}

// Load returns the checkpoint of jobID or enumeration.ErrCheckpointNotFound.
func (s *checkpointStore) Load(ctx context.Context, jobID string) (*enumeration.PendingSplitsCheckpoint, error) {
	var cp *enumeration.PendingSplitsCheckpoint
	attrs := storage.DBAttributes(checkpointTable, attribute.String("job_id", jobID))
	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.load_enumerator_checkpoint", attrs, func(ctx context.Context) error {
		var (
			snapshotID   int64
			splitsJSON   []byte
			plannerState []byte
		)
		err := s.pool.QueryRow(ctx, getCheckpointSQL, jobID).Scan(&snapshotID, &splitsJSON, &plannerState)
		if errors.Is(err, pgx.ErrNoRows) {
			return enumeration.ErrCheckpointNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load checkpoint for job %s: %w", jobID, err)
		}

		var splits []enumeration.SourceSplit
		if err := json.Unmarshal(splitsJSON, &splits); err != nil {
			return fmt.Errorf("failed to unmarshal pending splits of job %s: %w", jobID, err)
		}
		cp = &enumeration.PendingSplitsCheckpoint{
			CurrentSnapshotID: snapshotID,
			Splits:            splits,
			PlannerState:      plannerState,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Delete removes the checkpoint of jobID, if any.
func (s *checkpointStore) Delete(ctx context.Context, jobID string) error {
	attrs := storage.DBAttributes(checkpointTable, attribute.String("job_id", jobID))
	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.delete_enumerator_checkpoint", attrs, func(ctx context.Context) error {
		if _, err := s.pool.Exec(ctx, deleteCheckpointSQL, jobID); err != nil {
			return fmt.Errorf("failed to delete checkpoint for job %s: %w", jobID, err)
		}
		return nil
	})
}
