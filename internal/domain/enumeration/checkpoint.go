package enumeration

import (
	"encoding/json"
	"fmt"
)

// UnresolvedSnapshotID marks a checkpoint taken before discovery resolved a
// starting point.
const UnresolvedSnapshotID int64 = -1

// PendingSplitsCheckpoint is the enumerator state persisted by the host. It
// records the last fully discovered snapshot and every split generated but
// not yet delivered.
type PendingSplitsCheckpoint struct {
	// CurrentSnapshotID is the last snapshot whose splits were all generated.
	// UnresolvedSnapshotID means discovery has not resolved a starting point;
	// zero means discovery resumes at the first snapshot.
	CurrentSnapshotID int64 `json:"current_snapshot_id"`
	// Splits lists undelivered splits, per reader queue order first and then
	// any unrouted splits.
	Splits []SourceSplit `json:"splits"`
	// PlannerState is the planner's opaque bookkeeping, when it keeps any.
	PlannerState []byte `json:"planner_state,omitempty"`
}

// Restored reports whether the checkpoint carries a resolved snapshot position.
func (c *PendingSplitsCheckpoint) Restored() bool { return c.CurrentSnapshotID >= 0 }

// MarshalBinary encodes the checkpoint for storage.
func (c *PendingSplitsCheckpoint) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary decodes a checkpoint produced by MarshalBinary.
func (c *PendingSplitsCheckpoint) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to decode pending splits checkpoint: %w", err)
	}
	for _, s := range c.Splits {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("checkpoint split %q: %w", s.ID, err)
		}
	}
	return nil
}
