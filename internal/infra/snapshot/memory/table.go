// Package memory provides an in-memory table whose snapshot directory and
// scan planner are served from process memory. It is suitable for tests and
// local development where no object store is available.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ahrav/lakescan/internal/domain/snapshot"
)

var (
	_ snapshot.Directory       = (*Table)(nil)
	_ snapshot.StatefulPlanner = (*Table)(nil)
)

type commit struct {
	snap   snapshot.Snapshot
	splits []snapshot.DataSplit
}

// Table is an append-only sequence of commits. It is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	commits []commit
	// nextID is the id of the next commit; ids survive expiration.
	nextID int64
	// lastPlanned is planner bookkeeping exposed through CheckpointState.
	lastPlanned int64
	now         func() time.Time
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{nextID: 1, now: func() time.Time { return time.Now().UTC() }}
}

// Commit publishes a snapshot of kind holding splits and returns it. The
// splits' snapshot ids are overwritten with the new snapshot id.
func (t *Table) Commit(kind snapshot.CommitKind, watermark *int64, splits ...snapshot.DataSplit) snapshot.Snapshot {
	return t.CommitAt(t.now(), kind, watermark, splits...)
}

// CommitAt is Commit with an explicit commit time.
func (t *Table) CommitAt(at time.Time, kind snapshot.CommitKind, watermark *int64, splits ...snapshot.DataSplit) snapshot.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := snapshot.Snapshot{ID: t.nextID, CommittedAt: at, Watermark: watermark, Kind: kind}
	t.nextID++

	owned := make([]snapshot.DataSplit, len(splits))
	for i, s := range splits {
		s.SnapshotID = snap.ID
		s.Files = slices.Clone(s.Files)
		owned[i] = s
	}
	t.commits = append(t.commits, commit{snap: snap, splits: owned})
	return snap
}

// Expire drops every snapshot with an id below id.
func (t *Table) Expire(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := sort.Search(len(t.commits), func(i int) bool { return t.commits[i].snap.ID >= id })
	t.commits = slices.Clone(t.commits[idx:])
}

// LatestSnapshot implements snapshot.Directory.
func (t *Table) LatestSnapshot(context.Context) (snapshot.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.commits) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
	}
	return t.commits[len(t.commits)-1].snap, nil
}

// EarliestSnapshot implements snapshot.Directory.
func (t *Table) EarliestSnapshot(context.Context) (snapshot.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.commits) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
	}
	return t.commits[0].snap, nil
}

// LatestSnapshotAtOrBefore implements snapshot.Directory.
func (t *Table) LatestSnapshotAtOrBefore(_ context.Context, ts time.Time) (snapshot.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for i := len(t.commits) - 1; i >= 0; i-- {
		if !t.commits[i].snap.CommittedAt.After(ts) {
			return t.commits[i].snap, nil
		}
	}
	return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
}

// Snapshot implements snapshot.Directory.
func (t *Table) Snapshot(_ context.Context, id int64) (snapshot.Snapshot, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	c, ok := t.find(id)
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("snapshot %d: %w", id, snapshot.ErrSnapshotNotFound)
	}
	return c.snap, nil
}

// Plan returns the splits committed by snapshot id. Compaction commits plan
// to zero splits.
func (t *Table) Plan(_ context.Context, id int64) (snapshot.PlanOutcome, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id >= t.nextID {
		return snapshot.SnapshotNotReady{SnapshotID: id}, nil
	}
	c, ok := t.find(id)
	if !ok {
		return nil, fmt.Errorf("snapshot %d: %w", id, snapshot.ErrSnapshotExpired)
	}
	t.lastPlanned = id

	plan := snapshot.Plan{SnapshotID: id, Watermark: c.snap.Watermark}
	if c.snap.Kind == snapshot.CommitCompact {
		return snapshot.Planned{Plan: plan}, nil
	}
	for _, s := range c.splits {
		s.IsStreaming = true
		plan.Splits = append(plan.Splits, s)
	}
	return snapshot.Planned{Plan: plan}, nil
}

// PlanFull merges every retained append up to id into one split per
// (partition, bucket). An overwrite discards earlier files of the partitions
// it touches.
func (t *Table) PlanFull(_ context.Context, id int64) (snapshot.Plan, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.find(id)
	if !ok {
		return snapshot.Plan{}, fmt.Errorf("snapshot %d: %w", id, snapshot.ErrSnapshotNotFound)
	}
	t.lastPlanned = id

	type key struct {
		partition string
		bucket    int
	}
	files := make(map[key][]snapshot.DataFile)
	var order []key
	for _, c := range t.commits {
		if c.snap.ID > id {
			break
		}
		switch c.snap.Kind {
		case snapshot.CommitCompact:
			continue
		case snapshot.CommitOverwrite:
			for _, s := range c.splits {
				for k := range files {
					if k.partition == s.Partition {
						files[k] = nil
					}
				}
			}
		}
		for _, s := range c.splits {
			k := key{partition: s.Partition, bucket: s.Bucket}
			if _, seen := files[k]; !seen {
				order = append(order, k)
			}
			files[k] = append(files[k], s.Files...)
		}
	}

	plan := snapshot.Plan{SnapshotID: id, Watermark: target.snap.Watermark}
	for _, k := range order {
		if len(files[k]) == 0 {
			continue
		}
		plan.Splits = append(plan.Splits, snapshot.DataSplit{
			SnapshotID: id,
			Partition:  k.partition,
			Bucket:     k.bucket,
			Files:      files[k],
		})
	}
	return plan, nil
}

// ListPartitions returns the distinct partitions of retained commits in
// ascending order.
func (t *Table) ListPartitions(context.Context) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var parts []string
	for _, c := range t.commits {
		for _, s := range c.splits {
			parts = append(parts, s.Partition)
		}
	}
	slices.Sort(parts)
	return slices.Compact(parts), nil
}

type plannerState struct {
	LastPlanned int64 `json:"last_planned"`
}

// CheckpointState implements snapshot.StatefulPlanner.
func (t *Table) CheckpointState() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return json.Marshal(plannerState{LastPlanned: t.lastPlanned})
}

// RestoreState implements snapshot.StatefulPlanner.
func (t *Table) RestoreState(state []byte) error {
	var ps plannerState
	if err := json.Unmarshal(state, &ps); err != nil {
		return fmt.Errorf("%w: planner state: %v", snapshot.ErrCorruptMetadata, err)
	}
	t.mu.Lock()
	t.lastPlanned = ps.LastPlanned
	t.mu.Unlock()
	return nil
}

// LastPlanned returns the last snapshot id the table planned.
func (t *Table) LastPlanned() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastPlanned
}

func (t *Table) find(id int64) (commit, bool) {
	idx, ok := slices.BinarySearchFunc(t.commits, id, func(c commit, id int64) int {
		switch {
		case c.snap.ID < id:
			return -1
		case c.snap.ID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return commit{}, false
	}
	return t.commits[idx], true
}
