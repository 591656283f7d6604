package snapshot

// Plan is the result of planning one snapshot.
type Plan struct {
	SnapshotID int64
	Watermark  *int64
	Splits     []DataSplit
}

// PlanOutcome is the closed set of results a Planner can produce for an
// incremental plan request. Callers switch over the concrete types:
//
//	switch o := outcome.(type) {
//	case snapshot.Planned:
//	case snapshot.SnapshotNotReady:
//	case snapshot.EndOfInput:
//	}
type PlanOutcome interface{ isPlanOutcome() }

// Planned carries a plan for a snapshot that exists. The plan may hold zero
// splits (for example a compaction commit); the snapshot is still consumed.
type Planned struct{ Plan Plan }

// SnapshotNotReady reports that the requested snapshot has not been committed
// yet. It is a normal outcome: the caller retries later with the same id.
type SnapshotNotReady struct{ SnapshotID int64 }

// EndOfInput reports that a bounded scan has nothing left to plan.
type EndOfInput struct{}

func (Planned) isPlanOutcome()          {}
func (SnapshotNotReady) isPlanOutcome() {}
func (EndOfInput) isPlanOutcome()       {}
