package enumeration

import (
	"slices"
)

// Assignment is one split bound for one reader.
type Assignment struct {
	ReaderID int
	Split    SourceSplit
}

// RequestResult is the outcome of a reader asking for work.
type RequestResult int

const (
	// RequestAssigned means a split was popped for the reader.
	RequestAssigned RequestResult = iota
	// RequestNoMoreSplits means the scan is exhausted and the reader has no work left.
	RequestNoMoreSplits
	// RequestWaiting means the reader was parked until the next discovery round.
	RequestWaiting
)

// AssignmentState tracks every generated but undelivered split and decides
// which reader receives it. It is not safe for concurrent use; a single
// coordinator owns it.
//
// Methods taking a readers argument expect the host's currently registered
// reader ids in any order.
type AssignmentState struct {
	mode BucketMode

	nextSnapshotID int64
	// pending holds per-reader queues (FIXED mode only).
	pending map[int][]SourceSplit
	// pool holds the global UNAWARE queue, and in FIXED mode the splits
	// discovered while no reader was registered.
	pool        []SourceSplit
	waiting     map[int]struct{}
	bucketOwner map[bucketKey]int
	cursor      int
	exhausted   bool
}

// NewAssignmentState creates state for mode seeded with initial splits, which
// are typically restored from a checkpoint. Initial splits are queued ahead
// of anything discovered later.
func NewAssignmentState(mode BucketMode, initial []SourceSplit) *AssignmentState {
	return &AssignmentState{
		mode:        mode,
		pending:     make(map[int][]SourceSplit),
		pool:        slices.Clone(initial),
		waiting:     make(map[int]struct{}),
		bucketOwner: make(map[bucketKey]int),
	}
}

// Getters for AssignmentState.
func (a *AssignmentState) Mode() BucketMode       { return a.mode }
func (a *AssignmentState) NextSnapshotID() int64  { return a.nextSnapshotID }
func (a *AssignmentState) Exhausted() bool        { return a.exhausted }
func (a *AssignmentState) Cursor() int            { return a.cursor }
func (a *AssignmentState) PendingCount(r int) int { return len(a.pending[r]) }
func (a *AssignmentState) PoolSize() int          { return len(a.pool) }

// SetNextSnapshotID moves the discovery position.
func (a *AssignmentState) SetNextSnapshotID(id int64) { a.nextSnapshotID = id }

// IsWaiting reports whether readerID is parked.
func (a *AssignmentState) IsWaiting(readerID int) bool {
	_, ok := a.waiting[readerID]
	return ok
}

// WaitingReaders returns the parked readers in ascending id order.
func (a *AssignmentState) WaitingReaders() []int {
	out := make([]int, 0, len(a.waiting))
	for r := range a.waiting {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}

// BucketOwner returns the reader pinned to (partition, bucket), if any.
func (a *AssignmentState) BucketOwner(partition string, bucket int) (int, bool) {
	r, ok := a.bucketOwner[bucketKey{partition: partition, bucket: bucket}]
	return r, ok
}

// HasSplits reports whether any split is waiting for delivery.
func (a *AssignmentState) HasSplits() bool {
	if len(a.pool) > 0 {
		return true
	}
	for _, q := range a.pending {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// AddDiscovered applies one discovery round. Either all of splits become
// visible or none do: the method has no failure path after it starts
// mutating. Parked readers that now have work are serviced and the resulting
// assignments are returned for delivery.
func (a *AssignmentState) AddDiscovered(splits []SourceSplit, readers []int) []Assignment {
	readers = sortedReaders(readers)

	switch a.mode {
	case BucketFixed:
		a.routeUnassigned(readers)
		for _, s := range splits {
			a.route(s, readers)
		}
	default:
		a.pool = append(a.pool, splits...)
	}

	return a.serviceWaiting(readers)
}

// Request handles one split request from readerID. At most one split is
// handed out per request.
func (a *AssignmentState) Request(readerID int, readers []int) (Assignment, RequestResult) {
	readers = sortedReaders(readers)
	a.routeUnassigned(readers)

	if s, ok := a.pop(readerID); ok {
		delete(a.waiting, readerID)
		a.advanceCursor(len(readers))
		return Assignment{ReaderID: readerID, Split: s}, RequestAssigned
	}

	if a.exhausted {
		delete(a.waiting, readerID)
		return Assignment{}, RequestNoMoreSplits
	}

	a.waiting[readerID] = struct{}{}
	return Assignment{}, RequestWaiting
}

// AddSplitsBack returns splits a reader received but never completed. They
// go to the front of the reader's queue (FIXED) or of the global pool
// (UNAWARE) in their original order. Parked readers are serviced afterwards.
func (a *AssignmentState) AddSplitsBack(readerID int, splits []SourceSplit, readers []int) []Assignment {
	readers = sortedReaders(readers)

	returned := slices.Clone(splits)
	switch a.mode {
	case BucketFixed:
		a.pending[readerID] = append(returned, a.pending[readerID]...)
	default:
		a.pool = append(returned, a.pool...)
	}

	return a.serviceWaiting(readers)
}

// Requeue undoes an assignment whose delivery failed. The split goes back to
// the front of the queue it was taken from and the reader, still owed a
// reply, is parked again. Unlike AddSplitsBack it does not service parked
// readers.
func (a *AssignmentState) Requeue(readerID int, s SourceSplit, readers []int) {
	readers = sortedReaders(readers)
	if _, found := slices.BinarySearch(readers, readerID); found {
		a.waiting[readerID] = struct{}{}
	}

	if a.mode == BucketFixed {
		a.pending[readerID] = append([]SourceSplit{s}, a.pending[readerID]...)
		return
	}
	a.pool = append([]SourceSplit{s}, a.pool...)
	if n := len(readers); n > 0 {
		a.cursor = (a.cursor + n - 1) % n
	}
}

// MarkExhausted records end of input. Parked readers that can still be
// served are returned as assignments; every registered reader left without
// work is returned for a no-more-splits signal and no reader stays parked.
func (a *AssignmentState) MarkExhausted(readers []int) ([]Assignment, []int) {
	readers = sortedReaders(readers)
	a.exhausted = true
	a.routeUnassigned(readers)

	assignments := a.serviceWaiting(readers)

	var finished []int
	for _, r := range readers {
		if !a.hasWork(r) {
			finished = append(finished, r)
		}
	}
	clear(a.waiting)

	return assignments, finished
}

// Remaining lists every undelivered split: reader queues in ascending reader
// order followed by the pool.
func (a *AssignmentState) Remaining() []SourceSplit {
	ids := make([]int, 0, len(a.pending))
	for r := range a.pending {
		ids = append(ids, r)
	}
	slices.Sort(ids)

	var out []SourceSplit
	for _, r := range ids {
		out = append(out, a.pending[r]...)
	}
	return append(out, a.pool...)
}

func (a *AssignmentState) route(s SourceSplit, readers []int) {
	key := bucketKey{partition: s.Split.Partition, bucket: s.Split.Bucket}
	owner, ok := a.bucketOwner[key]
	if !ok {
		if len(readers) == 0 {
			a.pool = append(a.pool, s)
			return
		}
		owner = readers[Channel(key.partition, key.bucket, len(readers))]
		a.bucketOwner[key] = owner
	}
	a.pending[owner] = append(a.pending[owner], s)
}

// routeUnassigned moves FIXED-mode splits parked while no reader was
// registered onto their owners' queues, oldest first.
func (a *AssignmentState) routeUnassigned(readers []int) {
	if a.mode != BucketFixed || len(a.pool) == 0 || len(readers) == 0 {
		return
	}
	parked := a.pool
	a.pool = nil
	for _, s := range parked {
		a.route(s, readers)
	}
}

// serviceWaiting hands parked readers the work now available. In UNAWARE
// mode the scan starts at the cursor and the cursor moves by one reader for
// every split delivered.
func (a *AssignmentState) serviceWaiting(readers []int) []Assignment {
	for r := range a.waiting {
		if _, found := slices.BinarySearch(readers, r); !found {
			delete(a.waiting, r)
		}
	}
	if len(a.waiting) == 0 {
		return nil
	}

	var out []Assignment
	switch a.mode {
	case BucketFixed:
		for _, r := range a.WaitingReaders() {
			if s, ok := a.pop(r); ok {
				delete(a.waiting, r)
				out = append(out, Assignment{ReaderID: r, Split: s})
			}
		}
	default:
		n := len(readers)
		start := a.cursor % n
		for i := 0; i < n && len(a.pool) > 0; i++ {
			r := readers[(start+i)%n]
			if _, ok := a.waiting[r]; !ok {
				continue
			}
			s, _ := a.pop(r)
			delete(a.waiting, r)
			a.advanceCursor(n)
			out = append(out, Assignment{ReaderID: r, Split: s})
		}
	}
	return out
}

func (a *AssignmentState) pop(readerID int) (SourceSplit, bool) {
	if a.mode == BucketFixed {
		q := a.pending[readerID]
		if len(q) == 0 {
			return SourceSplit{}, false
		}
		s := q[0]
		if len(q) == 1 {
			delete(a.pending, readerID)
		} else {
			a.pending[readerID] = q[1:]
		}
		return s, true
	}

	if len(a.pool) == 0 {
		return SourceSplit{}, false
	}
	s := a.pool[0]
	a.pool = a.pool[1:]
	return s, true
}

func (a *AssignmentState) hasWork(readerID int) bool {
	if a.mode == BucketFixed {
		return len(a.pending[readerID]) > 0
	}
	return len(a.pool) > 0
}

// advanceCursor moves the UNAWARE round-robin cursor by one reader.
func (a *AssignmentState) advanceCursor(n int) {
	if a.mode == BucketFixed || n == 0 {
		return
	}
	a.cursor = (a.cursor + 1) % n
}

func sortedReaders(readers []int) []int {
	out := slices.Clone(readers)
	slices.Sort(out)
	return slices.Compact(out)
}
