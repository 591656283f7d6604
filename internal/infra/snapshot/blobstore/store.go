package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/lakescan/internal/domain/snapshot"
	"github.com/ahrav/lakescan/pkg/common"
)

var (
	_ snapshot.Directory = (*Store)(nil)
	_ snapshot.Planner   = (*Store)(nil)
)

const defaultReadConcurrency = 8

// Store reads snapshots and manifests of one table from a bucket. It is
// safe for concurrent use.
type Store struct {
	bucket  *blob.Bucket
	prefix  string
	limiter *common.RateLimiter
	decoder *zstd.Decoder

	readConcurrency int

	tracer trace.Tracer
}

// Option configures a Store.
type Option func(*Store)

// WithRateLimiter throttles object reads.
func WithRateLimiter(l *common.RateLimiter) Option {
	return func(s *Store) { s.limiter = l }
}

// WithReadConcurrency bounds how many manifests a single plan reads at once.
func WithReadConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.readConcurrency = n
		}
	}
}

// NewStore creates a Store for the table rooted at prefix in bucket. The
// bucket stays owned by the caller.
func NewStore(bucket *blob.Bucket, prefix string, tracer trace.Tracer, opts ...Option) (*Store, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	s := &Store{
		bucket:          bucket,
		prefix:          strings.Trim(prefix, "/"),
		decoder:         dec,
		readConcurrency: defaultReadConcurrency,
		tracer:          tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases decoder resources.
func (s *Store) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
}

// LatestSnapshot implements snapshot.Directory.
func (s *Store) LatestSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	ids, err := s.listSnapshotIDs(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if len(ids) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
	}
	return s.Snapshot(ctx, ids[len(ids)-1])
}

// EarliestSnapshot implements snapshot.Directory.
func (s *Store) EarliestSnapshot(ctx context.Context) (snapshot.Snapshot, error) {
	ids, err := s.listSnapshotIDs(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	if len(ids) == 0 {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
	}
	return s.Snapshot(ctx, ids[0])
}

// LatestSnapshotAtOrBefore implements snapshot.Directory. Commit times grow
// with ids, so the lookup is a binary search over the retained ids.
func (s *Store) LatestSnapshotAtOrBefore(ctx context.Context, ts time.Time) (snapshot.Snapshot, error) {
	ids, err := s.listSnapshotIDs(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	var (
		found snapshot.Snapshot
		ok    bool
	)
	lo, hi := 0, len(ids)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		snap, err := s.Snapshot(ctx, ids[mid])
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		if snap.CommittedAt.After(ts) {
			hi = mid - 1
			continue
		}
		found, ok = snap, true
		lo = mid + 1
	}
	if !ok {
		return snapshot.Snapshot{}, snapshot.ErrSnapshotNotFound
	}
	return found, nil
}

// Snapshot implements snapshot.Directory.
func (s *Store) Snapshot(ctx context.Context, id int64) (snapshot.Snapshot, error) {
	doc, err := s.readSnapshot(ctx, id)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	return doc.snapshot(), nil
}

// Plan implements snapshot.Planner. It reads the snapshot's delta manifests
// and emits one streaming split per (partition, bucket) of added files.
func (s *Store) Plan(ctx context.Context, id int64) (snapshot.PlanOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.plan",
		trace.WithAttributes(
			attribute.String("prefix", s.prefix),
			attribute.Int64("snapshot_id", id),
		))
	defer span.End()

	doc, err := s.readSnapshot(ctx, id)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		// Either not committed yet or already expired.
		ids, lerr := s.listSnapshotIDs(ctx)
		if lerr != nil {
			span.RecordError(lerr)
			span.SetStatus(codes.Error, "failed to list snapshots")
			return nil, lerr
		}
		if len(ids) == 0 || id > ids[len(ids)-1] {
			span.AddEvent("snapshot_not_ready")
			return snapshot.SnapshotNotReady{SnapshotID: id}, nil
		}
		err = fmt.Errorf("snapshot %d: %w", id, snapshot.ErrSnapshotExpired)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read snapshot")
		return nil, err
	}

	plan := snapshot.Plan{SnapshotID: id, Watermark: doc.Watermark}
	if doc.Kind == snapshot.CommitCompact {
		span.AddEvent("compaction_skipped")
		span.SetStatus(codes.Ok, "compaction snapshot planned")
		return snapshot.Planned{Plan: plan}, nil
	}

	entries, err := s.readManifests(ctx, doc.DeltaManifests)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read delta manifests")
		return nil, err
	}
	plan.Splits = groupSplits(id, liveFiles(entries, true), true)

	span.SetAttributes(attribute.Int("split_count", len(plan.Splits)))
	span.SetStatus(codes.Ok, "snapshot planned")
	return snapshot.Planned{Plan: plan}, nil
}

// PlanFull implements snapshot.Planner. It merges base and delta manifests
// into the set of files live at the snapshot.
func (s *Store) PlanFull(ctx context.Context, id int64) (snapshot.Plan, error) {
	ctx, span := s.tracer.Start(ctx, "blobstore.plan_full",
		trace.WithAttributes(
			attribute.String("prefix", s.prefix),
			attribute.Int64("snapshot_id", id),
		))
	defer span.End()

	doc, err := s.readSnapshot(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read snapshot")
		return snapshot.Plan{}, err
	}

	entries, err := s.readManifests(ctx, append(slices.Clone(doc.BaseManifests), doc.DeltaManifests...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read manifests")
		return snapshot.Plan{}, err
	}

	plan := snapshot.Plan{
		SnapshotID: id,
		Watermark:  doc.Watermark,
		Splits:     groupSplits(id, liveFiles(entries, false), false),
	}
	span.SetAttributes(attribute.Int("split_count", len(plan.Splits)))
	span.SetStatus(codes.Ok, "snapshot fully planned")
	return plan, nil
}

// ListPartitions implements snapshot.Planner using the latest snapshot.
func (s *Store) ListPartitions(ctx context.Context) ([]string, error) {
	latest, err := s.LatestSnapshot(ctx)
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plan, err := s.PlanFull(ctx, latest.ID)
	if err != nil {
		return nil, err
	}

	parts := make([]string, 0, len(plan.Splits))
	for _, sp := range plan.Splits {
		parts = append(parts, sp.Partition)
	}
	slices.Sort(parts)
	return slices.Compact(parts), nil
}

func (s *Store) listSnapshotIDs(ctx context.Context) ([]int64, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	var ids []int64
	iter := s.bucket.List(&blob.ListOptions{
		Prefix: path.Join(s.prefix, snapshotDir) + "/",
	})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		if id, ok := parseSnapshotKey(obj.Key); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) readSnapshot(ctx context.Context, id int64) (snapshotDocument, error) {
	data, err := s.read(ctx, snapshotKey(s.prefix, id))
	if err != nil {
		return snapshotDocument{}, fmt.Errorf("read snapshot %d: %w", id, err)
	}

	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return snapshotDocument{}, fmt.Errorf("%w: snapshot %d: %v", snapshot.ErrCorruptMetadata, id, err)
	}
	if doc.ID != id {
		return snapshotDocument{}, fmt.Errorf("%w: snapshot file %d holds id %d", snapshot.ErrCorruptMetadata, id, doc.ID)
	}
	if err := doc.snapshot().Validate(); err != nil {
		return snapshotDocument{}, err
	}
	return doc, nil
}

// readManifests reads every manifest concurrently and returns their entries
// in manifest order.
func (s *Store) readManifests(ctx context.Context, names []string) ([]ManifestEntry, error) {
	results := make([][]ManifestEntry, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.readConcurrency)
	for i, name := range names {
		g.Go(func() error {
			entries, err := s.readManifest(gctx, name)
			if err != nil {
				return err
			}
			results[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []ManifestEntry
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (s *Store) readManifest(ctx context.Context, name string) ([]ManifestEntry, error) {
	data, err := s.read(ctx, manifestKey(s.prefix, name))
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("%w: manifest %s is missing", snapshot.ErrCorruptMetadata, name)
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", name, err)
	}

	if strings.HasSuffix(name, zstdSuffix) {
		if data, err = s.decoder.DecodeAll(data, nil); err != nil {
			return nil, fmt.Errorf("%w: manifest %s: zstd decompress: %v", snapshot.ErrCorruptMetadata, name, err)
		}
	}

	var entries []ManifestEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", snapshot.ErrCorruptMetadata, name, err)
	}
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", name, err)
		}
	}
	return entries, nil
}

// read fetches one object. Missing objects map to ErrSnapshotNotFound.
func (s *Store) read(ctx context.Context, key string) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, snapshot.ErrSnapshotNotFound
	}
	return data, err
}

func (s *Store) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Wait(ctx)
}

type fileKey struct {
	partition string
	bucket    int
}

type bucketFiles struct {
	key   fileKey
	files []snapshot.DataFile
}

// liveFiles applies entries in order. With addsOnly, deletes are ignored so
// a delta yields exactly the files it added.
func liveFiles(entries []ManifestEntry, addsOnly bool) []bucketFiles {
	var (
		order []fileKey
		live  = make(map[fileKey][]snapshot.DataFile)
	)
	for _, e := range entries {
		k := fileKey{partition: e.Partition, bucket: e.Bucket}
		switch e.Kind {
		case EntryAdd:
			if _, seen := live[k]; !seen {
				order = append(order, k)
			}
			live[k] = append(live[k], e.File)
		case EntryDelete:
			if addsOnly {
				continue
			}
			live[k] = slices.DeleteFunc(live[k], func(f snapshot.DataFile) bool { return f.Name == e.File.Name })
		}
	}

	out := make([]bucketFiles, 0, len(order))
	for _, k := range order {
		if len(live[k]) > 0 {
			out = append(out, bucketFiles{key: k, files: live[k]})
		}
	}
	return out
}

func groupSplits(id int64, groups []bucketFiles, streaming bool) []snapshot.DataSplit {
	splits := make([]snapshot.DataSplit, 0, len(groups))
	for _, g := range groups {
		splits = append(splits, snapshot.DataSplit{
			SnapshotID:  id,
			Partition:   g.key.partition,
			Bucket:      g.key.bucket,
			Files:       g.files,
			IsStreaming: streaming,
		})
	}
	return splits
}
