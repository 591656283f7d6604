package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"

	"github.com/ahrav/lakescan/internal/domain/snapshot"
)

// Writer commits snapshots in the layout Store reads. It exists for local
// development and tests; it does not arbitrate between concurrent writers.
type Writer struct {
	store    *Store
	encoder  *zstd.Encoder
	compress bool
	now      func() time.Time
}

// NewWriter returns a Writer committing to store's table. With compress set,
// manifests are written zstd compressed.
func NewWriter(store *Store, compress bool) (*Writer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Writer{
		store:    store,
		encoder:  enc,
		compress: compress,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Commit writes entries to a new manifest and publishes the next snapshot.
// The snapshot document is written last so readers never observe a snapshot
// whose manifests are missing.
func (w *Writer) Commit(
	ctx context.Context,
	kind snapshot.CommitKind,
	watermark *int64,
	entries []ManifestEntry,
) (snapshot.Snapshot, error) {
	prev, err := w.latest(ctx)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	name := "manifest-" + uuid.NewString()
	data, err := json.Marshal(entries)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("encode manifest: %w", err)
	}
	if w.compress {
		name += zstdSuffix
		data = w.encoder.EncodeAll(data, nil)
	}
	if err := w.write(ctx, manifestKey(w.store.prefix, name), data); err != nil {
		return snapshot.Snapshot{}, err
	}

	doc := snapshotDocument{
		ID:             prev.ID + 1,
		CommittedAt:    w.now(),
		Watermark:      watermark,
		Kind:           kind,
		BaseManifests:  append(slices.Clone(prev.BaseManifests), prev.DeltaManifests...),
		DeltaManifests: []string{name},
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}
	if err := w.write(ctx, snapshotKey(w.store.prefix, doc.ID), body); err != nil {
		return snapshot.Snapshot{}, err
	}
	return doc.snapshot(), nil
}

// Expire deletes snapshot documents with ids below id. Manifests stay
// because later snapshots reference them as base.
func (w *Writer) Expire(ctx context.Context, id int64) error {
	ids, err := w.store.listSnapshotIDs(ctx)
	if err != nil {
		return err
	}
	for _, old := range ids {
		if old >= id {
			break
		}
		if err := w.store.bucket.Delete(ctx, snapshotKey(w.store.prefix, old)); err != nil {
			return fmt.Errorf("delete snapshot %d: %w", old, err)
		}
	}
	return nil
}

// Close releases encoder resources.
func (w *Writer) Close() error { return w.encoder.Close() }

func (w *Writer) latest(ctx context.Context) (snapshotDocument, error) {
	ids, err := w.store.listSnapshotIDs(ctx)
	if err != nil {
		return snapshotDocument{}, err
	}
	if len(ids) == 0 {
		return snapshotDocument{}, nil
	}
	doc, err := w.store.readSnapshot(ctx, ids[len(ids)-1])
	if errors.Is(err, snapshot.ErrSnapshotNotFound) {
		return snapshotDocument{}, fmt.Errorf("latest snapshot vanished during commit: %w", err)
	}
	return doc, err
}

func (w *Writer) write(ctx context.Context, key string, data []byte) error {
	if err := w.store.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}
