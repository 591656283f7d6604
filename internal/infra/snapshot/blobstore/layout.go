// Package blobstore serves a table's snapshot directory and scan planner from
// an object store. The layout under the table prefix is:
//
//	snapshot/snapshot-<id>     JSON snapshot document
//	manifest/<name>            JSON array of manifest entries
//	manifest/<name>.zst        same, zstd compressed
//
// A snapshot document lists the manifests describing the files it added
// (delta) and the manifests describing every live file before it (base).
package blobstore

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/ahrav/lakescan/internal/domain/snapshot"
)

const (
	snapshotDir    = "snapshot"
	manifestDir    = "manifest"
	snapshotPrefix = "snapshot-"
	zstdSuffix     = ".zst"
)

// EntryKind tells whether a manifest entry adds or removes a file.
type EntryKind string

const (
	EntryAdd    EntryKind = "ADD"
	EntryDelete EntryKind = "DELETE"
)

// ManifestEntry is one file change recorded in a manifest.
type ManifestEntry struct {
	Kind      EntryKind         `json:"kind"`
	Partition string            `json:"partition"`
	Bucket    int               `json:"bucket"`
	File      snapshot.DataFile `json:"file"`
}

// snapshotDocument is the stored form of a snapshot.
type snapshotDocument struct {
	ID             int64               `json:"id"`
	CommittedAt    time.Time           `json:"committed_at"`
	Watermark      *int64              `json:"watermark,omitempty"`
	Kind           snapshot.CommitKind `json:"kind"`
	BaseManifests  []string            `json:"base_manifests"`
	DeltaManifests []string            `json:"delta_manifests"`
}

func (d snapshotDocument) snapshot() snapshot.Snapshot {
	return snapshot.Snapshot{ID: d.ID, CommittedAt: d.CommittedAt, Watermark: d.Watermark, Kind: d.Kind}
}

func snapshotKey(prefix string, id int64) string {
	return path.Join(prefix, snapshotDir, snapshotPrefix+strconv.FormatInt(id, 10))
}

func manifestKey(prefix, name string) string {
	return path.Join(prefix, manifestDir, name)
}

// parseSnapshotKey extracts the id from a snapshot object key.
func parseSnapshotKey(key string) (int64, bool) {
	name := path.Base(key)
	if !strings.HasPrefix(name, snapshotPrefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(name, snapshotPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func validateEntry(e ManifestEntry) error {
	switch e.Kind {
	case EntryAdd, EntryDelete:
	default:
		return fmt.Errorf("%w: manifest entry kind %q", snapshot.ErrCorruptMetadata, e.Kind)
	}
	if e.File.Name == "" {
		return fmt.Errorf("%w: manifest entry without file name", snapshot.ErrCorruptMetadata)
	}
	return nil
}
