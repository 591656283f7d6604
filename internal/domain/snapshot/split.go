package snapshot

import "slices"

// DataFile references one immutable data file within a bucket.
type DataFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	RowCount int64  `json:"row_count"`
	Level    int    `json:"level"`
}

// DataSplit describes a scannable unit of work: every data file of one
// (partition, bucket) that a given snapshot contributes.
type DataSplit struct {
	SnapshotID  int64      `json:"snapshot_id"`
	Partition   string     `json:"partition"`
	Bucket      int        `json:"bucket"`
	Files       []DataFile `json:"files"`
	IsStreaming bool       `json:"is_streaming"`
}

// Equal reports whether two splits describe the same work. Splits are equal
// iff all their fields, including the ordered file list, are equal.
func (d DataSplit) Equal(o DataSplit) bool {
	return d.SnapshotID == o.SnapshotID &&
		d.Partition == o.Partition &&
		d.Bucket == o.Bucket &&
		d.IsStreaming == o.IsStreaming &&
		slices.Equal(d.Files, o.Files)
}

// RowCount sums the row counts of all files in the split.
func (d DataSplit) RowCount() int64 {
	var n int64
	for _, f := range d.Files {
		n += f.RowCount
	}
	return n
}
