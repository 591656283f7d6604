package enumeration

import (
	"github.com/google/uuid"

	"github.com/ahrav/lakescan/internal/domain/snapshot"
)

// SourceSplit is the unit handed to a reader. It wraps a DataSplit with a
// stable identity and the reader-side resume position.
type SourceSplit struct {
	ID            string             `json:"id"`
	Split         snapshot.DataSplit `json:"split"`
	RecordsToSkip int64              `json:"records_to_skip"`
}

// NewSourceSplit assigns a fresh identity to split.
func NewSourceSplit(split snapshot.DataSplit) SourceSplit {
	return SourceSplit{ID: uuid.NewString(), Split: split}
}

// NewSourceSplits wraps every split of a discovery round, preserving order.
func NewSourceSplits(splits []snapshot.DataSplit) []SourceSplit {
	out := make([]SourceSplit, len(splits))
	for i, s := range splits {
		out[i] = NewSourceSplit(s)
	}
	return out
}

// Validate reports ErrInvalidSplit for splits a reader could never process.
func (s SourceSplit) Validate() error {
	if s.ID == "" {
		return ErrInvalidSplit
	}
	if s.RecordsToSkip < 0 {
		return ErrInvalidSplit
	}
	return nil
}
