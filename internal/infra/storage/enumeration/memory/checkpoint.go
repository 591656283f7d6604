// Package memory provides an in-memory checkpoint repository for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/ahrav/lakescan/internal/domain/enumeration"
)

var _ enumeration.CheckpointRepository = (*CheckpointStore)(nil)

// CheckpointStore keeps encoded checkpoints per job. Stored values are
// copies; callers may keep mutating what they saved.
type CheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]byte
}

// NewCheckpointStore creates an empty store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string][]byte)}
}

// Save implements enumeration.CheckpointRepository.
func (s *CheckpointStore) Save(_ context.Context, jobID string, cp *enumeration.PendingSplitsCheckpoint) error {
	data, err := cp.MarshalBinary()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[jobID] = data
	return nil
}

// Load implements enumeration.CheckpointRepository.
func (s *CheckpointStore) Load(_ context.Context, jobID string) (*enumeration.PendingSplitsCheckpoint, error) {
	s.mu.RLock()
	data, ok := s.checkpoints[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, enumeration.ErrCheckpointNotFound
	}

	cp := new(enumeration.PendingSplitsCheckpoint)
	if err := cp.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return cp, nil
}

// Delete implements enumeration.CheckpointRepository.
func (s *CheckpointStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, jobID)
	return nil
}
