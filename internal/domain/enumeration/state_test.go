package enumeration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnumeratorStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to EnumeratorState
		want     bool
	}{
		{StateAwaitingFirstDiscovery, StateSteady, true},
		{StateAwaitingFirstDiscovery, StateExhausted, true},
		{StateSteady, StateExhausted, true},
		{StateSteady, StateAwaitingFirstDiscovery, false},
		{StateExhausted, StateSteady, false},
		{StateExhausted, StateExhausted, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestPendingSplitsCheckpointRoundTrip(t *testing.T) {
	t.Parallel()

	cp := &PendingSplitsCheckpoint{
		CurrentSnapshotID: 12,
		Splits:            []SourceSplit{split(12, "p", 1)},
		PlannerState:      []byte("cursor=12"),
	}
	data, err := cp.MarshalBinary()
	assert.NoError(t, err)

	var got PendingSplitsCheckpoint
	assert.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, cp.CurrentSnapshotID, got.CurrentSnapshotID)
	assert.Equal(t, cp.PlannerState, got.PlannerState)
	assert.True(t, cp.Splits[0].Split.Equal(got.Splits[0].Split))
	assert.True(t, got.Restored())

	assert.ErrorIs(t, got.UnmarshalBinary([]byte(`{"splits":[{"id":""}]}`)), ErrInvalidSplit)
	assert.False(t, (&PendingSplitsCheckpoint{CurrentSnapshotID: UnresolvedSnapshotID}).Restored())
	assert.True(t, (&PendingSplitsCheckpoint{}).Restored())
}
