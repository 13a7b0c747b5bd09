package boundary

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/errors"
)

func TestPriorityOrdinals(t *testing.T) {
	// The admission order depends on these exact ordinals.
	assert.Equal(t, Priority(0), PriorityCritical)
	assert.Equal(t, Priority(1), PriorityHigh)
	assert.Equal(t, Priority(2), PriorityNormal)
	assert.Equal(t, Priority(3), PriorityLow)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"HIGH", PriorityHigh, false},
		{" normal ", PriorityNormal, false},
		{"low", PriorityLow, false},
		{"", PriorityNormal, false}, // default
		{"urgent", PriorityNormal, true},
	}

	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestPriorityJSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, `"high"`, string(data))

	var p Priority
	require.NoError(t, json.Unmarshal(data, &p))
	assert.Equal(t, PriorityHigh, p)
}

func TestStateMachineEdges(t *testing.T) {
	// Legal edges
	assert.True(t, CanTransition(StateIdle, StatePending))
	assert.True(t, CanTransition(StatePending, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StatePaused))
	assert.True(t, CanTransition(StatePaused, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StateCompleted))
	assert.True(t, CanTransition(StatePending, StateError))
	assert.True(t, CanTransition(StatePaused, StateError))
	assert.True(t, CanTransition(StateError, StatePending)) // retry re-queue
	assert.True(t, CanTransition(StateCompleted, StateIdle))
	assert.True(t, CanTransition(StateAborted, StateIdle))

	// Every non-terminal state can be aborted
	for _, s := range []State{StatePending, StateStreaming, StatePaused, StateError} {
		assert.True(t, CanTransition(s, StateAborted), "abort from %s", s)
	}

	// Illegal edges
	assert.False(t, CanTransition(StateIdle, StateStreaming))
	assert.False(t, CanTransition(StateCompleted, StatePending))
	assert.False(t, CanTransition(StateAborted, StatePending))
	assert.False(t, CanTransition(StateError, StateStreaming))
	assert.False(t, CanTransition(StateCompleted, StateAborted))
	assert.False(t, CanTransition(StateAborted, StateAborted))
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	b := &Boundary{ID: "b1", State: StateIdle}

	err := b.Transition(StateStreaming)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, StateIdle, b.State, "state must not move on rejection")

	require.NoError(t, b.Transition(StatePending))
	assert.Equal(t, StatePending, b.State)
}

func TestResetZeroesCounters(t *testing.T) {
	b := &Boundary{ID: "b1", State: StateCompleted}
	b.BytesTransferred = 2048
	b.ChunksReceived = 7
	b.RetryCount = 1

	require.NoError(t, b.Reset())
	assert.Equal(t, StateIdle, b.State)
	assert.Zero(t, b.BytesTransferred)
	assert.Zero(t, b.ChunksReceived)
	assert.Zero(t, b.RetryCount)
	assert.NoError(t, b.Err)
}

func TestResetRejectedFromError(t *testing.T) {
	b := &Boundary{ID: "b1", State: StateError}
	err := b.Reset()
	assert.ErrorIs(t, err, errors.ErrInvalidTransition)
	assert.Equal(t, StateError, b.State)
}

func TestRecordChunk(t *testing.T) {
	b := &Boundary{ID: "b1"}
	b.RecordChunk(100)
	b.RecordChunk(28)

	assert.Equal(t, int64(128), b.BytesTransferred)
	assert.Equal(t, int64(2), b.ChunksReceived)
}
