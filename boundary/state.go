package boundary

// State represents the current lifecycle state of a boundary.
type State int

const (
	// StateIdle indicates the boundary is registered but not started.
	StateIdle State = iota
	// StatePending indicates the boundary is queued for admission.
	StatePending
	// StateStreaming indicates the boundary holds a capacity slot and is
	// actively receiving chunks.
	StateStreaming
	// StatePaused indicates streaming is suspended, either explicitly or by
	// Pause backpressure. The capacity slot is retained.
	StatePaused
	// StateCompleted indicates the producer signaled end of content.
	StateCompleted
	// StateError indicates the boundary failed. Retryable until the retry
	// budget is exhausted, then terminal.
	StateError
	// StateAborted indicates explicit cancellation. Terminal, never retried.
	StateAborted
)

// String returns a string representation of the boundary state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StatePaused:
		return "paused"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions occur from s without an
// explicit reset (Completed, Aborted) or a retry re-queue (Error).
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateAborted
}

// transitions enumerates the legal state machine edges. The scheduler is the
// only writer; producers request transitions through their handle and the
// scheduler accepts or rejects them against this table.
var transitions = map[State][]State{
	StateIdle:      {StatePending},
	StatePending:   {StateStreaming, StateError, StateAborted},
	StateStreaming: {StatePaused, StateCompleted, StateError, StateAborted},
	StatePaused:    {StateStreaming, StateError, StateAborted},
	StateError:     {StatePending, StateAborted}, // re-queue on retry
	StateCompleted: {StateIdle},                  // reset only
	StateAborted:   {StateIdle},                  // reset only
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
