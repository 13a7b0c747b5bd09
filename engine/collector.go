package engine

import (
	"time"

	"github.com/c360/streamkit/boundary"
)

// PriorityMetrics breaks a snapshot down by priority band.
type PriorityMetrics struct {
	Active    int
	Pending   int
	Completed int
	Failed    int
	Aborted   int
	Bytes     int64
	Chunks    int64
}

// BoundaryMetrics is the per-boundary detail inside a snapshot.
type BoundaryMetrics struct {
	State            boundary.State
	Priority         boundary.Priority
	BytesTransferred int64
	ChunksReceived   int64
	BufferedBytes    int
	RetryCount       int
	DroppedChunks    int64
	TimeToFirstChunk time.Duration
}

// StreamMetrics is a consistent point-in-time snapshot of engine activity,
// taken under the scheduler lock.
type StreamMetrics struct {
	ActiveStreams    int
	PendingStreams   int
	CompletedStreams int64
	FailedStreams    int64
	AbortedStreams   int64

	TotalBytes  int64
	TotalChunks int64

	// BufferUtilization is live occupancy across non-terminal boundaries:
	// buffered bytes over total capacity.
	BufferUtilization float64

	AvgChunkLatency     time.Duration
	AvgTimeToFirstChunk time.Duration

	BackpressureEvents int64
	RetryAttempts      int64

	PerPriority map[boundary.Priority]PriorityMetrics
	Boundaries  map[string]BoundaryMetrics
}

// Metrics returns a snapshot of the engine's counters and per-boundary
// state.
func (e *Engine) Metrics() StreamMetrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := StreamMetrics{
		CompletedStreams:   e.completed,
		FailedStreams:      e.failed,
		AbortedStreams:     e.aborted,
		BackpressureEvents: e.backpressure,
		RetryAttempts:      e.retryAttempts,
		PerPriority:        make(map[boundary.Priority]PriorityMetrics),
		Boundaries:         make(map[string]BoundaryMetrics, len(e.tracked)),
	}

	var (
		bufferedBytes int64
		capacityBytes int64
		latencySum    time.Duration
		latencyChunks int64
		ttfcSum       time.Duration
		ttfcCount     int64
	)

	for id, t := range e.tracked {
		b := t.b
		pm := m.PerPriority[b.Priority]

		switch b.State {
		case boundary.StateStreaming, boundary.StatePaused:
			m.ActiveStreams++
			pm.Active++
		case boundary.StatePending:
			m.PendingStreams++
			pm.Pending++
		case boundary.StateCompleted:
			pm.Completed++
		case boundary.StateError:
			pm.Failed++
		case boundary.StateAborted:
			pm.Aborted++
		}

		m.TotalBytes += b.BytesTransferred
		m.TotalChunks += b.ChunksReceived
		pm.Bytes += b.BytesTransferred
		pm.Chunks += b.ChunksReceived
		m.PerPriority[b.Priority] = pm

		stats := t.buf.Stats()
		latencySum += stats.LatencySum()
		latencyChunks += stats.LatencyChunks()
		if !b.State.Terminal() {
			bufferedBytes += int64(t.buf.BufferedBytes())
			capacityBytes += int64(t.buf.Capacity())
		}

		var ttfc time.Duration
		if !t.firstChunkAt.IsZero() && !t.startedAt.IsZero() {
			ttfc = t.firstChunkAt.Sub(t.startedAt)
			ttfcSum += ttfc
			ttfcCount++
		}

		m.Boundaries[id] = BoundaryMetrics{
			State:            b.State,
			Priority:         b.Priority,
			BytesTransferred: b.BytesTransferred,
			ChunksReceived:   b.ChunksReceived,
			BufferedBytes:    t.buf.BufferedBytes(),
			RetryCount:       b.RetryCount,
			DroppedChunks:    stats.Drops(),
			TimeToFirstChunk: ttfc,
		}
	}

	if capacityBytes > 0 {
		m.BufferUtilization = float64(bufferedBytes) / float64(capacityBytes)
	}
	if latencyChunks > 0 {
		m.AvgChunkLatency = latencySum / time.Duration(latencyChunks)
	}
	if ttfcCount > 0 {
		m.AvgTimeToFirstChunk = ttfcSum / time.Duration(ttfcCount)
	}
	return m
}

// ResetStats zeroes the engine's aggregate counters and every boundary's
// buffer statistics. Boundary lifecycle state is untouched.
func (e *Engine) ResetStats() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = 0
	e.failed = 0
	e.aborted = 0
	e.retryAttempts = 0
	e.backpressure = 0
	for _, t := range e.tracked {
		t.buf.Stats().Reset()
	}
}
