package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer flow metrics. Counter updates are atomic; the
// buffered-size watermarks are guarded by a mutex.
type Statistics struct {
	writes        int64 // accepted chunks
	drops         int64 // chunks discarded by StrategyDrop
	overflows     int64 // writes that exceeded a byte budget
	backpressure  int64 // backpressure engagements (any strategy)
	bytesIn       int64
	bytesOut      int64
	latencyNanos  int64 // accept-to-drain, summed
	latencyChunks int64

	mu          sync.RWMutex
	startTime   time.Time
	buffered    int64
	maxBuffered int64
}

// NewStatistics creates a statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records one accepted chunk of n bytes.
func (s *Statistics) Write(n int) {
	atomic.AddInt64(&s.writes, 1)
	atomic.AddInt64(&s.bytesIn, int64(n))
}

// Read records one drained chunk of n bytes and its delivery latency.
func (s *Statistics) Read(n int, latency time.Duration) {
	atomic.AddInt64(&s.bytesOut, int64(n))
	atomic.AddInt64(&s.latencyNanos, int64(latency))
	atomic.AddInt64(&s.latencyChunks, 1)
}

// Drop records one discarded chunk.
func (s *Statistics) Drop() {
	atomic.AddInt64(&s.drops, 1)
}

// Overflow records a write that exceeded a byte budget.
func (s *Statistics) Overflow() {
	atomic.AddInt64(&s.overflows, 1)
}

// Backpressure records one backpressure engagement.
func (s *Statistics) Backpressure() {
	atomic.AddInt64(&s.backpressure, 1)
}

// UpdateBuffered updates the current buffered byte count.
func (s *Statistics) UpdateBuffered(n int64) {
	s.mu.Lock()
	s.buffered = n
	if n > s.maxBuffered {
		s.maxBuffered = n
	}
	s.mu.Unlock()
}

// Writes returns the number of accepted chunks.
func (s *Statistics) Writes() int64 { return atomic.LoadInt64(&s.writes) }

// Drops returns the number of discarded chunks.
func (s *Statistics) Drops() int64 { return atomic.LoadInt64(&s.drops) }

// Overflows returns the number of budget-exceeding writes.
func (s *Statistics) Overflows() int64 { return atomic.LoadInt64(&s.overflows) }

// BackpressureEvents returns the number of backpressure engagements.
func (s *Statistics) BackpressureEvents() int64 { return atomic.LoadInt64(&s.backpressure) }

// BytesIn returns the accepted byte total.
func (s *Statistics) BytesIn() int64 { return atomic.LoadInt64(&s.bytesIn) }

// BytesOut returns the drained byte total.
func (s *Statistics) BytesOut() int64 { return atomic.LoadInt64(&s.bytesOut) }

// Buffered returns the bytes currently buffered.
func (s *Statistics) Buffered() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffered
}

// MaxBuffered returns the high watermark of buffered bytes.
func (s *Statistics) MaxBuffered() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxBuffered
}

// LatencySum returns the summed accept-to-drain latency across all drained
// chunks. The metrics collector aggregates these across boundaries.
func (s *Statistics) LatencySum() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.latencyNanos))
}

// LatencyChunks returns how many drained chunks contributed to LatencySum.
func (s *Statistics) LatencyChunks() int64 {
	return atomic.LoadInt64(&s.latencyChunks)
}

// AvgLatency returns the mean accept-to-drain chunk latency.
func (s *Statistics) AvgLatency() time.Duration {
	chunks := atomic.LoadInt64(&s.latencyChunks)
	if chunks == 0 {
		return 0
	}
	return time.Duration(atomic.LoadInt64(&s.latencyNanos) / chunks)
}

// Utilization returns buffered bytes as a fraction of capacity, computed
// live so it never goes stale.
func (s *Statistics) Utilization(capacity int64) float64 {
	if capacity == 0 {
		return 0
	}
	return float64(s.Buffered()) / float64(capacity)
}

// Uptime returns how long the buffer has existed.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset zeroes all statistics.
func (s *Statistics) Reset() {
	atomic.StoreInt64(&s.writes, 0)
	atomic.StoreInt64(&s.drops, 0)
	atomic.StoreInt64(&s.overflows, 0)
	atomic.StoreInt64(&s.backpressure, 0)
	atomic.StoreInt64(&s.bytesIn, 0)
	atomic.StoreInt64(&s.bytesOut, 0)
	atomic.StoreInt64(&s.latencyNanos, 0)
	atomic.StoreInt64(&s.latencyChunks, 0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.buffered = 0
	s.maxBuffered = 0
	s.mu.Unlock()
}

// Summary is a point-in-time snapshot of all statistics.
type Summary struct {
	Writes             int64         `json:"writes"`
	Drops              int64         `json:"drops"`
	Overflows          int64         `json:"overflows"`
	BackpressureEvents int64         `json:"backpressure_events"`
	BytesIn            int64         `json:"bytes_in"`
	BytesOut           int64         `json:"bytes_out"`
	Buffered           int64         `json:"buffered"`
	MaxBuffered        int64         `json:"max_buffered"`
	AvgLatency         time.Duration `json:"avg_latency"`
	Uptime             time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() Summary {
	return Summary{
		Writes:             s.Writes(),
		Drops:              s.Drops(),
		Overflows:          s.Overflows(),
		BackpressureEvents: s.BackpressureEvents(),
		BytesIn:            s.BytesIn(),
		BytesOut:           s.BytesOut(),
		Buffered:           s.Buffered(),
		MaxBuffered:        s.MaxBuffered(),
		AvgLatency:         s.AvgLatency(),
		Uptime:             s.Uptime(),
	}
}
