package engine

import (
	"container/heap"
	"time"

	"github.com/c360/streamkit/boundary"
	skerrors "github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/pkg/buffer"
)

// pendingQueue orders waiting boundaries by priority, then registration
// sequence. It is a min-heap: lower ordinal means more urgent.
type pendingQueue struct {
	items []*tracked
}

func newPendingQueue() *pendingQueue {
	return &pendingQueue{}
}

func (q *pendingQueue) Len() int { return len(q.items) }

func (q *pendingQueue) Less(i, j int) bool {
	a, b := q.items[i].b, q.items[j].b
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.Seq < b.Seq
}

func (q *pendingQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].heapIndex = i
	q.items[j].heapIndex = j
}

func (q *pendingQueue) Push(x any) {
	t := x.(*tracked)
	t.heapIndex = len(q.items)
	q.items = append(q.items, t)
}

func (q *pendingQueue) Pop() any {
	old := q.items
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	q.items = old[:n-1]
	return t
}

func (q *pendingQueue) push(t *tracked) { heap.Push(q, t) }

func (q *pendingQueue) pop() *tracked { return heap.Pop(q).(*tracked) }

func (q *pendingQueue) fix(t *tracked) { heap.Fix(q, t.heapIndex) }

func (q *pendingQueue) inQueue(t *tracked) bool { return t.heapIndex >= 0 }

// remove drops t from the queue if present. State changes outside the
// admission path must call this so a later re-queue cannot duplicate the
// entry.
func (q *pendingQueue) remove(t *tracked) {
	if t.heapIndex >= 0 {
		heap.Remove(q, t.heapIndex)
	}
}

// enqueueLocked moves t into the pending queue, honoring its defer window.
// Caller holds e.mu.
func (e *Engine) enqueueLocked(t *tracked) {
	from := t.b.State
	if err := t.b.Transition(boundary.StatePending); err != nil {
		e.logger.Error("enqueue rejected", "boundary_id", t.b.ID, "state", from.String(), "error", err)
		return
	}
	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: t.b.ID,
		From:       from,
		To:         boundary.StatePending,
	})

	if t.b.Defer > 0 && t.eligibleAt.IsZero() {
		t.eligibleAt = time.Now().Add(t.b.Defer)
	}
	// The lifetime ceiling starts counting at registration, not admission,
	// so time spent waiting in the pending queue is included.
	if e.cfg.GlobalTimeout > 0 && t.globalTimer == nil {
		t.globalTimer = time.AfterFunc(e.cfg.GlobalTimeout.Std(), func() {
			e.globalTimedOut(t.b.ID)
		})
	}
	e.armWakeupLocked(t)
	e.pending.push(t)
	e.metrics.setPending(e.pending.Len())
}

// armWakeupLocked schedules a scheduling pass for when t becomes eligible.
// Caller holds e.mu.
func (e *Engine) armWakeupLocked(t *tracked) {
	wait := time.Until(t.eligibleAt)
	if wait <= 0 {
		return
	}
	if t.deferTimer != nil {
		t.deferTimer.Stop()
	}
	t.deferTimer = time.AfterFunc(wait, func() {
		e.mu.Lock()
		t.deferTimer = nil
		e.schedulePassLocked()
		events := e.drainEventsLocked()
		e.mu.Unlock()
		e.fire(events)
	})
}

// activeCountLocked counts boundaries holding a delivery slot. Paused
// boundaries retain theirs so a resume can never exceed the concurrency
// cap. Caller holds e.mu.
func (e *Engine) activeCountLocked() int {
	n := 0
	for _, t := range e.tracked {
		switch t.b.State {
		case boundary.StateStreaming, boundary.StatePaused:
			n++
		}
	}
	return n
}

// schedulePassLocked admits pending boundaries in priority order until the
// concurrency cap is reached or no eligible boundary remains. Caller holds
// e.mu.
func (e *Engine) schedulePassLocked() {
	if e.closed {
		return
	}

	now := time.Now()
	var deferred []*tracked

	for e.activeCountLocked() < e.cfg.MaxConcurrentStreams && e.pending.Len() > 0 {
		t := e.pending.pop()
		if t.b.State != boundary.StatePending {
			continue
		}
		if t.eligibleAt.After(now) {
			deferred = append(deferred, t)
			continue
		}
		e.admitLocked(t)
	}

	for _, t := range deferred {
		e.pending.push(t)
	}
	e.metrics.setPending(e.pending.Len())
	e.metrics.setActive(e.activeCountLocked())
}

// admitLocked transitions t into streaming and arms its timers. Caller
// holds e.mu.
func (e *Engine) admitLocked(t *tracked) {
	if err := t.b.Transition(boundary.StateStreaming); err != nil {
		e.logger.Error("admit rejected", "boundary_id", t.b.ID, "error", err)
		return
	}
	t.startedAt = time.Now()
	t.eligibleAt = time.Time{}
	t.bpPaused = false

	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: t.b.ID,
		From:       boundary.StatePending,
		To:         boundary.StateStreaming,
	})
	e.metrics.admitted(t.b.Priority)
	e.armStallTimerLocked(t)
}

// armStallTimerLocked restarts the per-boundary inactivity timer. Each
// accepted chunk re-arms it; expiry is a retryable timeout. Caller holds
// e.mu.
func (e *Engine) armStallTimerLocked(t *tracked) {
	t.stopStallTimerLocked()
	if t.b.Timeout <= 0 {
		return
	}
	t.stallGen++
	gen := t.stallGen
	t.stallTimer = time.AfterFunc(t.b.Timeout, func() {
		e.mu.Lock()
		cur, ok := e.tracked[t.b.ID]
		if !ok || cur != t || t.stallGen != gen || t.b.State != boundary.StateStreaming {
			e.mu.Unlock()
			return
		}
		e.failLocked(t, skerrors.Timeout(t.b.ID, skerrors.ErrBoundaryTimeout), true)
		e.schedulePassLocked()
		events := e.drainEventsLocked()
		e.mu.Unlock()
		e.fire(events)
	})
}

// globalTimedOut handles global-timeout expiry. The global timeout is a
// lifetime ceiling: it spans retries and is never retryable itself.
func (e *Engine) globalTimedOut(id string) {
	e.mu.Lock()
	t, ok := e.tracked[id]
	if !ok || t.b.State.Terminal() {
		e.mu.Unlock()
		return
	}
	e.failLocked(t, skerrors.Timeout(id, skerrors.ErrGlobalTimeout), false)
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
}

// failLocked transitions t into the error state and either re-queues it
// for retry or finalizes it. Caller holds e.mu.
func (e *Engine) failLocked(t *tracked, err error, allowRetry bool) {
	from := t.b.State
	if from.Terminal() {
		return
	}
	if terr := t.b.Transition(boundary.StateError); terr != nil {
		e.logger.Error("fail rejected", "boundary_id", t.b.ID, "state", from.String(), "error", terr)
		return
	}
	t.b.Err = err
	t.lastErr = err
	e.pending.remove(t)
	// The global timer is a lifetime ceiling and must survive retries;
	// everything else stops here.
	if t.deferTimer != nil {
		t.deferTimer.Stop()
		t.deferTimer = nil
	}
	t.stopStallTimerLocked()

	e.logger.Warn("boundary failed",
		"boundary_id", t.b.ID,
		"attempt", t.b.RetryCount,
		"error", err,
	)

	if allowRetry && e.cfg.EnableRetry && skerrors.IsRetryable(err) {
		if t.b.RetryCount < e.cfg.MaxRetries {
			e.queueEventLocked(Event{
				Type:       EventStateChange,
				BoundaryID: t.b.ID,
				From:       from,
				To:         boundary.StateError,
				Err:        err,
			})
			e.requeueForRetryLocked(t)
			return
		}
		err = skerrors.RetryExhausted(t.b.ID, t.b.RetryCount, err)
		t.b.Err = err
	}

	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: t.b.ID,
		From:       from,
		To:         boundary.StateError,
		Err:        err,
		Final:      true,
	})

	if t.globalTimer != nil {
		t.globalTimer.Stop()
		t.globalTimer = nil
	}
	e.failed++
	e.metrics.failed(t.b.Priority)
	t.doneErr = err
	t.buf.Close(err)
	close(t.done)
}

// requeueForRetryLocked moves t back to pending behind the retry policy's
// backoff window. Caller holds e.mu.
func (e *Engine) requeueForRetryLocked(t *tracked) {
	if err := t.b.Transition(boundary.StatePending); err != nil {
		e.logger.Error("retry requeue rejected", "boundary_id", t.b.ID, "error", err)
		return
	}
	t.b.RetryCount++
	e.retryAttempts++
	e.metrics.retried()

	delay := e.retry.Delay(t.b.RetryCount)
	t.eligibleAt = time.Now().Add(delay)

	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: t.b.ID,
		From:       boundary.StateError,
		To:         boundary.StatePending,
	})
	e.queueEventLocked(Event{
		Type:       EventRetry,
		BoundaryID: t.b.ID,
		Attempt:    t.b.RetryCount,
		Err:        t.lastErr,
	})
	e.armWakeupLocked(t)
	e.pending.push(t)
	e.metrics.setPending(e.pending.Len())

	e.logger.Info("boundary scheduled for retry",
		"boundary_id", t.b.ID,
		"attempt", t.b.RetryCount,
		"delay", delay,
	)
}

// completeLocked finalizes a successful stream. Caller holds e.mu.
func (e *Engine) completeLocked(t *tracked) error {
	from := t.b.State
	if err := t.b.Transition(boundary.StateCompleted); err != nil {
		return err
	}
	t.stopTimersLocked()
	e.completed++
	e.metrics.completed(t.b.Priority)

	// Buffered chunks stay readable after completion.
	t.buf.Close(nil)
	close(t.done)

	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: t.b.ID,
		From:       from,
		To:         boundary.StateCompleted,
	})
	return nil
}

// abortLocked cancels t from any non-terminal state, discarding buffered
// content and waking blocked writers. Caller holds e.mu.
func (e *Engine) abortLocked(t *tracked, reason string) {
	if t.b.State.Terminal() {
		return
	}
	from := t.b.State
	if err := t.b.Transition(boundary.StateAborted); err != nil {
		e.logger.Error("abort rejected", "boundary_id", t.b.ID, "state", from.String(), "error", err)
		return
	}
	t.stopTimersLocked()
	e.pending.remove(t)
	e.aborted++
	e.metrics.aborted(t.b.Priority)

	abortErr := skerrors.Abort(t.b.ID, reason)
	t.doneErr = abortErr
	t.b.Err = abortErr
	t.buf.Close(abortErr)
	t.buf.Clear()
	close(t.done)

	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: t.b.ID,
		From:       from,
		To:         boundary.StateAborted,
		Err:        abortErr,
	})
}

// chunkAccepted is the buffer accept callback: it runs on the producer
// goroutine after the buffer admits a chunk, without any lock held.
func (e *Engine) chunkAccepted(id string, n int) {
	e.mu.Lock()
	t, ok := e.tracked[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	t.b.RecordChunk(n)
	if t.firstChunkAt.IsZero() {
		t.firstChunkAt = time.Now()
	}
	if t.b.State == boundary.StateStreaming {
		e.armStallTimerLocked(t)
	}
	e.metrics.chunk(t.b.Priority, n)
	e.queueEventLocked(Event{
		Type:       EventChunk,
		BoundaryID: id,
		Bytes:      n,
	})
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
}

// backpressureEngaged is the buffer high-water callback. Under the pause
// strategy engagement suspends the producer, so the boundary moves to
// Paused (and its stall timer stops) until a drain resumes it.
func (e *Engine) backpressureEngaged(id string) {
	e.mu.Lock()
	e.backpressure++
	e.metrics.backpressured()
	e.queueEventLocked(Event{
		Type:       EventBackpressure,
		BoundaryID: id,
	})

	if t, ok := e.tracked[id]; ok &&
		e.cfg.Strategy() == buffer.StrategyPause &&
		t.b.State == boundary.StateStreaming {
		if err := t.b.Transition(boundary.StatePaused); err == nil {
			t.bpPaused = true
			t.stopStallTimerLocked()
			e.queueEventLocked(Event{
				Type:       EventStateChange,
				BoundaryID: id,
				From:       boundary.StateStreaming,
				To:         boundary.StatePaused,
			})
		}
	}

	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)

	e.logger.Debug("backpressure engaged", "boundary_id", id)
}

// bufferDrained is the buffer drain callback: a consumer brought buffered
// bytes back under the mark. A boundary paused by backpressure resumes;
// one paused explicitly by its producer stays paused until Resume.
func (e *Engine) bufferDrained(id string) {
	e.mu.Lock()
	t, ok := e.tracked[id]
	if !ok || !t.bpPaused || t.b.State != boundary.StatePaused {
		e.mu.Unlock()
		return
	}
	if err := t.b.Transition(boundary.StateStreaming); err != nil {
		e.logger.Error("resume after drain rejected", "boundary_id", id, "error", err)
		e.mu.Unlock()
		return
	}
	t.bpPaused = false
	e.armStallTimerLocked(t)
	e.queueEventLocked(Event{
		Type:       EventStateChange,
		BoundaryID: id,
		From:       boundary.StatePaused,
		To:         boundary.StateStreaming,
	})
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
}
