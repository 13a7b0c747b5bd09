package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/c360/streamkit/errors"
)

// ChunkBuffer is the per-boundary byte buffer. Capacity and the high-water
// mark are byte budgets, not chunk counts: a boundary delivering a few large
// chunks and one delivering many small ones exhaust the same budget.
//
// Chunks are drained strictly in write order. All methods are safe for
// concurrent use; callbacks are never invoked while the buffer lock is held.
type ChunkBuffer struct {
	mu        sync.Mutex
	id        string
	capacity  int // hard cap in bytes
	highWater int // backpressure threshold in bytes
	opts      *options

	chunks   []Chunk
	buffered int // bytes currently buffered

	stats *Statistics

	notFull  *sync.Cond
	closed   bool
	closeErr error
}

// NewChunkBuffer creates a buffer for one boundary. The high-water mark must
// not exceed the byte capacity.
func NewChunkBuffer(boundaryID string, capacity, highWater int, opts ...Option) (*ChunkBuffer, error) {
	if capacity <= 0 || highWater <= 0 || highWater > capacity {
		return nil, errors.Invalid(boundaryID, errors.ErrInvalidConfig)
	}

	cb := &ChunkBuffer{
		id:        boundaryID,
		capacity:  capacity,
		highWater: highWater,
		opts:      applyOptions(opts...),
		stats:     NewStatistics(),
	}
	cb.notFull = sync.NewCond(&cb.mu)
	return cb, nil
}

// Write offers one chunk to the buffer and applies the configured
// backpressure strategy once buffered bytes exceed the high-water mark.
// It reports whether the chunk was accepted; a false return with a nil
// error means the chunk was discarded by StrategyDrop.
//
// Under StrategyPause the call blocks until buffered bytes drop below the
// high-water mark, the context is cancelled, or the buffer is closed.
func (cb *ChunkBuffer) Write(ctx context.Context, data []byte) (bool, error) {
	cb.mu.Lock()

	if cb.closed {
		err := cb.closeErr
		cb.mu.Unlock()
		if err == nil {
			err = errors.Invalid(cb.id, errors.ErrWriteAborted)
		}
		return false, err
	}

	projected := cb.buffered + len(data)

	switch cb.opts.strategy {
	case StrategyError:
		if projected > cb.highWater {
			cb.stats.Backpressure()
			cb.stats.Overflow()
			cb.mu.Unlock()
			cb.fireBackpressure()
			return false, errors.Backpressure(cb.id, errors.ErrBufferOverflow)
		}

	case StrategyBuffer:
		// Capacity is not enforced at the mark; only the hard cap stops
		// growth, and exceeding it escalates to the Error strategy.
		if projected > cb.capacity {
			cb.stats.Backpressure()
			cb.stats.Overflow()
			cb.mu.Unlock()
			cb.fireBackpressure()
			return false, errors.Backpressure(cb.id, errors.ErrBufferCapacity)
		}

	case StrategyDrop:
		if projected > cb.highWater {
			cb.stats.Backpressure()
			cb.stats.Overflow()

			if cb.opts.dropPolicy == DropOldest {
				evicted := cb.evictOldestLocked(projected - cb.highWater)
				if cb.buffered+len(data) <= cb.highWater {
					cb.acceptLocked(data)
					cb.mu.Unlock()
					cb.fireAccept(len(data))
					cb.fireBackpressure()
					cb.fireDrops(evicted)
					return true, nil
				}
				// The chunk alone exceeds the mark; discard it too.
				cb.stats.Drop()
				cb.mu.Unlock()
				cb.fireBackpressure()
				cb.fireDrops(evicted)
				cb.fireDrops([]Chunk{{Data: data, AcceptedAt: time.Now()}})
				return false, nil
			}

			// DropNewest: discard the incoming chunk.
			cb.stats.Drop()
			cb.mu.Unlock()
			cb.fireBackpressure()
			cb.fireDrops([]Chunk{{Data: data, AcceptedAt: time.Now()}})
			return false, nil
		}

	case StrategyPause:
		// A chunk that can never fit is a hard failure, not a stall.
		if len(data) > cb.capacity {
			cb.stats.Backpressure()
			cb.stats.Overflow()
			cb.mu.Unlock()
			cb.fireBackpressure()
			return false, errors.Backpressure(cb.id, errors.ErrBufferCapacity)
		}
		// Wait for the hard cap before accepting so capacity is never
		// exceeded even when the producer outruns the consumer.
		if err := cb.waitLocked(ctx, func() bool { return cb.buffered+len(data) <= cb.capacity }); err != nil {
			cb.mu.Unlock()
			return false, err
		}
	}

	cb.acceptLocked(data)

	// Pause is the only strategy that suspends the producer: the chunk is
	// accepted, then the write does not resolve until a drain brings
	// buffered bytes back under the mark.
	suspend := cb.opts.strategy == StrategyPause && cb.buffered >= cb.highWater
	if suspend {
		cb.stats.Backpressure()
	}
	cb.mu.Unlock()

	// Acceptance and engagement signals fire before suspending so the
	// scheduler can account for the chunk and mark the boundary Paused
	// while the producer is blocked.
	cb.fireAccept(len(data))
	if !suspend {
		return true, nil
	}
	cb.fireBackpressure()

	cb.mu.Lock()
	err := cb.waitLocked(ctx, func() bool { return cb.buffered < cb.highWater })
	cb.mu.Unlock()
	if err != nil {
		return true, err
	}
	return true, nil
}

// acceptLocked appends the chunk and updates accounting. Caller holds mu.
func (cb *ChunkBuffer) acceptLocked(data []byte) {
	cb.chunks = append(cb.chunks, Chunk{Data: data, AcceptedAt: time.Now()})
	cb.buffered += len(data)
	cb.stats.Write(len(data))
	cb.stats.UpdateBuffered(int64(cb.buffered))
}

// evictOldestLocked removes buffered chunks from the front until at least
// need bytes were freed or the buffer is empty. Caller holds mu.
func (cb *ChunkBuffer) evictOldestLocked(need int) []Chunk {
	var evicted []Chunk
	freed := 0
	for freed < need && len(cb.chunks) > 0 {
		c := cb.chunks[0]
		cb.chunks = cb.chunks[1:]
		cb.buffered -= len(c.Data)
		freed += len(c.Data)
		cb.stats.Drop()
		evicted = append(evicted, c)
	}
	cb.stats.UpdateBuffered(int64(cb.buffered))
	return evicted
}

// waitLocked blocks on the notFull condition until ok() holds, the context
// is cancelled, or the buffer is closed. A closed buffer always resolves
// the wait with its close error, even when a concurrent Clear made the
// predicate true, so an aborted boundary can never resolve a suspended
// write as success. Caller holds mu; mu is held again on return.
func (cb *ChunkBuffer) waitLocked(ctx context.Context, ok func() bool) error {
	if !cb.closed && ok() {
		return nil
	}

	if !cb.closed {
		// Wake the condition variable when the context ends. Broadcast is
		// safe without holding the mutex.
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-ctx.Done():
				cb.notFull.Broadcast()
			case <-done:
			}
		}()

		for !ok() && !cb.closed && ctx.Err() == nil {
			cb.notFull.Wait()
		}
	}

	if cb.closed {
		if cb.closeErr != nil {
			return cb.closeErr
		}
		return errors.Invalid(cb.id, errors.ErrWriteAborted)
	}
	if ctx.Err() != nil {
		return errors.Abort(cb.id, ctx.Err().Error())
	}
	return nil
}

// Read retrieves and removes the oldest chunk. Reading below the high-water
// mark unblocks suspended writers and fires the drain callback.
func (cb *ChunkBuffer) Read() (Chunk, bool) {
	chunks := cb.ReadBatch(1)
	if len(chunks) == 0 {
		return Chunk{}, false
	}
	return chunks[0], true
}

// ReadBatch retrieves and removes up to max chunks in write order.
func (cb *ChunkBuffer) ReadBatch(max int) []Chunk {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	if len(cb.chunks) == 0 {
		cb.mu.Unlock()
		return nil
	}

	wasAbove := cb.buffered >= cb.highWater

	n := max
	if n > len(cb.chunks) {
		n = len(cb.chunks)
	}
	out := make([]Chunk, n)
	copy(out, cb.chunks[:n])
	cb.chunks = cb.chunks[n:]

	now := time.Now()
	for _, c := range out {
		cb.buffered -= len(c.Data)
		cb.stats.Read(len(c.Data), now.Sub(c.AcceptedAt))
	}
	cb.stats.UpdateBuffered(int64(cb.buffered))

	drained := wasAbove && cb.buffered < cb.highWater
	cb.mu.Unlock()

	cb.notFull.Broadcast()
	if drained && cb.opts.onDrain != nil {
		cb.opts.onDrain()
	}
	return out
}

// BufferedBytes returns the bytes currently buffered.
func (cb *ChunkBuffer) BufferedBytes() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.buffered
}

// Len returns the number of buffered chunks.
func (cb *ChunkBuffer) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.chunks)
}

// Capacity returns the hard byte cap.
func (cb *ChunkBuffer) Capacity() int {
	return cb.capacity
}

// HighWater returns the backpressure threshold in bytes.
func (cb *ChunkBuffer) HighWater() int {
	return cb.highWater
}

// Trailing returns the buffered-but-undelivered bytes in write order
// without removing them. The server bridge embeds these in the terminal
// snapshot so a hydrating client does not lose the tail.
func (cb *ChunkBuffer) Trailing() []byte {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.buffered == 0 {
		return nil
	}
	out := make([]byte, 0, cb.buffered)
	for _, c := range cb.chunks {
		out = append(out, c.Data...)
	}
	return out
}

// Stats returns the buffer statistics.
func (cb *ChunkBuffer) Stats() *Statistics {
	return cb.stats
}

// Close rejects further writes and wakes suspended writers with err (or a
// generic classified error when err is nil). Buffered chunks remain
// readable so terminal trailing data can still be drained or snapshotted.
func (cb *ChunkBuffer) Close(err error) {
	cb.mu.Lock()
	if cb.closed {
		cb.mu.Unlock()
		return
	}
	cb.closed = true
	cb.closeErr = err
	cb.mu.Unlock()

	cb.notFull.Broadcast()
}

// Clear releases all buffered chunks. Abort paths call it so a cancelled
// boundary holds no capacity.
func (cb *ChunkBuffer) Clear() {
	cb.mu.Lock()
	cb.chunks = nil
	cb.buffered = 0
	cb.stats.UpdateBuffered(0)
	cb.mu.Unlock()

	cb.notFull.Broadcast()
}

func (cb *ChunkBuffer) fireAccept(n int) {
	if cb.opts.onAccept != nil {
		cb.opts.onAccept(n)
	}
}

func (cb *ChunkBuffer) fireBackpressure() {
	if cb.opts.onBackpressure != nil {
		cb.opts.onBackpressure()
	}
}

func (cb *ChunkBuffer) fireDrops(chunks []Chunk) {
	if cb.opts.dropCallback == nil {
		return
	}
	for _, c := range chunks {
		cb.opts.dropCallback(c)
	}
}
