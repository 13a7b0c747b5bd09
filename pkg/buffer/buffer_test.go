package buffer

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/errors"
)

func mustBuffer(t *testing.T, capacity, highWater int, opts ...Option) *ChunkBuffer {
	t.Helper()
	cb, err := NewChunkBuffer("test", capacity, highWater, opts...)
	require.NoError(t, err)
	return cb
}

func TestNewChunkBufferValidation(t *testing.T) {
	_, err := NewChunkBuffer("x", 0, 0)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewChunkBuffer("x", 100, 200) // mark above capacity
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	_, err = NewChunkBuffer("x", 100, 100)
	assert.NoError(t, err)
}

func TestWriteReadOrder(t *testing.T) {
	cb := mustBuffer(t, 1024, 1024)
	ctx := context.Background()

	for _, s := range []string{"one", "two", "three"} {
		accepted, err := cb.Write(ctx, []byte(s))
		require.NoError(t, err)
		assert.True(t, accepted)
	}
	assert.Equal(t, 3, cb.Len())
	assert.Equal(t, 11, cb.BufferedBytes())

	var got []string
	for {
		c, ok := cb.Read()
		if !ok {
			break
		}
		got = append(got, string(c.Data))
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Equal(t, 0, cb.BufferedBytes())
}

func TestPauseStrategyBlocksUntilDrain(t *testing.T) {
	// Scenario: mark 1024, single 2048-byte write, no drain yet.
	cb := mustBuffer(t, 8192, 1024, WithStrategy(StrategyPause))

	resolved := make(chan error, 1)
	go func() {
		_, err := cb.Write(context.Background(), make([]byte, 2048))
		resolved <- err
	}()

	// The chunk is accepted but the write must not resolve yet.
	require.Eventually(t, func() bool { return cb.BufferedBytes() == 2048 },
		time.Second, time.Millisecond)
	select {
	case <-resolved:
		t.Fatal("write resolved before drain")
	case <-time.After(50 * time.Millisecond):
	}

	// Draining below the mark resolves the write.
	c, ok := cb.Read()
	require.True(t, ok)
	assert.Len(t, c.Data, 2048)

	select {
	case err := <-resolved:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("write did not resolve after drain")
	}
	assert.Equal(t, int64(1), cb.Stats().BackpressureEvents())
}

func TestPauseStrategyContextCancel(t *testing.T) {
	cb := mustBuffer(t, 8192, 1024, WithStrategy(StrategyPause))
	ctx, cancel := context.WithCancel(context.Background())

	resolved := make(chan error, 1)
	go func() {
		_, err := cb.Write(ctx, make([]byte, 2048))
		resolved <- err
	}()

	require.Eventually(t, func() bool { return cb.BufferedBytes() == 2048 },
		time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-resolved:
		assert.True(t, errors.IsAbort(err))
	case <-time.After(time.Second):
		t.Fatal("cancelled write did not resolve")
	}
}

func TestPauseStrategyCloseUnblocksWriter(t *testing.T) {
	cb := mustBuffer(t, 8192, 1024, WithStrategy(StrategyPause))
	abortErr := errors.Abort("test", "navigation away")

	resolved := make(chan error, 1)
	go func() {
		_, err := cb.Write(context.Background(), make([]byte, 4096))
		resolved <- err
	}()

	require.Eventually(t, func() bool { return cb.BufferedBytes() == 4096 },
		time.Second, time.Millisecond)
	cb.Close(abortErr)

	select {
	case err := <-resolved:
		assert.True(t, errors.IsAbort(err), "blocked writer must settle with the abort error, got %v", err)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock writer")
	}
}

func TestPauseStrategyClearAfterCloseKeepsAbortError(t *testing.T) {
	cb := mustBuffer(t, 8192, 1024, WithStrategy(StrategyPause))
	abortErr := errors.Abort("test", "boundary aborted")

	resolved := make(chan error, 1)
	go func() {
		_, err := cb.Write(context.Background(), make([]byte, 4096))
		resolved <- err
	}()

	require.Eventually(t, func() bool { return cb.BufferedBytes() == 4096 },
		time.Second, time.Millisecond)

	// Clearing empties the buffer below the mark. The suspended write must
	// still settle with the close error, never as success.
	cb.Close(abortErr)
	cb.Clear()

	select {
	case err := <-resolved:
		require.Error(t, err, "write on an aborted buffer must not resolve as accepted")
		assert.True(t, errors.IsAbort(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("clear did not settle the suspended writer")
	}
}

func TestPauseStrategyCapacityWaitRejectsAfterClose(t *testing.T) {
	cb := mustBuffer(t, 1024, 1024, WithStrategy(StrategyPause))
	abortErr := errors.Abort("test", "boundary aborted")

	accepted, err := cb.Write(context.Background(), make([]byte, 800))
	require.NoError(t, err)
	require.True(t, accepted)

	// The second chunk cannot fit, so the writer waits before accepting.
	resolved := make(chan error, 1)
	go func() {
		_, err := cb.Write(context.Background(), make([]byte, 400))
		resolved <- err
	}()

	// The capacity wait has no external signal; give the writer time to
	// park on the condition variable.
	time.Sleep(20 * time.Millisecond)

	cb.Close(abortErr)
	cb.Clear()

	select {
	case err := <-resolved:
		assert.True(t, errors.IsAbort(err), "got %v", err)
	case <-time.After(time.Second):
		t.Fatal("close did not settle the waiting writer")
	}

	// The waiting chunk was never accepted; the clear left nothing behind.
	assert.Equal(t, 0, cb.BufferedBytes())
	assert.Equal(t, 0, cb.Len())
	assert.Equal(t, int64(1), cb.Stats().Writes(), "only the first chunk was accepted")
}

func TestPauseStrategyOversizedChunk(t *testing.T) {
	cb := mustBuffer(t, 1024, 512, WithStrategy(StrategyPause))
	accepted, err := cb.Write(context.Background(), make([]byte, 2048))
	assert.False(t, accepted)
	assert.True(t, errors.IsBackpressure(err))
}

func TestPauseBackpressureCallbackFiresBeforeResolve(t *testing.T) {
	var mu sync.Mutex
	engaged := false
	cb := mustBuffer(t, 8192, 512,
		WithStrategy(StrategyPause),
		WithBackpressureCallback(func() {
			mu.Lock()
			engaged = true
			mu.Unlock()
		}))

	go func() {
		_, _ = cb.Write(context.Background(), make([]byte, 1024))
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return engaged
	}, time.Second, time.Millisecond)

	cb.Read() // let the writer resolve
}

func TestDropNewestDiscardsIncoming(t *testing.T) {
	var dropped [][]byte
	var mu sync.Mutex
	cb := mustBuffer(t, 2048, 1024,
		WithStrategy(StrategyDrop),
		WithDropCallback(func(c Chunk) {
			mu.Lock()
			dropped = append(dropped, c.Data)
			mu.Unlock()
		}))
	ctx := context.Background()

	accepted, err := cb.Write(ctx, make([]byte, 1000))
	require.NoError(t, err)
	assert.True(t, accepted)

	// This write would cross the mark: discarded, buffered size unchanged.
	accepted, err = cb.Write(ctx, bytes.Repeat([]byte{0xAB}, 500))
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, 1000, cb.BufferedBytes())

	assert.Equal(t, int64(1), cb.Stats().Writes(), "only accepted chunks count")
	assert.Equal(t, int64(1), cb.Stats().Drops())
	assert.Equal(t, int64(1), cb.Stats().BackpressureEvents())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 1)
	assert.Equal(t, bytes.Repeat([]byte{0xAB}, 500), dropped[0])
}

func TestDropOldestEvictsForNewest(t *testing.T) {
	cb := mustBuffer(t, 2048, 1024,
		WithStrategy(StrategyDrop),
		WithDropPolicy(DropOldest))
	ctx := context.Background()

	_, err := cb.Write(ctx, []byte("oldest----")) // 10 bytes
	require.NoError(t, err)
	_, err = cb.Write(ctx, make([]byte, 1000))
	require.NoError(t, err)

	accepted, err := cb.Write(ctx, make([]byte, 100))
	require.NoError(t, err)
	assert.True(t, accepted, "newest admitted after eviction")
	assert.LessOrEqual(t, cb.BufferedBytes(), 1024+100)

	c, ok := cb.Read()
	require.True(t, ok)
	assert.NotEqual(t, "oldest----", string(c.Data), "oldest chunk evicted")
}

func TestBufferStrategyGrowsToHardCap(t *testing.T) {
	cb := mustBuffer(t, 4096, 1024, WithStrategy(StrategyBuffer))
	ctx := context.Background()

	// Growth past the mark is allowed.
	for i := 0; i < 4; i++ {
		accepted, err := cb.Write(ctx, make([]byte, 1024))
		require.NoError(t, err)
		assert.True(t, accepted)
	}
	assert.Equal(t, 4096, cb.BufferedBytes())

	// The hard cap escalates to the Error strategy.
	accepted, err := cb.Write(ctx, []byte("x"))
	assert.False(t, accepted)
	require.Error(t, err)
	assert.True(t, errors.IsBackpressure(err))
	assert.ErrorIs(t, err, errors.ErrBufferCapacity)
}

func TestErrorStrategyRaisesOnOverflow(t *testing.T) {
	cb := mustBuffer(t, 2048, 1024, WithStrategy(StrategyError))
	ctx := context.Background()

	accepted, err := cb.Write(ctx, make([]byte, 1024))
	require.NoError(t, err)
	assert.True(t, accepted)

	accepted, err = cb.Write(ctx, []byte("overflow"))
	assert.False(t, accepted)
	assert.True(t, errors.IsBackpressure(err))
	assert.ErrorIs(t, err, errors.ErrBufferOverflow)
	assert.Equal(t, 1024, cb.BufferedBytes(), "buffered size unchanged")
}

func TestDrainCallbackOnCrossingBelowMark(t *testing.T) {
	drains := make(chan struct{}, 1)
	cb := mustBuffer(t, 8192, 1024,
		WithStrategy(StrategyBuffer),
		WithDrainCallback(func() { drains <- struct{}{} }))
	ctx := context.Background()

	_, err := cb.Write(ctx, make([]byte, 2000))
	require.NoError(t, err)

	cb.Read()
	select {
	case <-drains:
	case <-time.After(time.Second):
		t.Fatal("drain callback not fired")
	}
}

func TestTrailingPreservedAfterClose(t *testing.T) {
	cb := mustBuffer(t, 4096, 4096)
	ctx := context.Background()

	_, err := cb.Write(ctx, []byte("hello "))
	require.NoError(t, err)
	_, err = cb.Write(ctx, []byte("world"))
	require.NoError(t, err)

	cb.Close(nil)

	// Writes rejected, trailing data still observable.
	accepted, err := cb.Write(ctx, []byte("late"))
	assert.False(t, accepted)
	assert.Error(t, err)
	assert.Equal(t, []byte("hello world"), cb.Trailing())

	// Clear releases held capacity.
	cb.Clear()
	assert.Nil(t, cb.Trailing())
	assert.Equal(t, 0, cb.BufferedBytes())
}

func TestStatisticsReset(t *testing.T) {
	cb := mustBuffer(t, 4096, 4096)
	_, err := cb.Write(context.Background(), []byte("data"))
	require.NoError(t, err)
	cb.Read()

	s := cb.Stats()
	assert.Equal(t, int64(1), s.Writes())
	assert.Equal(t, int64(4), s.BytesIn())
	assert.Equal(t, int64(4), s.BytesOut())

	s.Reset()
	assert.Zero(t, s.Writes())
	assert.Zero(t, s.BytesIn())
	assert.Zero(t, s.MaxBuffered())
}

func TestUtilizationIsLive(t *testing.T) {
	cb := mustBuffer(t, 1000, 1000)
	_, err := cb.Write(context.Background(), make([]byte, 250))
	require.NoError(t, err)

	assert.InDelta(t, 0.25, cb.Stats().Utilization(int64(cb.Capacity())), 1e-9)

	cb.Read()
	assert.InDelta(t, 0.0, cb.Stats().Utilization(int64(cb.Capacity())), 1e-9)
}
