package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamkit/boundary"
	"github.com/c360/streamkit/config"
	skerrors "github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/pkg/backoff"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.MaxConcurrentStreams = 2
	cfg.BufferSize = 4096
	cfg.HighWaterMark = 1024
	cfg.GlobalTimeout = 0
	cfg.EnableRetry = false
	return cfg
}

func newTestEngine(t *testing.T, cfg config.Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func waitState(t *testing.T, h *Handle, want boundary.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := h.Status()
		return err == nil && st.State == want
	}, waitFor, tick, "boundary %s should reach %s", h.ID(), want)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.MaxConcurrentStreams = 0
	_, err := New(cfg)
	require.Error(t, err)
}

func TestRegisterStreamComplete(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{ID: "hero", Priority: boundary.PriorityCritical}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	require.NoError(t, h.Write(context.Background(), []byte("above")))
	require.NoError(t, h.Write(context.Background(), []byte("the fold")))
	require.NoError(t, h.Complete())

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("done channel should close on completion")
	}
	require.NoError(t, h.Err())

	st, err := h.Status()
	require.NoError(t, err)
	assert.True(t, st.IsComplete())
	assert.Equal(t, int64(2), st.ChunksReceived)
	assert.Equal(t, int64(13), st.BytesTransferred)

	// Completion keeps buffered chunks readable.
	chunks := h.ReadAll()
	require.Len(t, chunks, 2)
	assert.Equal(t, []byte("above"), chunks[0].Data)
	assert.Equal(t, []byte("the fold"), chunks[1].Data)
}

func TestRegisterGeneratesID(t *testing.T) {
	e := newTestEngine(t, testConfig())
	h, err := e.Register(boundary.Descriptor{Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	require.NotEmpty(t, h.ID())
}

func TestRegisterDuplicate(t *testing.T) {
	e := newTestEngine(t, testConfig())

	first, err := e.Register(boundary.Descriptor{ID: "sidebar", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)

	_, err = e.Register(boundary.Descriptor{ID: "sidebar", Priority: boundary.PriorityNormal}, false)
	require.Error(t, err)
	require.ErrorIs(t, err, skerrors.ErrDuplicateBoundary)

	// Replacement aborts the original registration.
	second, err := e.Register(boundary.Descriptor{ID: "sidebar", Priority: boundary.PriorityHigh}, true)
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("replaced boundary should settle")
	}
	waitState(t, second, boundary.StateStreaming)
}

func TestPriorityOrdersAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	e := newTestEngine(t, cfg)

	occupant, err := e.Register(boundary.Descriptor{ID: "occupant", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, occupant, boundary.StateStreaming)

	low, err := e.Register(boundary.Descriptor{ID: "low", Priority: boundary.PriorityLow}, false)
	require.NoError(t, err)
	critical, err := e.Register(boundary.Descriptor{ID: "critical", Priority: boundary.PriorityCritical}, false)
	require.NoError(t, err)

	waitState(t, low, boundary.StatePending)
	waitState(t, critical, boundary.StatePending)

	require.NoError(t, occupant.Complete())

	// The critical boundary registered later but outranks the low one.
	waitState(t, critical, boundary.StateStreaming)
	st, err := low.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePending, st.State)
}

func TestRegistrationOrderBreaksPriorityTies(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	e := newTestEngine(t, cfg)

	occupant, err := e.Register(boundary.Descriptor{ID: "occupant", Priority: boundary.PriorityHigh}, false)
	require.NoError(t, err)
	waitState(t, occupant, boundary.StateStreaming)

	first, err := e.Register(boundary.Descriptor{ID: "first", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	second, err := e.Register(boundary.Descriptor{ID: "second", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)

	require.NoError(t, occupant.Complete())
	waitState(t, first, boundary.StateStreaming)

	st, err := second.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePending, st.State)
}

func TestConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 2
	e := newTestEngine(t, cfg)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := e.Register(boundary.Descriptor{ID: fmt.Sprintf("b-%d", i), Priority: boundary.PriorityNormal}, false)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	waitState(t, handles[0], boundary.StateStreaming)
	waitState(t, handles[1], boundary.StateStreaming)
	waitState(t, handles[2], boundary.StatePending)

	require.NoError(t, handles[0].Complete())
	waitState(t, handles[2], boundary.StateStreaming)
}

func TestDeferDelaysAdmission(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{
		ID:       "deferred",
		Priority: boundary.PriorityNormal,
		Defer:    60 * time.Millisecond,
	}, false)
	require.NoError(t, err)

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePending, st.State, "deferred boundary must not be admitted immediately")

	waitState(t, h, boundary.StateStreaming)
}

func TestStartSkipsRemainingDefer(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{
		ID:       "deferred",
		Priority: boundary.PriorityNormal,
		Defer:    time.Hour,
	}, false)
	require.NoError(t, err)

	require.NoError(t, h.Start())
	waitState(t, h, boundary.StateStreaming)
}

func TestPauseResume(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{ID: "feed", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	require.NoError(t, h.Pause())
	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePaused, st.State)
	assert.True(t, st.IsStreaming(), "paused boundary still holds its slot")

	// Writes are still accepted while delivery is paused.
	require.NoError(t, h.Write(context.Background(), []byte("queued")))

	require.NoError(t, h.Resume())
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Complete())
}

func TestPausedBoundaryKeepsSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	e := newTestEngine(t, cfg)

	a, err := e.Register(boundary.Descriptor{ID: "a", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, a, boundary.StateStreaming)
	require.NoError(t, a.Pause())

	b, err := e.Register(boundary.Descriptor{ID: "b", Priority: boundary.PriorityCritical}, false)
	require.NoError(t, err)

	// Even a critical boundary cannot take a slot held by a paused stream.
	time.Sleep(50 * time.Millisecond)
	st, err := b.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePending, st.State)

	require.NoError(t, a.Resume())
	require.NoError(t, a.Complete())
	waitState(t, b, boundary.StateStreaming)
}

func TestBackpressurePausesUntilDrain(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 256
	cfg.HighWaterMark = 64
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{ID: "throttled", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- mustWrite(h, 64)
	}()

	// Engagement suspends the producer and parks the boundary.
	waitState(t, h, boundary.StatePaused)

	// Draining below the mark resumes the boundary and releases the write.
	h.ReadAll()
	waitState(t, h, boundary.StateStreaming)
	select {
	case err := <-writeErr:
		require.NoError(t, err, "drained write should resolve as accepted")
	case <-time.After(waitFor):
		t.Fatal("drain should release the suspended writer")
	}
	require.NoError(t, h.Complete())
}

func TestBackpressurePauseStopsStallTimer(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 256
	cfg.HighWaterMark = 64
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{
		ID:       "slow-consumer",
		Priority: boundary.PriorityNormal,
		Timeout:  60 * time.Millisecond,
	}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- mustWrite(h, 64)
	}()
	waitState(t, h, boundary.StatePaused)

	// Stay suspended well past the inactivity timeout. A slow consumer is
	// not a stalled producer.
	time.Sleep(150 * time.Millisecond)
	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePaused, st.State, "suspension must not be failed as a stall")

	h.ReadAll()
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, <-writeErr)
	require.NoError(t, h.Complete())
}

func TestManualPauseSurvivesDrain(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 256
	cfg.HighWaterMark = 64
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{ID: "held", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Pause())

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- mustWrite(h, 64)
	}()
	require.Eventually(t, func() bool {
		return e.Metrics().BackpressureEvents > 0
	}, waitFor, tick, "writer should hit the high-water mark")

	// The drain releases the writer, but a producer-requested pause is
	// lifted only by Resume.
	h.ReadAll()
	require.NoError(t, <-writeErr)
	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePaused, st.State)

	require.NoError(t, h.Resume())
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Complete())
}

func TestAbortUnblocksSuspendedWriter(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 256
	cfg.HighWaterMark = 64
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{ID: "stuck", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	writeErr := make(chan error, 1)
	go func() {
		// The write reaches the mark and suspends: nothing drains the buffer.
		writeErr <- mustWrite(h, 64)
	}()

	require.Eventually(t, func() bool {
		m := e.Metrics()
		return m.BackpressureEvents > 0
	}, waitFor, tick, "writer should hit the high-water mark")

	require.NoError(t, h.Abort("user navigated away"))

	// The suspended write must resolve with a cancellation error, never as
	// success, even though the abort emptied the buffer.
	select {
	case err := <-writeErr:
		require.Error(t, err)
		assert.True(t, skerrors.IsAbort(err), "suspended write should fail with an abort, got %v", err)
	case <-time.After(waitFor):
		t.Fatal("abort should unblock the suspended writer")
	}

	require.Error(t, h.Err())
	assert.True(t, skerrors.IsAbort(h.Err()))
	assert.Empty(t, h.ReadAll(), "abort discards buffered content")
}

func mustWrite(h *Handle, n int) error {
	return h.Write(context.Background(), make([]byte, n))
}

func TestAbortIdempotent(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{ID: "once", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	require.NoError(t, h.Abort("first"))
	require.NoError(t, h.Abort("second"), "aborting a settled boundary is a no-op")

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StateAborted, st.State)
}

func TestStallTimeoutWithoutRetrySettlesInError(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{
		ID:       "silent",
		Priority: boundary.PriorityNormal,
		Timeout:  50 * time.Millisecond,
	}, false)
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("silent boundary should time out")
	}

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StateError, st.State)
	assert.ErrorIs(t, h.Err(), skerrors.ErrBoundaryTimeout)
	kind, ok := skerrors.KindOf(h.Err())
	require.True(t, ok)
	assert.Equal(t, skerrors.KindTimeout, kind)
}

func TestStallTimeoutRetriesThenExhausts(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRetry = true
	cfg.MaxRetries = 2
	cfg.RetryDelay = config.Duration(10 * time.Millisecond)
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{
		ID:       "stalled",
		Priority: boundary.PriorityNormal,
		Timeout:  30 * time.Millisecond,
	}, false)
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("stalled boundary should settle after exhausting retries")
	}

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StateError, st.State)
	assert.Equal(t, 2, st.RetryCount)
	assert.True(t, skerrors.IsRetryExhausted(h.Err()), "got %v", h.Err())
	assert.ErrorIs(t, h.Err(), skerrors.ErrBoundaryTimeout)
}

func TestChunkResetsStallTimer(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{
		ID:       "slow-but-alive",
		Priority: boundary.PriorityNormal,
		Timeout:  80 * time.Millisecond,
	}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	// Keep writing inside the timeout window for longer than the window.
	for i := 0; i < 5; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, h.Write(context.Background(), []byte("tick")))
	}

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StateStreaming, st.State, "active producer must not be timed out")
	require.NoError(t, h.Complete())
}

func TestGlobalTimeoutIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRetry = true
	cfg.MaxRetries = 3
	cfg.RetryDelay = config.Duration(10 * time.Millisecond)
	cfg.GlobalTimeout = config.Duration(50 * time.Millisecond)
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{ID: "ceiling", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("global timeout should settle the boundary")
	}

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StateError, st.State)
	assert.Equal(t, 0, st.RetryCount, "lifetime ceiling must not be retried")
	assert.ErrorIs(t, h.Err(), skerrors.ErrGlobalTimeout)
}

func TestGlobalTimeoutCoversPendingWait(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalTimeout = config.Duration(50 * time.Millisecond)
	e := newTestEngine(t, cfg)

	// A defer window longer than the ceiling keeps the boundary pending.
	h, err := e.Register(boundary.Descriptor{
		ID:       "queued",
		Priority: boundary.PriorityLow,
		Defer:    time.Hour,
	}, false)
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("pending boundary should hit the lifetime ceiling")
	}

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StateError, st.State)
	assert.ErrorIs(t, h.Err(), skerrors.ErrGlobalTimeout)
}

func TestProducerFailureRetriesAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRetry = true
	cfg.MaxRetries = 3
	cfg.RetryDelay = config.Duration(10 * time.Millisecond)
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{ID: "flaky", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	require.NoError(t, h.Fail(errors.New("upstream hiccup")))

	// Re-admitted after the backoff window.
	waitState(t, h, boundary.StateStreaming)
	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.RetryCount)

	require.NoError(t, h.Write(context.Background(), []byte("recovered")))
	require.NoError(t, h.Complete())
	require.NoError(t, h.Err())
}

func TestCustomRetryPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRetry = true
	cfg.MaxRetries = 2
	e := newTestEngine(t, cfg, WithRetryPolicy(backoff.Policy{
		Shape: backoff.Exponential,
		Base:  5 * time.Millisecond,
		Max:   20 * time.Millisecond,
	}))

	h, err := e.Register(boundary.Descriptor{ID: "exp", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	require.NoError(t, h.Fail(errors.New("first")))
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Fail(errors.New("second")))
	waitState(t, h, boundary.StateStreaming)

	st, err := h.Status()
	require.NoError(t, err)
	assert.Equal(t, 2, st.RetryCount)
	require.NoError(t, h.Complete())
}

func TestFailWithoutRetryBudgetSettles(t *testing.T) {
	cfg := testConfig()
	cfg.EnableRetry = false
	e := newTestEngine(t, cfg)

	h, err := e.Register(boundary.Descriptor{ID: "fatal", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)

	require.NoError(t, h.Fail(errors.New("boom")))

	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("failure without retry budget should settle immediately")
	}
	require.Error(t, h.Err())
}

func TestResetAfterCompletion(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{ID: "again", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Write(context.Background(), []byte("first run")))
	require.NoError(t, h.Complete())
	<-h.Done()

	require.NoError(t, h.Reset())
	waitState(t, h, boundary.StateStreaming)

	st, err := h.Status()
	require.NoError(t, err)
	assert.Zero(t, st.BytesTransferred, "reset must clear counters")
	assert.Zero(t, st.ChunksReceived)
	require.NoError(t, h.Err())

	require.NoError(t, h.Write(context.Background(), []byte("second run")))
	require.NoError(t, h.Complete())
}

func TestResetFromErrorRejected(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{ID: "settled", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Fail(errors.New("boom")))
	<-h.Done()

	err = h.Reset()
	require.Error(t, err)
	require.ErrorIs(t, err, skerrors.ErrInvalidTransition)
}

func TestEscalateReordersPending(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	e := newTestEngine(t, cfg)

	occupant, err := e.Register(boundary.Descriptor{ID: "occupant", Priority: boundary.PriorityHigh}, false)
	require.NoError(t, err)
	waitState(t, occupant, boundary.StateStreaming)

	back, err := e.Register(boundary.Descriptor{ID: "back", Priority: boundary.PriorityLow}, false)
	require.NoError(t, err)
	front, err := e.Register(boundary.Descriptor{ID: "front", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)

	require.NoError(t, back.Escalate(boundary.PriorityCritical))
	require.NoError(t, occupant.Complete())

	waitState(t, back, boundary.StateStreaming)
	st, err := front.Status()
	require.NoError(t, err)
	assert.Equal(t, boundary.StatePending, st.State)
}

func TestSubscribeDeliversLifecycleEvents(t *testing.T) {
	e := newTestEngine(t, testConfig())

	type transition struct{ from, to boundary.State }
	var (
		transitions []transition
		chunks      int
	)
	done := make(chan struct{})
	unsub := e.Subscribe(func(ev Event) {
		switch ev.Type {
		case EventStateChange:
			transitions = append(transitions, transition{ev.From, ev.To})
			if ev.To == boundary.StateCompleted {
				close(done)
			}
		case EventChunk:
			chunks++
		}
	})
	defer unsub()

	h, err := e.Register(boundary.Descriptor{ID: "observed", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Write(context.Background(), []byte("payload")))
	require.NoError(t, h.Complete())

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("completion event should be delivered")
	}

	want := []transition{
		{boundary.StateIdle, boundary.StatePending},
		{boundary.StatePending, boundary.StateStreaming},
		{boundary.StateStreaming, boundary.StateCompleted},
	}
	assert.Equal(t, want, transitions)
	assert.Equal(t, 1, chunks)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	e := newTestEngine(t, testConfig())

	events := 0
	unsub := e.Subscribe(func(Event) { events++ })
	unsub()

	h, err := e.Register(boundary.Descriptor{ID: "quiet", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	assert.Zero(t, events)
}

func TestSubscriberPanicContained(t *testing.T) {
	var internalErr error
	e := newTestEngine(t, testConfig(), WithOnError(func(err error) { internalErr = err }))

	unsub := e.Subscribe(func(Event) { panic("misbehaving observer") })
	defer unsub()

	h, err := e.Register(boundary.Descriptor{ID: "sturdy", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Write(context.Background(), []byte("still works")))
	require.NoError(t, h.Complete())

	require.Error(t, internalErr)
	assert.Contains(t, internalErr.Error(), "panicked")
}

func TestOnStreamErrorCallback(t *testing.T) {
	failures := make(chan string, 4)
	cfg := testConfig()
	e := newTestEngine(t, cfg, WithOnStreamError(func(id string, err error) {
		failures <- id
	}))

	h, err := e.Register(boundary.Descriptor{ID: "reported", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Fail(errors.New("boom")))

	select {
	case id := <-failures:
		assert.Equal(t, "reported", id)
	case <-time.After(waitFor):
		t.Fatal("stream error callback should fire")
	}
}

func TestOnStreamErrorSilentDuringRetries(t *testing.T) {
	failures := make(chan string, 4)
	cfg := testConfig()
	cfg.EnableRetry = true
	cfg.MaxRetries = 1
	cfg.RetryDelay = config.Duration(10 * time.Millisecond)
	e := newTestEngine(t, cfg, WithOnStreamError(func(id string, err error) {
		failures <- id
	}))

	// A failure that recovers within budget is never surfaced.
	h, err := e.Register(boundary.Descriptor{ID: "recovers", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Fail(errors.New("transient")))
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Complete())

	select {
	case id := <-failures:
		t.Fatalf("transient failure surfaced for %s before retries were exhausted", id)
	case <-time.After(100 * time.Millisecond):
	}

	// Exhausting the budget surfaces exactly one settled error.
	doomed, err := e.Register(boundary.Descriptor{ID: "doomed", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, doomed, boundary.StateStreaming)
	require.NoError(t, doomed.Fail(errors.New("first")))
	waitState(t, doomed, boundary.StateStreaming)
	require.NoError(t, doomed.Fail(errors.New("second")))

	select {
	case <-doomed.Done():
	case <-time.After(waitFor):
		t.Fatal("exhausted boundary should settle")
	}
	select {
	case id := <-failures:
		assert.Equal(t, "doomed", id)
	case <-time.After(waitFor):
		t.Fatal("settled error should be surfaced")
	}
	assert.Empty(t, failures, "only the settled failure is reported")
}

func TestCloseAbortsEverything(t *testing.T) {
	e := newTestEngine(t, testConfig())

	a, err := e.Register(boundary.Descriptor{ID: "a", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	b, err := e.Register(boundary.Descriptor{ID: "b", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "close is idempotent")

	for _, h := range []*Handle{a, b} {
		select {
		case <-h.Done():
		case <-time.After(waitFor):
			t.Fatal("close should settle every boundary")
		}
		assert.True(t, skerrors.IsAbort(h.Err()))
	}

	_, err = e.Register(boundary.Descriptor{ID: "late", Priority: boundary.PriorityNormal}, false)
	require.ErrorIs(t, err, skerrors.ErrEngineClosed)
}

func TestWriteRejectedBeforeAdmission(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	e := newTestEngine(t, cfg)

	occupant, err := e.Register(boundary.Descriptor{ID: "occupant", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, occupant, boundary.StateStreaming)

	waiting, err := e.Register(boundary.Descriptor{ID: "waiting", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)

	err = waiting.Write(context.Background(), []byte("too early"))
	require.Error(t, err)
	require.ErrorIs(t, err, skerrors.ErrInvalidTransition)
}

func TestSweepCollectsSettledBoundaries(t *testing.T) {
	e := newTestEngine(t, testConfig())

	h, err := e.Register(boundary.Descriptor{ID: "done", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, h, boundary.StateStreaming)
	require.NoError(t, h.Complete())
	<-h.Done()

	keep, err := e.Register(boundary.Descriptor{ID: "running", Priority: boundary.PriorityNormal}, false)
	require.NoError(t, err)
	waitState(t, keep, boundary.StateStreaming)

	assert.Equal(t, 1, e.Sweep())
	_, err = h.Status()
	require.ErrorIs(t, err, skerrors.ErrBoundaryNotFound)

	_, err = keep.Status()
	require.NoError(t, err)
}
