package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/streamkit/boundary"
	"github.com/c360/streamkit/config"
	skerrors "github.com/c360/streamkit/errors"
	"github.com/c360/streamkit/metric"
	"github.com/c360/streamkit/pkg/backoff"
	"github.com/c360/streamkit/pkg/buffer"
)

// Engine schedules content delivery across registered boundaries. All
// scheduling decisions happen under a single mutex, so the state machine
// is logically single-threaded; producers and consumers interact with it
// through per-boundary handles.
type Engine struct {
	mu sync.Mutex

	cfg    config.Config
	logger *slog.Logger

	registry *boundary.Registry
	tracked  map[string]*tracked
	pending  *pendingQueue
	retry    backoff.Policy
	closed   bool

	// counters for the metrics snapshot
	completed     int64
	failed        int64
	aborted       int64
	retryAttempts int64
	backpressure  int64

	eventQ []Event

	subsMu  sync.Mutex
	subs    map[int]func(Event)
	nextSub int

	onError         func(error)
	onStreamError   func(id string, err error)
	onMetricsUpdate func(StreamMetrics)
	writeLimiter    *rate.Limiter

	metrics *engineMetrics
	started time.Time
}

// tracked is the engine's view of one registered boundary: descriptor
// state plus the delivery buffer and the timers that gate it.
type tracked struct {
	b   *boundary.Boundary
	buf *buffer.ChunkBuffer

	done    chan struct{}
	doneErr error

	eligibleAt time.Time
	lastErr    error
	heapIndex  int
	stallGen   uint64
	bpPaused   bool // paused by backpressure engagement, not by the producer

	deferTimer  *time.Timer
	stallTimer  *time.Timer
	globalTimer *time.Timer

	startedAt    time.Time
	firstChunkAt time.Time
}

func (t *tracked) stopTimersLocked() {
	if t.deferTimer != nil {
		t.deferTimer.Stop()
		t.deferTimer = nil
	}
	t.stopStallTimerLocked()
	if t.globalTimer != nil {
		t.globalTimer.Stop()
		t.globalTimer = nil
	}
}

func (t *tracked) stopStallTimerLocked() {
	if t.stallTimer != nil {
		t.stallTimer.Stop()
		t.stallTimer = nil
	}
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetricsRegistry wires the engine's Prometheus collectors into reg.
// Without it the engine runs unmetered.
func WithMetricsRegistry(reg *metric.Registry) Option {
	return func(e *Engine) {
		e.metrics = newEngineMetrics(reg)
	}
}

// WithOnError sets the callback invoked for internal failures such as
// panicking subscribers. It must not block.
func WithOnError(fn func(error)) Option {
	return func(e *Engine) { e.onError = fn }
}

// WithOnStreamError sets the callback invoked when a boundary settles in
// the error state. Transient failures that will be retried are not
// surfaced here; subscribe to EventRetry to observe them.
func WithOnStreamError(fn func(id string, err error)) Option {
	return func(e *Engine) { e.onStreamError = fn }
}

// WithOnMetricsUpdate sets the callback invoked with a fresh metrics
// snapshot after every batch of events.
func WithOnMetricsUpdate(fn func(StreamMetrics)) Option {
	return func(e *Engine) { e.onMetricsUpdate = fn }
}

// WithWriteLimiter applies a global rate limit, in chunks per second,
// across all producer writes.
func WithWriteLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.writeLimiter = l }
}

// WithRetryPolicy replaces the default linear retry backoff. The policy's
// base delay overrides the configured retry delay.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(e *Engine) { e.retry = p }
}

// New validates cfg and builds an engine. The engine is ready immediately;
// there is no separate start step.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, skerrors.Wrap(err, "engine", "New", "validate configuration")
	}

	e := &Engine{
		cfg:      cfg,
		logger:   slog.Default(),
		registry: boundary.NewRegistry(),
		tracked:  make(map[string]*tracked),
		pending:  newPendingQueue(),
		retry:    backoff.Default(cfg.RetryDelay.Std()),
		subs:     make(map[int]func(Event)),
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Register adds a boundary under desc and returns its handle. A duplicate
// ID is rejected unless replace is set, in which case the existing boundary
// is aborted and superseded.
func (e *Engine) Register(desc boundary.Descriptor, replace bool) (*Handle, error) {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return nil, skerrors.ErrEngineClosed
	}

	if existing, ok := e.tracked[desc.ID]; ok && desc.ID != "" {
		if !replace {
			e.mu.Unlock()
			return nil, skerrors.Invalid(desc.ID, skerrors.ErrDuplicateBoundary)
		}
		e.abortLocked(existing, "replaced by re-registration")
		delete(e.tracked, desc.ID)
	}

	b, err := e.registry.Register(desc, replace)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	t := &tracked{
		b:         b,
		done:      make(chan struct{}),
		buf:       e.newBufferLocked(b.ID),
		heapIndex: -1,
	}
	e.tracked[b.ID] = t

	e.enqueueLocked(t)
	e.schedulePassLocked()
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)

	e.logger.Debug("boundary registered",
		"boundary_id", b.ID,
		"priority", b.Priority.String(),
		"defer", b.Defer,
	)
	return &Handle{engine: e, id: b.ID}, nil
}

// newBufferLocked builds the delivery buffer for id using the engine's
// configured strategy, with callbacks routed back into the scheduler.
func (e *Engine) newBufferLocked(id string) *buffer.ChunkBuffer {
	buf, err := buffer.NewChunkBuffer(id, e.cfg.BufferSize, e.cfg.HighWaterMark,
		buffer.WithStrategy(e.cfg.Strategy()),
		buffer.WithDropPolicy(e.cfg.Drop()),
		buffer.WithAcceptCallback(func(n int) { e.chunkAccepted(id, n) }),
		buffer.WithBackpressureCallback(func() { e.backpressureEngaged(id) }),
		buffer.WithDrainCallback(func() { e.bufferDrained(id) }),
		buffer.WithDropCallback(func(c buffer.Chunk) {
			e.logger.Debug("chunk dropped", "boundary_id", id, "bytes", len(c.Data))
		}),
	)
	if err != nil {
		// Config was validated in New, so the buffer parameters are sound.
		panic(fmt.Sprintf("engine: buffer construction failed: %v", err))
	}
	return buf
}

// Handle returns the handle for an already-registered boundary.
func (e *Engine) Handle(id string) (*Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tracked[id]; !ok {
		return nil, skerrors.ErrBoundaryNotFound
	}
	return &Handle{engine: e, id: id}, nil
}

// Boundaries returns a snapshot of all tracked boundaries ordered by
// priority, then registration sequence.
func (e *Engine) Boundaries() []boundary.Boundary {
	e.mu.Lock()
	defer e.mu.Unlock()
	listed := e.registry.List()
	out := make([]boundary.Boundary, 0, len(listed))
	for _, b := range listed {
		out = append(out, *b)
	}
	return out
}

// Sweep drops boundaries that settled in a terminal state, typically after
// a hydration snapshot was taken. It returns how many were collected.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, t := range e.tracked {
		if t.b.State.Terminal() {
			delete(e.tracked, id)
		}
	}
	return e.registry.Sweep()
}

// Close aborts every non-terminal boundary and rejects further
// registrations. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, t := range e.tracked {
		e.abortLocked(t, "engine closed")
	}
	events := e.drainEventsLocked()
	e.mu.Unlock()
	e.fire(events)
	e.logger.Info("engine closed")
	return nil
}

func errFromPanic(origin string, r any) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("%s panicked: %w", origin, err)
	}
	return fmt.Errorf("%s panicked: %v", origin, r)
}
