package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamkit/boundary"
	"github.com/c360/streamkit/metric"
)

// engineMetrics holds the engine's Prometheus collectors. A nil receiver
// is valid and turns every method into a no-op, so the engine runs the
// same with or without a registry.
type engineMetrics struct {
	activeStreams  prometheus.Gauge
	pendingStreams prometheus.Gauge
	admittedTotal  *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	failedTotal    *prometheus.CounterVec
	abortedTotal   *prometheus.CounterVec
	retriesTotal   prometheus.Counter
	backpressure   prometheus.Counter
	chunksTotal    *prometheus.CounterVec
	bytesTotal     *prometheus.CounterVec
}

func newEngineMetrics(reg *metric.Registry) *engineMetrics {
	if reg == nil {
		return nil
	}

	m := &engineMetrics{
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "active_streams",
			Help:      "Boundaries currently holding a delivery slot.",
		}),
		pendingStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "pending_streams",
			Help:      "Boundaries waiting for admission.",
		}),
		admittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "admitted_total",
			Help:      "Boundaries admitted to streaming.",
		}, []string{"priority"}),
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "completed_total",
			Help:      "Boundaries that finished successfully.",
		}, []string{"priority"}),
		failedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "failed_total",
			Help:      "Boundaries that settled in the error state.",
		}, []string{"priority"}),
		abortedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "aborted_total",
			Help:      "Boundaries cancelled before completion.",
		}, []string{"priority"}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "retries_total",
			Help:      "Retry re-queues across all boundaries.",
		}),
		backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "backpressure_events_total",
			Help:      "Writes that engaged the backpressure strategy.",
		}),
		chunksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "chunks_total",
			Help:      "Chunks accepted for delivery.",
		}, []string{"priority"}),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "bytes_total",
			Help:      "Bytes accepted for delivery.",
		}, []string{"priority"}),
	}

	reg.Register("engine", "active_streams", m.activeStreams)
	reg.Register("engine", "pending_streams", m.pendingStreams)
	reg.Register("engine", "admitted_total", m.admittedTotal)
	reg.Register("engine", "completed_total", m.completedTotal)
	reg.Register("engine", "failed_total", m.failedTotal)
	reg.Register("engine", "aborted_total", m.abortedTotal)
	reg.Register("engine", "retries_total", m.retriesTotal)
	reg.Register("engine", "backpressure_events_total", m.backpressure)
	reg.Register("engine", "chunks_total", m.chunksTotal)
	reg.Register("engine", "bytes_total", m.bytesTotal)
	return m
}

func (m *engineMetrics) setActive(n int) {
	if m == nil {
		return
	}
	m.activeStreams.Set(float64(n))
}

func (m *engineMetrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingStreams.Set(float64(n))
}

func (m *engineMetrics) admitted(p boundary.Priority) {
	if m == nil {
		return
	}
	m.admittedTotal.WithLabelValues(p.String()).Inc()
}

func (m *engineMetrics) completed(p boundary.Priority) {
	if m == nil {
		return
	}
	m.completedTotal.WithLabelValues(p.String()).Inc()
}

func (m *engineMetrics) failed(p boundary.Priority) {
	if m == nil {
		return
	}
	m.failedTotal.WithLabelValues(p.String()).Inc()
}

func (m *engineMetrics) aborted(p boundary.Priority) {
	if m == nil {
		return
	}
	m.abortedTotal.WithLabelValues(p.String()).Inc()
}

func (m *engineMetrics) retried() {
	if m == nil {
		return
	}
	m.retriesTotal.Inc()
}

func (m *engineMetrics) backpressured() {
	if m == nil {
		return
	}
	m.backpressure.Inc()
}

func (m *engineMetrics) chunk(p boundary.Priority, n int) {
	if m == nil {
		return
	}
	m.chunksTotal.WithLabelValues(p.String()).Inc()
	m.bytesTotal.WithLabelValues(p.String()).Add(float64(n))
}
