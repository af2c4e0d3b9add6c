// Package metrics exposes the Prometheus gauges and counters relevant to
// running user code: container/process concurrency, permit wait time,
// and per-operation outcome counts. Trimmed from the teacher's much
// larger metrics registry (which also covered HTTP, AI, billing, and
// WebSocket concerns that this design has no HTTP front end to emit) but
// keeping its promauto-based construction and singleton-via-sync.Once
// shape.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apexplay/coordinator/internal/limiter"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds every collector the Coordinator registers.
type Metrics struct {
	ContainersActive    prometheus.Gauge
	ContainersStarted   prometheus.Counter
	ContainersTornDown  *prometheus.CounterVec
	ProcessesActive     prometheus.Gauge
	PermitWaitDuration  *prometheus.HistogramVec
	OperationsTotal     *prometheus.CounterVec
	OperationDuration   *prometheus.HistogramVec
	WorkerOutputDropped prometheus.Counter
}

// Get returns the process-wide Metrics singleton, registering its
// collectors with the default Prometheus registry the first time it's
// called.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		ContainersActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Subsystem: "containers",
			Name:      "active",
			Help:      "Number of Containers currently constructed across all channels.",
		}),
		ContainersStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "containers",
			Name:      "started_total",
			Help:      "Total number of Containers started since process startup.",
		}),
		ContainersTornDown: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "containers",
			Name:      "torn_down_total",
			Help:      "Total number of Containers torn down, labeled by reason.",
		}, []string{"reason"}),
		ProcessesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Subsystem: "processes",
			Name:      "active",
			Help:      "Number of worker subprocesses currently running across all Containers.",
		}),
		PermitWaitDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "permits",
			Name:      "wait_duration_seconds",
			Help:      "Time spent waiting to acquire a resource permit.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "operations",
			Name:      "total",
			Help:      "Total number of completed operations, labeled by operation and outcome.",
		}, []string{"operation", "outcome"}),
		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Subsystem: "operations",
			Name:      "duration_seconds",
			Help:      "Operation wall-clock duration in seconds.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		WorkerOutputDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Subsystem: "worker",
			Name:      "output_dropped_total",
			Help:      "Total number of output packets dropped because the caller's context was done before delivery.",
		}),
	}
}

// ObserveOperation records one completed operation's outcome and
// duration. outcome should be "ok" or "error".
func (m *Metrics) ObserveOperation(operation, outcome string, d time.Duration) {
	m.OperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.OperationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObservePermitWait records time spent waiting for a permit of the given
// kind ("container" or "process").
func (m *Metrics) ObservePermitWait(kind string, d time.Duration) {
	m.PermitWaitDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// PermitHooks wires a limiter.Limiter's acquire/release lifecycle into
// this Metrics instance: permit wait durations and the process-active
// gauge.
func (m *Metrics) PermitHooks() *limiter.Hooks {
	return &limiter.Hooks{
		OnAcquireEnd: func(kind string, outcome limiter.AcquireOutcome, wait time.Duration) {
			m.ObservePermitWait(kind, wait)
			if kind == "process" && outcome == limiter.OutcomeAcquired {
				m.ProcessesActive.Inc()
			}
		},
		OnRelease: func(kind string) {
			if kind == "process" {
				m.ProcessesActive.Dec()
			}
		},
	}
}
