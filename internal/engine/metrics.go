package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus hook points. A nil *Metrics is valid
// and turns every recording method into a no-op, so components never need to
// branch on whether metrics are enabled.
type Metrics struct {
	acceptedTotal      prometheus.Counter
	rejectedTotal      *prometheus.CounterVec
	disposeTimeouts    prometheus.Counter
	stageDuration      *prometheus.HistogramVec
	policyInvocations  prometheus.Counter
	policyFailures     *prometheus.CounterVec
	chainTerminations  prometheus.Counter
	pendingInvocations prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newEngineCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fluxpipe",
		Subsystem: "engine",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the engine metrics collectors. Call Register before use
// to attach them to the registerer (DefaultRegisterer when nil).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &Metrics{
		registerer:      registerer,
		acceptedTotal:   newEngineCounter("events_accepted_total", "Total number of events admitted into a sink buffer"),
		disposeTimeouts: newEngineCounter("sink_dispose_timeouts_total", "Total number of sink disposals that hit the shutdown timeout"),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxpipe",
			Subsystem: "engine",
			Name:      "events_rejected_total",
			Help:      "Total number of submissions rejected by a sink",
		}, []string{"reason"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fluxpipe",
			Subsystem: "engine",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time by processing cost class",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class", "stage"}),
		policyInvocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluxpipe",
			Subsystem: "policy",
			Name:      "invocations_total",
			Help:      "Total number of invocations submitted to the policy chain",
		}),
		policyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxpipe",
			Subsystem: "policy",
			Name:      "failures_total",
			Help:      "Total number of invocations resolved with an error",
		}, []string{"kind"}),
		chainTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fluxpipe",
			Subsystem: "policy",
			Name:      "chain_terminations_total",
			Help:      "Total number of unexpected shared-pipeline terminations",
		}),
		pendingInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxpipe",
			Subsystem: "policy",
			Name:      "pending_invocations",
			Help:      "Invocations awaiting completion-handle resolution",
		}),
	}
}

// Register attaches all collectors to the configured registerer. Safe to call
// once; subsequent calls are no-ops.
func (m *Metrics) Register() error {
	if m == nil || m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.acceptedTotal,
		m.rejectedTotal,
		m.disposeTimeouts,
		m.stageDuration,
		m.policyInvocations,
		m.policyFailures,
		m.chainTerminations,
		m.pendingInvocations,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			return err
		}
	}
	m.registered = true
	return nil
}

func (m *Metrics) EventAccepted() {
	if m == nil {
		return
	}
	m.acceptedTotal.Inc()
}

func (m *Metrics) EventRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) DisposeTimeout() {
	if m == nil {
		return
	}
	m.disposeTimeouts.Inc()
}

func (m *Metrics) StageObserved(class ProcessingCostClass, stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(class.String(), stage).Observe(elapsed.Seconds())
}

func (m *Metrics) PolicyInvocation() {
	if m == nil {
		return
	}
	m.policyInvocations.Inc()
	m.pendingInvocations.Inc()
}

func (m *Metrics) PolicyResolved(failureKind string) {
	if m == nil {
		return
	}
	m.pendingInvocations.Dec()
	if failureKind != "" {
		m.policyFailures.WithLabelValues(failureKind).Inc()
	}
}

func (m *Metrics) ChainTerminated() {
	if m == nil {
		return
	}
	m.chainTerminations.Inc()
}
