// Package metrics exposes Prometheus collectors for the memory engine.
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cortexmem"

// Metrics holds every collector the engine reports.
type Metrics struct {
	registry *prometheus.Registry

	QueueDepth      *prometheus.GaugeVec
	WritesApplied   *prometheus.CounterVec
	WriteRetries    *prometheus.CounterVec
	DeadLetters     *prometheus.CounterVec
	WriteDuration   *prometheus.HistogramVec
	TrustDenials    *prometheus.CounterVec
	TrustSignals    *prometheus.CounterVec
	GraphBuilds     *prometheus.CounterVec
	GraphBuildTime  *prometheus.HistogramVec
	GraphClusters   *prometheus.GaugeVec
	RankingPhase    *prometheus.GaugeVec
	RankingDegraded *prometheus.CounterVec
	Feedback        *prometheus.CounterVec
	TierTransitions *prometheus.CounterVec
	Events          *prometheus.CounterVec
}

// New registers all collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "write_queue_depth",
			Help: "Writes waiting in the per-profile queue",
		}, []string{"profile"}),
		WritesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "writes_applied_total",
			Help: "Queued writes applied, by operation",
		}, []string{"profile", "operation"}),
		WriteRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "write_retries_total",
			Help: "Transient write failures that were retried",
		}, []string{"profile"}),
		DeadLetters: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_letters_total",
			Help: "Writes that exhausted their retry budget",
		}, []string{"profile"}),
		WriteDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "write_duration_seconds",
			Help:    "Time from dequeue to commit",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"profile"}),
		TrustDenials: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trust_denials_total",
			Help: "Operations denied by the trust gate",
		}, []string{"operation", "reason"}),
		TrustSignals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trust_signals_total",
			Help: "Trust evidence recorded, by kind",
		}, []string{"kind"}),
		GraphBuilds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "graph_builds_total",
			Help: "Graph builds by outcome",
		}, []string{"profile", "outcome"}),
		GraphBuildTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "graph_build_seconds",
			Help:    "Graph build duration",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"profile"}),
		GraphClusters: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "graph_clusters",
			Help: "Clusters in the published generation",
		}, []string{"profile"}),
		RankingPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ranking_phase",
			Help: "Current ranking phase ordinal (0 baseline, 1 rule_based, 2 ml)",
		}, []string{"profile"}),
		RankingDegraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ranking_degraded_total",
			Help: "Rank calls that fell back a phase",
		}, []string{"profile", "from", "to"}),
		Feedback: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feedback_signals_total",
			Help: "Feedback signals recorded",
		}, []string{"profile", "kind", "synthetic"}),
		TierTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tier_transitions_total",
			Help: "Archive tier transitions",
		}, []string{"profile", "from", "to"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Domain events observed on the bus",
		}, []string{"type"}),
	}
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ─── write queue ────────────────────────────────────────────────────────────

func (m *Metrics) QueueEnqueued(profile string) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(profile).Inc()
}

func (m *Metrics) QueueDequeued(profile string) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(profile).Dec()
}

func (m *Metrics) WriteApplied(profile, op string, took time.Duration) {
	if m == nil {
		return
	}
	m.WritesApplied.WithLabelValues(profile, op).Inc()
	m.WriteDuration.WithLabelValues(profile).Observe(took.Seconds())
}

func (m *Metrics) WriteRetried(profile string) {
	if m == nil {
		return
	}
	m.WriteRetries.WithLabelValues(profile).Inc()
}

func (m *Metrics) DeadLettered(profile string) {
	if m == nil {
		return
	}
	m.DeadLetters.WithLabelValues(profile).Inc()
}

func (m *Metrics) TierTransition(profile, from, to string) {
	if m == nil {
		return
	}
	m.TierTransitions.WithLabelValues(profile, from, to).Inc()
}

// ─── trust ──────────────────────────────────────────────────────────────────

func (m *Metrics) TrustDenied(op, reason string) {
	if m == nil {
		return
	}
	m.TrustDenials.WithLabelValues(op, reason).Inc()
}

func (m *Metrics) TrustSignal(kind string) {
	if m == nil {
		return
	}
	m.TrustSignals.WithLabelValues(kind).Inc()
}

// ─── graph ──────────────────────────────────────────────────────────────────

func (m *Metrics) GraphBuilt(profile string, took time.Duration, clusters int) {
	if m == nil {
		return
	}
	m.GraphBuilds.WithLabelValues(profile, "ok").Inc()
	m.GraphBuildTime.WithLabelValues(profile).Observe(took.Seconds())
	m.GraphClusters.WithLabelValues(profile).Set(float64(clusters))
}

func (m *Metrics) GraphFailed(profile string) {
	if m == nil {
		return
	}
	m.GraphBuilds.WithLabelValues(profile, "error").Inc()
}

// ─── ranking ────────────────────────────────────────────────────────────────

func (m *Metrics) Phase(profile string, ordinal int) {
	if m == nil {
		return
	}
	m.RankingPhase.WithLabelValues(profile).Set(float64(ordinal))
}

func (m *Metrics) Degraded(profile, from, to string) {
	if m == nil {
		return
	}
	m.RankingDegraded.WithLabelValues(profile, from, to).Inc()
}

func (m *Metrics) FeedbackRecorded(profile, kind string, synthetic bool) {
	if m == nil {
		return
	}
	s := "false"
	if synthetic {
		s = "true"
	}
	m.Feedback.WithLabelValues(profile, kind, s).Inc()
}
