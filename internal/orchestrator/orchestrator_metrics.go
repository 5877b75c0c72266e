package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/warden/internal/approval"
	"github.com/linnemanlabs/warden/internal/incident"
)

// Metrics holds the Prometheus instruments for the orchestration pipeline.
type Metrics struct {
	ingestsTotal     *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	stageAttempts    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	pipelinesActive  prometheus.Gauge
	pipelinesTotal   *prometheus.CounterVec
	approvalsTotal   *prometheus.CounterVec
	notifyFailures   prometheus.Counter
}

// NewMetrics registers the pipeline instruments on reg and returns them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_ingests_total",
			Help: "Alert ingests by result (accepted, duplicate, invalid).",
		}, []string{"result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_incident_transitions_total",
			Help: "Incident state transitions by from and to state.",
		}, []string{"from", "to"}),
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_stage_attempts_total",
			Help: "Stage attempts by stage and outcome (success, transient, permanent).",
		}, []string{"stage", "outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "warden_stage_duration_seconds",
			Help:    "Wall time per stage invocation, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		pipelinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warden_pipelines_active",
			Help: "Pipelines currently running.",
		}),
		pipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_pipelines_total",
			Help: "Finished pipelines by final incident status.",
		}, []string{"status"}),
		approvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warden_approvals_total",
			Help: "Approval outcomes by decision (APPROVED, REJECTED, EXPIRED).",
		}, []string{"decision"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warden_approval_notify_failures_total",
			Help: "Approval notifications that could not be delivered.",
		}),
	}

	reg.MustRegister(
		m.ingestsTotal,
		m.transitionsTotal,
		m.stageAttempts,
		m.stageDuration,
		m.pipelinesActive,
		m.pipelinesTotal,
		m.approvalsTotal,
		m.notifyFailures,
	)

	return m
}

// EngineHooks returns engine hooks wired to the metrics.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnIngest: func(result string) {
			m.ingestsTotal.WithLabelValues(result).Inc()
		},
		OnTransition: func(from, to incident.State) {
			m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnStageAttempt: func(stage, outcome string) {
			m.stageAttempts.WithLabelValues(stage, outcome).Inc()
		},
		OnStageDuration: func(stage string, d time.Duration) {
			m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
		},
		OnPipelineStart: func() {
			m.pipelinesActive.Inc()
		},
		OnPipelineEnd: func(status incident.State) {
			m.pipelinesActive.Dec()
			m.pipelinesTotal.WithLabelValues(string(status)).Inc()
		},
	}
}

// GateHooks returns approval gate hooks wired to the metrics. Gate
// transitions land in the same transition counter the engine feeds, so a
// given audit hop is only ever counted once.
func (m *Metrics) GateHooks() approval.Hooks {
	return approval.Hooks{
		OnTransition: func(from, to incident.State) {
			m.transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		},
		OnDecision: func(d incident.Decision) {
			m.approvalsTotal.WithLabelValues(string(d)).Inc()
		},
		OnNotifyFailure: func() {
			m.notifyFailures.Inc()
		},
	}
}
