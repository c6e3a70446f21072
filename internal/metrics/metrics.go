// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	ExecutionsStarted  *prometheus.CounterVec
	ExecutionsFinished *prometheus.CounterVec
	SafetyRejections   *prometheus.CounterVec
	StepsFinished      *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	ApprovalsDecided   *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	QueueDepth         prometheus.Gauge
	WorkersBusy        prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ExecutionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyd",
			Name:      "executions_started_total",
			Help:      "Executions that passed the safety gate and started running.",
		}, []string{"runbook", "trigger"}),
		ExecutionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyd",
			Name:      "executions_finished_total",
			Help:      "Executions reaching a terminal state.",
		}, []string{"runbook", "state"}),
		SafetyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyd",
			Name:      "safety_rejections_total",
			Help:      "Triggers refused by the safety gate.",
		}, []string{"runbook", "reason"}),
		StepsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyd",
			Name:      "steps_finished_total",
			Help:      "Step attempts by kind and status.",
		}, []string{"kind", "status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "remedyd",
			Name:      "step_duration_seconds",
			Help:      "Wall time per step attempt.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),
		ApprovalsDecided: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "remedyd",
			Name:      "approvals_decided_total",
			Help:      "Approval requests by final status.",
		}, []string{"status"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "remedyd",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per runbook: 0 closed, 1 half-open, 2 open.",
		}, []string{"runbook"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remedyd",
			Name:      "queue_depth",
			Help:      "Executions waiting for a worker.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "remedyd",
			Name:      "workers_busy",
			Help:      "Workers currently running an execution.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsStarted, m.ExecutionsFinished, m.SafetyRejections,
		m.StepsFinished, m.StepDuration, m.ApprovalsDecided,
		m.BreakerState, m.QueueDepth, m.WorkersBusy,
	)
	return m
}

// SetBreakerState records the numeric breaker state for a runbook.
func (m *Metrics) SetBreakerState(runbook, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.BreakerState.WithLabelValues(runbook).Set(v)
}
