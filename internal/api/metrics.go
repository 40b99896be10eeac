package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the small set of gauges/counters served on /metrics
// (spec.md §6a's /metrics surface). Only the API server creates and serves
// them; neither the orchestrator loop nor the runner registry updates them,
// so they stay at zero. One Metrics is shared process-wide; a fresh prometheus.Registry keeps
// these gauges from colliding with the default global registry's own
// process/go collectors in tests.
type Metrics struct {
	Registry *prometheus.Registry

	TasksCompleted   *prometheus.CounterVec
	TasksFailed      *prometheus.CounterVec
	InvocationsTotal *prometheus.CounterVec
	RetriesTotal     prometheus.Counter
	CreditPauses     prometheus.Counter
	ActiveRunners    prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TasksCompleted: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "steroids_tasks_completed_total",
			Help: "Total tasks that reached the completed status.",
		}, []string{"project"}),
		TasksFailed: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "steroids_tasks_failed_total",
			Help: "Total tasks that reached the failed status.",
		}, []string{"project"}),
		InvocationsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "steroids_invocations_total",
			Help: "Total coder/reviewer invocations, by role.",
		}, []string{"role"}),
		RetriesTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "steroids_retries_total",
			Help: "Total coder retries triggered by a retry post-coder decision.",
		}),
		CreditPauses: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "steroids_credit_pauses_total",
			Help: "Total times the provider gateway's breaker tripped open on a credit-exhaustion signal.",
		}),
		ActiveRunners: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "steroids_active_runners",
			Help: "Runners currently registered with status running or active.",
		}),
	}
	return m
}
