// Package metrics exposes fleet counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the fleet's instruments on a private registry so tests and
// embedded use never collide with the default registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal        *prometheus.CounterVec
	jobsRunning      prometheus.Gauge
	jobDuration      *prometheus.HistogramVec
	scheduleTriggers *prometheus.CounterVec
	scheduleSkips    *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
}

// New creates and registers the fleet instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdctl_jobs_total",
			Help: "Jobs finished, by agent and terminal status.",
		}, []string{"agent", "status"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "herdctl_jobs_running",
			Help: "Jobs currently running across the fleet.",
		}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "herdctl_job_duration_seconds",
			Help:    "Wall-clock job duration.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"agent"}),
		scheduleTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdctl_schedule_triggers_total",
			Help: "Scheduled triggers dispatched, by agent.",
		}, []string{"agent"}),
		scheduleSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herdctl_schedule_skips_total",
			Help: "Scheduled triggers skipped, by reason.",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "herdctl_queue_depth",
			Help: "Manual and fork triggers waiting for capacity, by agent.",
		}, []string{"agent"}),
	}

	m.registry.MustRegister(
		m.jobsTotal,
		m.jobsRunning,
		m.jobDuration,
		m.scheduleTriggers,
		m.scheduleSkips,
		m.queueDepth,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobStarted records one job entering the running state.
func (m *Metrics) JobStarted() {
	m.jobsRunning.Inc()
}

// JobFinished records one job reaching a terminal status.
func (m *Metrics) JobFinished(agent, status string, duration time.Duration) {
	m.jobsRunning.Dec()
	m.jobsTotal.WithLabelValues(agent, status).Inc()
	m.jobDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

// ScheduleTriggered records one dispatched scheduled trigger.
func (m *Metrics) ScheduleTriggered(agent string) {
	m.scheduleTriggers.WithLabelValues(agent).Inc()
}

// ScheduleSkipped records one lossy schedule skip.
func (m *Metrics) ScheduleSkipped(reason string) {
	m.scheduleSkips.WithLabelValues(reason).Inc()
}

// SetQueueDepth records the current wait-queue depth for one agent.
func (m *Metrics) SetQueueDepth(agent string, depth int) {
	m.queueDepth.WithLabelValues(agent).Set(float64(depth))
}
