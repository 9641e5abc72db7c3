package report

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psantana5/hazardsync/internal/runner"
)

// Metrics are counters derived from task outcomes and run summaries. Each
// value can be explained from a single outcome or summary record.
type Metrics struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	tasks         *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	layers        *prometheus.CounterVec
	lastPublished prometheus.Gauge
	lastRun       prometheus.Gauge
	Failures      *FailureLog
}

// NewMetrics creates the metric set on its own registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hazardsync_runs_total",
				Help: "Runs by final state",
			},
			[]string{"state", "backend"},
		),
		tasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hazardsync_tasks_total",
				Help: "Task outcomes by task and status",
			},
			[]string{"task", "outcome"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hazardsync_task_duration_seconds",
				Help:    "Task run time in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"task"},
		),
		layers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hazardsync_layers_total",
				Help: "Layers imported by phase and result",
			},
			[]string{"phase", "result"},
		),
		lastPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazardsync_last_run_published_layers",
			Help: "Layers in the publish container after the last run",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hazardsync_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		}),
		Failures: NewFailureLog(50),
	}
	m.registry.MustRegister(m.runs, m.tasks, m.taskDuration, m.layers, m.lastPublished, m.lastRun)
	return m
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTask updates the task counters from one outcome
func (m *Metrics) RecordTask(run string, o runner.Outcome) {
	m.tasks.WithLabelValues(o.Task, string(o.Status)).Inc()
	m.taskDuration.WithLabelValues(o.Task).Observe(o.Duration.Seconds())
	m.Failures.Record(run, o)
}

// RecordRun updates the run counters from a finished summary
func (m *Metrics) RecordRun(s *Summary) {
	m.runs.WithLabelValues(s.State, s.Backend).Inc()
	m.layers.WithLabelValues("harvest", "imported").Add(float64(s.Harvested))
	m.layers.WithLabelValues("harvest", "failed").Add(float64(s.HarvestFailed))
	m.layers.WithLabelValues("publish", "copied").Add(float64(s.Published))
	m.layers.WithLabelValues("publish", "failed").Add(float64(s.PublishFailed))
	m.lastPublished.Set(float64(s.Published))
	if !s.EndTime.IsZero() {
		m.lastRun.Set(float64(s.EndTime.Unix()))
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to path for the node exporter's
// textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
