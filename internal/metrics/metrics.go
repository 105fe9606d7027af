// Package metrics holds the Prometheus instrumentation for the control
// plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the control-plane collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	TasksExecuted       *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	RuntimesProvisioned prometheus.Counter
	RuntimesDeleted     prometheus.Counter
	HealthcheckFailures prometheus.Counter
	IdleRuntimes        prometheus.Gauge
}

// New builds and registers the collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		TasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aiden_tasks_executed_total",
			Help: "Task executions by task name and final status.",
		}, []string{"name", "status"}),
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aiden_task_duration_seconds",
			Help:    "Task body execution time by task name.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"name"}),
		RuntimesProvisioned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiden_runtimes_provisioned_total",
			Help: "Runtimes that completed provisioning.",
		}),
		RuntimesDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiden_runtimes_deleted_total",
			Help: "Runtimes torn down.",
		}),
		HealthcheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aiden_healthcheck_failures_total",
			Help: "Runtime liveness probes that failed.",
		}),
		IdleRuntimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aiden_idle_runtimes",
			Help: "Started runtimes with no agent bound.",
		}),
	}

	registry.MustRegister(
		m.TasksExecuted,
		m.TaskDuration,
		m.RuntimesProvisioned,
		m.RuntimesDeleted,
		m.HealthcheckFailures,
		m.IdleRuntimes,
	)
	return m
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
