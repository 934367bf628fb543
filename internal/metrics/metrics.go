// Package metrics exposes worker pool and invocation metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "polyhost"

// Metrics holds the host's collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	channels     *prometheus.GaugeVec
	workerErrors *prometheus.CounterVec
	restarts     *prometheus.CounterVec
	escalations  *prometheus.CounterVec
	invocations  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// New creates collectors on a fresh registry, including the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "channels",
			Help:      "Worker channels by runtime and state.",
		}, []string{"runtime", "state"}),
		workerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "errors_total",
			Help:      "Worker channel failures by runtime.",
		}, []string{"runtime"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "restarts_total",
			Help:      "Replacement channels started after a failure.",
		}, []string{"runtime"}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "escalations_total",
			Help:      "Pools that exhausted their error budget.",
		}, []string{"runtime"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "total",
			Help:      "Finished invocations by runtime and outcome.",
		}, []string{"runtime", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "invocation",
			Name:      "duration_seconds",
			Help:      "Invocation latency from dispatch to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"runtime"}),
	}
	m.registry.MustRegister(
		m.channels, m.workerErrors, m.restarts, m.escalations, m.invocations, m.duration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StateChanged moves one channel between state gauges. "stopped" is not tracked.
func (m *Metrics) StateChanged(runtime, from, to string) {
	if m == nil {
		return
	}
	if from != "stopped" {
		m.channels.WithLabelValues(runtime, from).Dec()
	}
	if to != "stopped" {
		m.channels.WithLabelValues(runtime, to).Inc()
	}
}

// ChannelDisposed drops a faulted channel from the gauges once it is removed from its pool.
func (m *Metrics) ChannelDisposed(runtime, state string) {
	if m == nil || state == "stopped" {
		return
	}
	m.channels.WithLabelValues(runtime, state).Dec()
}

func (m *Metrics) WorkerError(runtime string) {
	if m == nil {
		return
	}
	m.workerErrors.WithLabelValues(runtime).Inc()
}

func (m *Metrics) Restarted(runtime string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.restarts.WithLabelValues(runtime).Add(float64(n))
}

func (m *Metrics) Escalated(runtime string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(runtime).Inc()
}

// Invocation records a finished invocation.
func (m *Metrics) Invocation(runtime, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(runtime, outcome).Inc()
	m.duration.WithLabelValues(runtime).Observe(d.Seconds())
}
