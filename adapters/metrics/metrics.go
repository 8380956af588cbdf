// Package metrics provides Prometheus metrics collection for the
// engine. Collector satisfies the executor's Metrics interface; hosts
// expose the registry however they serve metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the engine.
type Collector struct {
	// Call metrics
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	CallsInFlight prometheus.Gauge

	// Timeout metrics, split by termination mode
	Timeouts *prometheus.CounterVec

	// Async task metrics
	TaskTransitions *prometheus.CounterVec

	// Registry metrics
	ModulesRegistered prometheus.Gauge

	// Policy metrics
	PolicyReloads      prometheus.Counter
	PolicyReloadErrors prometheus.Counter
}

// New creates a collector registered on the default registry.
func New(namespace string) *Collector {
	return NewWithRegistry(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a collector on a custom registry, used by
// tests to avoid duplicate registration.
func NewWithRegistry(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "modgate"
	}
	factory := promauto.With(reg)

	return &Collector{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of calls processed, by target and outcome code",
			},
			[]string{"target", "code"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Call duration in seconds, guard through after-hooks",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"target"},
		),
		CallsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calls_in_flight",
				Help:      "Number of calls currently being processed",
			},
		),
		Timeouts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Total number of call timeouts, by termination mode",
			},
			[]string{"target", "mode"},
		),
		TaskTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_transitions_total",
				Help:      "Total async task state transitions entered",
			},
			[]string{"state"},
		),
		ModulesRegistered: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_registered",
				Help:      "Number of currently registered modules",
			},
		),
		PolicyReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reloads_total",
				Help:      "Total successful policy reloads",
			},
		),
		PolicyReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_reload_errors_total",
				Help:      "Total failed policy reloads",
			},
		),
	}
}

// CallStarted implements the executor's Metrics interface.
func (c *Collector) CallStarted(target string) {
	c.CallsInFlight.Inc()
}

// CallFinished records one completed call. An empty code means success.
func (c *Collector) CallFinished(target string, code string, duration time.Duration) {
	c.CallsInFlight.Dec()
	if code == "" {
		code = "ok"
	}
	c.CallsTotal.WithLabelValues(target, code).Inc()
	c.CallDuration.WithLabelValues(target).Observe(duration.Seconds())
}

// Timeout records one expired call by termination mode.
func (c *Collector) Timeout(target string, mode string) {
	c.Timeouts.WithLabelValues(target, mode).Inc()
}

// TaskTransition records an async task entering a state.
func (c *Collector) TaskTransition(state string) {
	c.TaskTransitions.WithLabelValues(state).Inc()
}

// SetModulesRegistered updates the registry gauge.
func (c *Collector) SetModulesRegistered(n int) {
	c.ModulesRegistered.Set(float64(n))
}
