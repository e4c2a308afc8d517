// Package metrics holds the Prometheus instruments for the abuse core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all guard metrics. One instance is created at startup and
// injected; nothing here is a package-level singleton.
type Registry struct {
	registry *prometheus.Registry

	ChecksTotal      *prometheus.CounterVec
	CheckDuration    *prometheus.HistogramVec
	BlocksTotal      *prometheus.CounterVec
	PatternsDetected *prometheus.CounterVec
	AlertsSent       *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	CounterFailures  prometheus.Counter
}

// NewRegistry creates and registers all guard metrics
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_checks_total",
			Help: "Endpoint-facing allow/deny checks by action and outcome",
		}, []string{"action", "outcome"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_check_duration_seconds",
			Help:    "Latency of the composed isAllowed check",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}, []string{"action"}),
		BlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_blocks_total",
			Help: "Blocks applied by scope and durability",
		}, []string{"scope", "durability"}),
		PatternsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_patterns_detected_total",
			Help: "Attack pattern detections by pattern and severity",
		}, []string{"pattern", "severity"}),
		AlertsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_alerts_sent_total",
			Help: "Alert events dispatched by channel and status",
		}, []string{"channel", "status"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
		}, []string{"dependency"}),
		CounterFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "guard_counter_store_failures_total",
			Help: "Counter store errors that triggered fail-open behavior",
		}),
	}

	reg.MustRegister(
		r.ChecksTotal,
		r.CheckDuration,
		r.BlocksTotal,
		r.PatternsDetected,
		r.AlertsSent,
		r.BreakerState,
		r.CounterFailures,
	)

	return r
}

// Prometheus exposes the underlying registry for the /metrics handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}
