package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	invocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackctl",
			Name:      "invocations_total",
			Help:      "Number of lifecycle invocations by operation and aggregate status.",
		}, []string{"operation", "status"},
	)
	serviceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackctl",
			Name:      "service_outcomes_total",
			Help:      "Per-service outcomes recorded by lifecycle invocations.",
		}, []string{"service", "state"},
	)
	probes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stackctl",
			Name:      "probes_total",
			Help:      "Health probes by result (listening, closed).",
		}, []string{"result"},
	)
	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "stackctl",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of one stage, including grace periods.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"operation"},
	)
	serviceListening = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackctl",
			Name:      "service_listening",
			Help:      "Last observed liveness per service (1 = listening).",
		}, []string{"service"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{invocations, serviceOutcomes, probes, stageDuration, serviceListening}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncInvocation(operation, status string) {
	if regOK.Load() {
		invocations.WithLabelValues(operation, status).Inc()
	}
}

func IncOutcome(service, state string) {
	if regOK.Load() {
		serviceOutcomes.WithLabelValues(service, state).Inc()
	}
}

func IncProbe(listening bool) {
	if regOK.Load() {
		result := "closed"
		if listening {
			result = "listening"
		}
		probes.WithLabelValues(result).Inc()
	}
}

func ObserveStage(operation string, seconds float64) {
	if regOK.Load() {
		stageDuration.WithLabelValues(operation).Observe(seconds)
	}
}

func SetListening(service string, listening bool) {
	if regOK.Load() {
		var v float64
		if listening {
			v = 1
		}
		serviceListening.WithLabelValues(service).Set(v)
	}
}
