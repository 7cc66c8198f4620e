// Package metrics exports search statistics in the Prometheus format.
package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "interleave"

// Metrics holds the collectors of one run on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	iterations *prometheus.CounterVec
	steps      *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
	bugs       *prometheus.CounterVec
}

// New creates the collectors and registers them.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Controlled iterations run, by strategy and verdict.",
		}, []string{"strategy", "verdict"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_steps",
			Help:      "Scheduling steps taken per iteration.",
			Buckets:   prometheus.ExponentialBuckets(4, 4, 8),
		}, []string{"strategy"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "iteration_duration_seconds",
			Help:      "Wall time per iteration.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 9),
		}, []string{"strategy"}),
		bugs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bugs_total",
			Help:      "Violations found, by strategy and verdict.",
		}, []string{"strategy", "verdict"}),
	}
	m.Registry.MustRegister(m.iterations, m.steps, m.duration, m.bugs)
	return m
}

// ObserveIteration records one finished iteration.
func (m *Metrics) ObserveIteration(strategy, verdict string, steps int, d time.Duration) {
	m.iterations.WithLabelValues(strategy, verdict).Inc()
	m.steps.WithLabelValues(strategy).Observe(float64(steps))
	m.duration.WithLabelValues(strategy).Observe(d.Seconds())
}

// ObserveBug records a violation.
func (m *Metrics) ObserveBug(strategy, verdict string) {
	m.bugs.WithLabelValues(strategy, verdict).Inc()
}

// WriteTextfile writes every metric to path for the node exporter's
// textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return errors.Wrapf(err, "write metrics to %s", path)
	}
	return nil
}
