package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

const namespace = "spoolr"

type Metrics struct {
	gatherer prometheus.Gatherer

	// Writes counts write outcomes per kind and status (stored, queued, discarded, rejected).
	Writes *prometheus.CounterVec
	// Retries counts retried store calls per kind.
	Retries *prometheus.CounterVec
	// SpoolEnqueued counts records appended to the spool per kind.
	SpoolEnqueued *prometheus.CounterVec
	// SpoolRotations counts active spool files moved aside.
	SpoolRotations prometheus.Counter
	// SpoolDeadLetters counts records moved to the dead letter file.
	SpoolDeadLetters prometheus.Counter
	// Drained counts replayed records per result (applied, failed).
	Drained *prometheus.CounterVec
	// SpoolPending tracks the records waiting in the active spool file.
	SpoolPending prometheus.Gauge
	// RateLimited counts requests denied by the rate limiter.
	RateLimited prometheus.Counter
	// RequestDuration tracks HTTP handling latency.
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on reg. Use prometheus.NewRegistry in tests.
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		Writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "writes_total",
				Help:      "Total number of writes by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Total number of retried store calls",
			},
			[]string{"kind"},
		),
		SpoolEnqueued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_enqueued_total",
				Help:      "Total number of records appended to the spool",
			},
			[]string{"kind"},
		),
		SpoolRotations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_rotations_total",
				Help:      "Total number of spool files rotated aside",
			},
		),
		SpoolDeadLetters: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_dead_letters_total",
				Help:      "Total number of spool records moved to the dead letter file",
			},
		),
		Drained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "spool_drained_total",
				Help:      "Total number of replayed spool records by result",
			},
			[]string{"result"},
		),
		SpoolPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "spool_pending",
				Help:      "Records waiting in the active spool file",
			},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Total number of requests denied by the rate limiter",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route", "code"},
		),
	}
}

// Handler exposes the collectors registered by New.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
