package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	MessagesEnqueuedTotal     prometheus.Counter
	MessagesDeliveredTotal    *prometheus.CounterVec
	MessagesDeadLetteredTotal prometheus.Counter
	RetryAttemptsTotal        *prometheus.CounterVec
	RateLimitedTotal          prometheus.Counter
	QueueDepth                prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		MessagesEnqueuedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messages_enqueued_total",
				Help: "Total number of messages accepted into the pipeline",
			},
		),
		MessagesDeliveredTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "messages_delivered_total",
				Help: "Total number of messages delivered per channel",
			},
			[]string{"channel"},
		),
		MessagesDeadLetteredTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "messages_dead_lettered_total",
				Help: "Total number of messages routed to the dead letter office",
			},
		),
		RetryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retry_attempts_total",
				Help: "Total number of retry attempts",
			},
			[]string{"reason"},
		),
		RateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limited_total",
				Help: "Total number of rate-limit responses from the primary channel",
			},
		),
		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current queue depth",
			},
		),
	}
}
