package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Webhook ingestion metrics
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_events_received_total",
			Help: "Total number of webhook events received",
		},
		[]string{"site", "event_type"},
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_events_rejected_total",
			Help: "Total number of webhook events rejected at ingress",
		},
		[]string{"site", "reason"},
	)

	// Processing metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_events_processed_total",
			Help: "Total number of envelope processing attempts by result",
		},
		[]string{"site", "result"},
	)

	StatusChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_status_changes_total",
			Help: "Total number of detected membership status transitions",
		},
		[]string{"site"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "membersync_queue_depth",
			Help: "Current total depth of the site queues",
		},
	)

	EventsRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_events_retried_total",
			Help: "Total number of envelopes re-enqueued for retry",
		},
		[]string{"site"},
	)

	DeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_dead_letter_total",
			Help: "Total number of envelopes moved to the dead-letter store",
		},
		[]string{"site"},
	)

	// Circuit breaker metrics
	BreakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "membersync_breaker_open",
			Help: "Whether the circuit breaker for a site is currently open",
		},
		[]string{"site"},
	)

	// Downstream API metrics
	DownstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "membersync_downstream_request_duration_seconds",
			Help:    "Duration of Campaign Monitor API calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DownstreamErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membersync_downstream_errors_total",
			Help: "Total number of failed Campaign Monitor API calls",
		},
		[]string{"operation"},
	)
)
