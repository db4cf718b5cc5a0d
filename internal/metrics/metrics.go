// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionbus_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Business metrics
	SessionsRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbus_sessions_registered_total",
			Help: "Total sessions registered",
		},
	)

	SessionsPurged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_sessions_purged_total",
			Help: "Total sessions purged",
		},
		[]string{"reason"}, // "explicit" or "retention"
	)

	RequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_requests_created_total",
			Help: "Total input requests created",
		},
		[]string{"priority"},
	)

	RequestsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_requests_resolved_total",
			Help: "Total input requests resolved",
		},
		[]string{"status"},
	)

	IdempotentReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_idempotent_replays_total",
			Help: "Operations answered from an existing idempotency record",
		},
		[]string{"operation"},
	)

	// Inbox metrics
	InboxEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_inbox_enqueued_total",
			Help: "Total inbox messages enqueued",
		},
		[]string{"type"},
	)

	InboxWaiters = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionbus_inbox_poll_waiters",
			Help: "Long-polls currently waiting for inbox messages",
		},
	)

	InboxPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionbus_inbox_poll_duration_seconds",
			Help:    "Inbox long-poll duration",
			Buckets: []float64{.01, .1, .5, 1, 5, 15, 30, 60, 120},
		},
	)

	// Event metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionbus_events_published_total",
			Help: "Total events published",
		},
		[]string{"event"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbus_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
	)

	EventSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionbus_event_subscribers",
			Help: "Currently connected event subscribers",
		},
	)

	NotificationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionbus_notification_failures_total",
			Help: "Desktop notifications that could not be delivered",
		},
	)
)
