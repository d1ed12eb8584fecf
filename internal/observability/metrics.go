package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "requests_created_total", Help: "Total ride requests created"})
	Transitions     = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "transitions_total", Help: "Lifecycle transitions committed"},
		[]string{"from", "to"},
	)
	AcceptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "accept_outcomes_total", Help: "Conditional accept outcomes"},
		[]string{"result"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_lifecycle", Name: "accept_latency_seconds", Help: "Conditional accept latency seconds"})
	CleanupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "cleanups_total", Help: "Post-terminal cleanups by mode and outcome"},
		[]string{"mode", "outcome"},
	)

	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "ride_lifecycle", Name: "subscriptions_active", Help: "Live store subscriptions"},
		[]string{"kind"},
	)
	ResubscribeAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "resubscribe_attempts_total", Help: "Subscription re-establishment attempts"},
		[]string{"kind"},
	)
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "store_errors_total", Help: "Store operation failures"},
		[]string{"op"},
	)
	DriversConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_lifecycle", Name: "drivers_connected", Help: "Drivers whose sessions are connected"})
	LocationUpdates  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "location_updates_total", Help: "Driver location fixes written"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_lifecycle", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_lifecycle",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
