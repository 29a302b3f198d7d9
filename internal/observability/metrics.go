package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "campus_rides"

var (
	RideUpdatesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_updates_dispatched_total", Help: "Ride updates delivered to listeners"},
		[]string{"type"},
	)
	RideUpdatesDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ride_updates_dropped_total", Help: "Ride row updates that were not a meaningful transition"})
	ListenerFailures   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "listener_failures_total", Help: "Listener callbacks that failed or panicked"})
	EnrichmentFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_enrichment_failures_total", Help: "Driver lookups that failed while enriching accepted rides"})
	OpenChannels       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "open_channels", Help: "Live change subscriptions held by the ride update bus"})

	LocationUpserts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_upserts_total", Help: "Driver location upserts"})
	LocationUpsertErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_upsert_errors_total", Help: "Driver location upserts that failed"})
	LocationSampleErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "location_sample_errors_total", Help: "Position samples that failed or timed out"})

	RatingsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ratings_submitted_total", Help: "Driver ratings stored"})
	RideTransitions  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions written"},
		[]string{"to"},
	)
	WSSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Connected websocket sessions"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
