package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "parking_match"

var (
	ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservations_created_total", Help: "Total reservations requested by riders"})
	MatchesTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Total reservations matched to a driver"})
	MatchConflicts      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_conflicts_total", Help: "Accept attempts that lost the race"})
	MatchLatency        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from request to accept"})
	AvailableDrivers    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_available", Help: "Drivers currently available for matching"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "transitions_total", Help: "Successful lifecycle transitions by target status"},
		[]string{"status"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Events handed to the broadcaster"},
		[]string{"type"},
	)
	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "events_dropped_total", Help: "Events dropped because a subscriber was slow or gone"})
	Subscribers   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "subscribers", Help: "Live event subscriptions"})

	ForwardErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "forward_errors_total", Help: "Failed forwards to the event log or relay"},
		[]string{"forwarder"},
	)

	LocationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_messages_total", Help: "Driver location reports consumed, by outcome"},
		[]string{"outcome"},
	)

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
