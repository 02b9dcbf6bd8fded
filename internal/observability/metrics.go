package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	MatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "match_attempts_total", Help: "Match attempts by result"},
		[]string{"result"},
	)
	OffersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Offer lifecycle transitions"},
		[]string{"status"},
	)
	Redispatches = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "redispatches_total", Help: "Bookings sent back through matching"})
	QueueDepth   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Bookings waiting in the priority queue"})
	Heartbeats   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "heartbeats_total", Help: "Driver heartbeats by resulting status"},
		[]string{"status"},
	)

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_duration_seconds", Help: "Offer expiry sweep latency"})
	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "worker_cycle_duration_seconds", Help: "Dispatch worker cycle latency"})

	StoreFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "store_fallbacks_total", Help: "Shared store calls served by the in-process fallback"},
		[]string{"op"},
	)
	BroadcastFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_failures_total", Help: "Events a realtime sink failed to deliver"},
		[]string{"sink"},
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
