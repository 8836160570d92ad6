package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NearbyQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "nearby_queries_total", Help: "Nearby driver queries by cache outcome"},
		[]string{"cache"},
	)
	NearbyLatency      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "driver_availability", Name: "nearby_latency_seconds", Help: "Nearby driver query latency seconds"})
	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_availability", Name: "nearby_cache_invalidations_total", Help: "Coarse invalidations of the nearby result cache"})

	DriverUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "driver_updates_total", Help: "Driver location and availability updates"},
		[]string{"kind"},
	)
	DriversIndexed = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "driver_availability", Name: "drivers_indexed", Help: "Drivers kept in the geo index by the last sync"})

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "availability_sync_runs_total", Help: "Availability sync runs by result"},
		[]string{"result"},
	)
	SyncDuration     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "driver_availability", Name: "availability_sync_duration_seconds", Help: "Availability sync attempt duration seconds"})
	SyncPrunedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_availability", Name: "availability_sync_pruned_total", Help: "Stale drivers removed from the geo index"})
	SyncPrewarmTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "driver_availability", Name: "availability_sync_prewarmed_total", Help: "Nearby cache entries written by the sync pre-warm"})

	BookingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "bookings_total", Help: "Trip booking attempts by result"},
		[]string{"result"},
	)
	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "trip_transitions_total", Help: "Trip status transitions by target status"},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "driver_availability",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	LocationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "driver_availability", Name: "location_messages_total", Help: "Location messages consumed from Kafka by result"},
		[]string{"result"},
	)
)
