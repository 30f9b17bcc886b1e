package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaline_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotaline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	ConsumesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaline_consumes_total",
			Help: "Total number of consume calls by outcome.",
		},
		[]string{"outcome"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaline_rollbacks_total",
			Help: "Total number of rollback calls by outcome.",
		},
		[]string{"outcome"},
	)

	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaline_reservations_total",
			Help: "Total number of reservation state transitions.",
		},
		[]string{"transition"},
	)

	ReservationsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quotaline_reservations_swept_total",
			Help: "Total number of reservations released by the expiry sweep.",
		},
	)

	SnapshotCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaline_snapshot_cache_total",
			Help: "Snapshot cache lookups by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ConsumesTotal,
		RollbacksTotal,
		ReservationsTotal,
		ReservationsSwept,
		SnapshotCacheTotal,
	)
}
