package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks cache hits by tier
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejafoo_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"tier"}, // "inline", "blob"
	)

	// CacheMisses tracks cache misses by reason
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejafoo_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"reason"}, // "absent", "expired"
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejafoo_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete", "delete_blob", "scan", "sweep"
	)

	// CacheStoredBytes tracks serialized bytes written by tier
	CacheStoredBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dejafoo_cache_stored_bytes_total",
			Help: "Total number of serialized response bytes written to the cache",
		},
		[]string{"tier"},
	)

	// CacheSwept tracks records removed by CleanupExpired
	CacheSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dejafoo_cache_swept_total",
			Help: "Total number of expired cache entries removed by the sweep",
		},
	)

	// SweepDuration tracks how long a sweep takes
	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dejafoo_sweep_duration_seconds",
			Help:    "Duration of expired entry sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)
)
