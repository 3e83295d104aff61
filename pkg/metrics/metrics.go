// Package metrics provides centralized Prometheus metrics registry for dejafoo.
// All metrics are defined in their respective packages (cache, upstream, proxy, lease)
// to maintain modularity and avoid circular dependencies.
//
// This package provides the scrape handler and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Path is where the server exposes metrics.
const Path = "/metrics"

// Registry is the default Prometheus registry used by dejafoo.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Handler returns the HTTP handler serving every registered metric.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Metrics Documentation
//
// Cache Metrics (pkg/cache):
//   - dejafoo_cache_hits_total{tier} (Counter): Cache hits by storage tier (inline, blob)
//   - dejafoo_cache_misses_total{reason} (Counter): Cache misses by reason (absent, expired)
//   - dejafoo_cache_errors_total{operation} (Counter): Cache operation errors
//   - dejafoo_cache_stored_bytes_total{tier} (Counter): Serialized bytes written by tier
//   - dejafoo_cache_swept_total (Counter): Expired entries removed by the sweep
//   - dejafoo_sweep_duration_seconds (Histogram): Duration of sweep runs
//
// Upstream Metrics (pkg/upstream):
//   - dejafoo_upstream_requests_total{status} (Counter): Upstream attempts by HTTP status
//   - dejafoo_upstream_request_duration_seconds (Histogram): Upstream attempt duration
//   - dejafoo_upstream_circuit_state (Gauge): Breaker state (0 closed, 1 half-open, 2 open)
//
// Retry Metrics (pkg/upstream):
//   - dejafoo_upstream_retries_total{error_class} (Counter): Retry attempts by error class
//   - dejafoo_upstream_retry_backoff_seconds{error_class} (Histogram): Backoff duration by error class
//   - dejafoo_upstream_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Proxy Metrics (pkg/proxy):
//   - dejafoo_requests_total{cache} (Counter): Requests by cache outcome (hit, miss, bypass, error)
//   - dejafoo_coalesced_requests_total (Counter): Misses that joined an in-flight fetch
//
// Lease Metrics (pkg/lease):
//   - dejafoo_sweep_lease_total{result} (Counter): Lease operations by result
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(dejafoo_cache_hits_total[5m])) /
//   (sum(rate(dejafoo_cache_hits_total[5m])) + sum(rate(dejafoo_cache_misses_total[5m])))
//
//   # Blob Tier Share Of Writes
//   rate(dejafoo_cache_stored_bytes_total{tier="blob"}[5m]) / sum(rate(dejafoo_cache_stored_bytes_total[5m]))
//
//   # Upstream Failure Rate
//   rate(dejafoo_upstream_retry_exhausted_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(dejafoo_upstream_request_duration_seconds_bucket[5m]))
//
//   # Coalescing Effectiveness
//   rate(dejafoo_coalesced_requests_total[5m]) / rate(dejafoo_requests_total{cache="miss"}[5m])
