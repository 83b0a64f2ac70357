// Package metrics provides the centralized Prometheus registry reference for
// the service. All metrics are defined in their respective packages (client,
// cache, health, throttle, server) to maintain modularity and avoid circular
// dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the service.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Throttle Metrics (pkg/throttle):
//   - throttle_admissions_total{scope, outcome} (Counter): Admission decisions
//     by scope (global, client) and outcome (admitted, rejected)
//   - throttle_tracked_clients (Gauge): Per-client buckets currently tracked
//
// Cache Metrics (pkg/cache):
//   - socrata_cache_hits_total (Counter): Response cache hits
//   - socrata_cache_misses_total (Counter): Response cache misses
//   - socrata_cache_errors_total (Counter): Redis operation errors
//
// Request Metrics (pkg/client):
//   - socrata_requests_total{source, status_code} (Counter): Upstream requests
//     by source label and HTTP status
//   - socrata_request_duration_seconds{source} (Histogram): Upstream request
//     duration by source label
//   - socrata_errors_total{source, error_type} (Counter): Terminal errors by
//     type (budget, transport, http_status)
//   - socrata_retries_total{source} (Counter): Retry attempts
//   - socrata_retry_backoff_seconds{source} (Histogram): Backoff sleep duration
//
// Health Metrics (pkg/health):
//   - socrata_upstream_healthy (Gauge): Last cached upstream verdict (1/0)
//   - socrata_upstream_probes_total{outcome} (Counter): Probes by outcome
//     (ok, unhealthy_status, error, budget)
//
// HTTP Metrics (internal/server):
//   - http_requests_total{method, path, status_code} (Counter): Inbound
//     requests by route and status
//   - http_request_duration_seconds{method, path} (Histogram): Inbound request
//     duration by route
//
// Example Prometheus Queries:
//
//   # Throttle rejection rate
//   sum(rate(throttle_admissions_total{outcome="rejected"}[5m])) /
//   sum(rate(throttle_admissions_total[5m]))
//
//   # Upstream availability
//   socrata_upstream_healthy == 0
//
//   # Upstream error rate by source
//   rate(socrata_errors_total[5m])
//
//   # P95 upstream latency
//   histogram_quantile(0.95, rate(socrata_request_duration_seconds_bucket[5m]))
//
//   # Cache hit rate
//   sum(rate(socrata_cache_hits_total[5m])) /
//   (sum(rate(socrata_cache_hits_total[5m])) + sum(rate(socrata_cache_misses_total[5m])))
