// Package metrics provides the centralized Prometheus metrics registry for
// the extraction service. All metrics are defined in their respective
// packages (hubspot, ratelimit, storage, scan) to maintain modularity and
// avoid circular dependencies.
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
// Rate Limit Metrics (pkg/ratelimit):
//   - etl_rate_limit_waits_total (Counter): Acquisitions that had to wait for window capacity
//   - etl_rate_limit_wait_seconds (Histogram): Time spent waiting for a rate limit slot
//   - etl_rate_limit_window_occupancy (Gauge): Requests currently inside the rolling window
//
// Request Metrics (pkg/hubspot):
//   - etl_hubspot_requests_total{status} (Counter): Total source API requests by HTTP status
//   - etl_hubspot_request_duration_seconds (Histogram): Source API request duration
//   - etl_hubspot_retries_total{error_class} (Counter): Retry attempts by error class
//   - etl_hubspot_retry_exhausted_total{error_class} (Counter): Requests that exhausted max retries
//
// Storage Metrics (pkg/storage):
//   - etl_rows_upserted_total (Counter): Deal records written (inserted or updated)
//   - etl_upsert_duration_seconds (Histogram): Batch upsert duration
//
// Scan Metrics (pkg/scan):
//   - etl_scans_started_total (Counter): Extraction scans started
//   - etl_scans_finished_total{status} (Counter): Scans finished by terminal status
//   - etl_pages_processed_total (Counter): Pages fetched and written across all scans
//   - etl_records_processed_total (Counter): Records written across all scans
//
// Example Prometheus Queries:
//
//   # Scan Failure Rate
//   sum(rate(etl_scans_finished_total{status="failed"}[15m])) /
//   sum(rate(etl_scans_finished_total[15m]))
//
//   # Rate Limiter Pressure
//   rate(etl_rate_limit_waits_total[5m])
//
//   # P95 Source API Latency
//   histogram_quantile(0.95, rate(etl_hubspot_request_duration_seconds_bucket[5m]))
//
//   # Retry Exhaustion by Class
//   rate(etl_hubspot_retry_exhausted_total[15m])
//
//   # Throughput (records/s)
//   rate(etl_records_processed_total[5m])
