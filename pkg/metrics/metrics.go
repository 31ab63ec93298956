// Package metrics provides the Prometheus registry and HTTP handler for the SDP client.
// All metrics are defined in their respective packages (oauth, ratelimit,
// client, pagination) to maintain modularity and avoid circular dependencies.
//
// This package provides documentation and reference for all available metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the SDP client.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves all metrics of Gatherer in the Prometheus text format. Its own
// request counters are registered on Registry.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(Registry, promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}))
}

// Metrics Documentation
//
// Token Metrics (pkg/oauth):
//   - sdp_token_refreshes_total{result} (Counter): Access token refreshes by result (success, failure)
//   - sdp_token_refresh_duration_seconds (Histogram): Refresh call duration
//   - sdp_token_stale_served_total (Counter): Cached tokens served after a failed refresh
//   - sdp_token_store_errors_total{operation} (Counter): Token store load/save errors
//
// Rate Limit Metrics (pkg/ratelimit):
//   - sdp_rate_limit_acquired_total{limiter, waited} (Counter): Granted calls, waited="true" if throttled
//   - sdp_rate_limit_wait_seconds{limiter} (Histogram): Time spent waiting for a slot
//   - sdp_rate_limit_cancelled_total{limiter} (Counter): Waits abandoned through the context
//
// Request Metrics (pkg/client):
//   - sdp_requests_total{endpoint, status} (Counter): Total requests by endpoint and HTTP status
//   - sdp_request_duration_seconds{endpoint} (Histogram): HTTP exchange duration by endpoint
//   - sdp_parse_duration_seconds{endpoint} (Histogram): Body decoding duration by endpoint
//   - sdp_errors_total{class} (Counter): Errors by class (redirect, client, server, network, malformed, auth)
//
// Pagination Metrics (pkg/pagination):
//   - sdp_pages_fetched_total (Counter): Page requests made by paginators
//   - sdp_records_read_total (Counter): Records handed out by paginators
//   - sdp_paginations_total{state} (Counter): Finished paginations by state (done, failed)
//
// Example Prometheus Queries:
//
//   # Share of throttled calls
//   sum(rate(sdp_rate_limit_acquired_total{waited="true"}[5m])) /
//   sum(rate(sdp_rate_limit_acquired_total[5m]))
//
//   # Token refresh failures
//   rate(sdp_token_refreshes_total{result="failure"}[15m]) > 0
//
//   # Request Error Rate
//   rate(sdp_errors_total[5m])
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(sdp_request_duration_seconds_bucket[5m]))
//
//   # Failed paginations
//   increase(sdp_paginations_total{state="failed"}[1h])
