// Package metrics provides Prometheus metrics collection for the service.
// HTTP metrics:
//   - http_request_total: Counter with method, path, and status labels
//   - http_request_duration_seconds: Histogram with method and path labels
//   - http_request_in_flight: Gauge for concurrent requests
//
// Domain metrics cover query parsing, upstream FHIR calls, the search cache
// and the loaded terminology.
//
// All metrics are registered with the Prometheus default registry during
// package initialization.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestTotals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)

	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_in_flight",
			Help: "Current in-flight requests",
		},
	)

	RateLimiterBucketsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rate_limiter_buckets_total",
			Help: "Total number of rate limiter buckets (IPs seen since the last sweep)",
		},
	)

	ParseTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirquery_parse_total",
			Help: "Parsed queries by outcome (ok, invalid, upstream_error, timeout)",
		},
		[]string{"outcome"},
	)

	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirquery_upstream_duration_seconds",
			Help:    "Latency of FHIR searches by mode and outcome",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"mode", "outcome"},
	)

	ConditionFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirquery_condition_fallback_total",
			Help: "Searches retried without condition filtering after the server rejected it",
		},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirquery_cache_requests_total",
			Help: "Search cache lookups by result (hit, miss, error)",
		},
		[]string{"result"},
	)

	TerminologyEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirquery_terminology_entries",
			Help: "Conditions in the loaded terminology",
		},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestTotals)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestInFlight)
	prometheus.MustRegister(RateLimiterBucketsTotal)
	prometheus.MustRegister(ParseTotal)
	prometheus.MustRegister(UpstreamDuration)
	prometheus.MustRegister(ConditionFallbackTotal)
	prometheus.MustRegister(CacheRequestsTotal)
	prometheus.MustRegister(TerminologyEntries)
}
