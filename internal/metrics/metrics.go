// Package metrics registers the Prometheus collectors whose names are
// contractual for dashboards. The two deadletter gauges are
// deliberately distinct collectors registered under distinct names.
// Registering two collectors under one shared name fails at
// registration, which NewRegistry's MustRegister turns into a panic
// at startup.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the sync core exposes on /metrics.
type Registry struct {
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
	WebhookErrorsTotal      *prometheus.CounterVec
	APICallsTotal           *prometheus.CounterVec
	APICallDuration         *prometheus.HistogramVec
	RateLimitHitsTotal      *prometheus.CounterVec
	DeadletterQueueSizeBasic       prometheus.Gauge
	DeadletterQueueSizeByProvider  *prometheus.GaugeVec
	SyncEventsTotal         *prometheus.CounterVec
	MapperUnknownStatusTotal   *prometheus.CounterVec
	MapperUnknownPropertyTotal prometheus.Counter
}

// NewRegistry constructs and registers every collector against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests handled, by path/method/status.",
		}, []string{"path", "method", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency by path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		WebhookErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_errors_total",
			Help: "Webhook admission errors by provider/kind.",
		}, []string{"provider", "kind"}),
		APICallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_calls_total",
			Help: "Outbound API calls by provider/operation/status.",
		}, []string{"provider", "op", "status"}),
		APICallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_call_duration_seconds",
			Help:    "Outbound API call latency by provider/operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
		RateLimitHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Requests rejected for exceeding the inbound rate limit, by path.",
		}, []string{"path"}),
		DeadletterQueueSizeBasic: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deadletter_queue_size_basic",
			Help: "Total number of pending dead-letter entries.",
		}),
		DeadletterQueueSizeByProvider: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deadletter_queue_size_by_provider",
			Help: "Pending dead-letter entries broken down by provider.",
		}, []string{"provider"}),
		SyncEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sync_events_total",
			Help: "Synchronization outcomes by direction/outcome.",
		}, []string{"direction", "outcome"}),
		MapperUnknownStatusTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mapper_unknown_status_total",
			Help: "Status values with no status_map entry, by side.",
		}, []string{"side"}),
		MapperUnknownPropertyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mapper_unknown_property_total",
			Help: "Target properties encountered with no inverse mapping entry.",
		}),
	}

	reg.MustRegister(
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
		r.WebhookErrorsTotal,
		r.APICallsTotal,
		r.APICallDuration,
		r.RateLimitHitsTotal,
		r.DeadletterQueueSizeBasic,
		r.DeadletterQueueSizeByProvider,
		r.SyncEventsTotal,
		r.MapperUnknownStatusTotal,
		r.MapperUnknownPropertyTotal,
	)
	return r
}
