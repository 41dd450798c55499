package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all Prometheus metrics for the dashboard. A nil *Registry
// is valid and records nothing.
type Registry struct {
	reg *prometheus.Registry

	// Refresh job
	RefreshRuns        *prometheus.CounterVec
	RefreshDuration    prometheus.Histogram
	LastRefreshSuccess prometheus.Gauge
	CollectFailures    *prometheus.CounterVec

	// OAuth token lifecycle
	TokenRefreshes *prometheus.CounterVec
	TokenExpiry    prometheus.Gauge

	// CRM API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
	BreakerOpen *prometheus.GaugeVec

	// View cache
	CacheRequests *prometheus.CounterVec

	// HTTP surface
	HTTPRequests *prometheus.CounterVec
}

// NewRegistry creates a registry with every dashboard metric registered
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RefreshRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghldash_refresh_runs_total",
				Help: "Data refresh runs by trigger and result",
			},
			[]string{"trigger", "result"},
		),

		RefreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ghldash_refresh_duration_seconds",
				Help:    "Duration of data refresh runs in seconds",
				Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
		),

		LastRefreshSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ghldash_last_refresh_success_timestamp_seconds",
				Help: "Unix time of the last successful refresh",
			},
		),

		CollectFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghldash_collect_location_failures_total",
				Help: "Locations that failed during collection",
			},
			[]string{"location"},
		),

		TokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghldash_oauth_token_refreshes_total",
				Help: "OAuth token refresh attempts by result",
			},
			[]string{"result"},
		),

		TokenExpiry: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ghldash_oauth_token_expiry_timestamp_seconds",
				Help: "Unix time at which the current access token expires (0 when none)",
			},
		),

		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghldash_api_requests_total",
				Help: "CRM API requests by endpoint and status code",
			},
			[]string{"endpoint", "status"},
		),

		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ghldash_api_request_duration_seconds",
				Help:    "CRM API request latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"endpoint"},
		),

		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ghldash_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"breaker"},
		),

		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghldash_view_cache_requests_total",
				Help: "Dashboard view cache lookups by result",
			},
			[]string{"result"},
		),

		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ghldash_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
	}

	r.reg.MustRegister(
		r.RefreshRuns,
		r.RefreshDuration,
		r.LastRefreshSuccess,
		r.CollectFailures,
		r.TokenRefreshes,
		r.TokenExpiry,
		r.APIRequests,
		r.APILatency,
		r.BreakerOpen,
		r.CacheRequests,
		r.HTTPRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

// ObserveRefresh records one refresh run
func (r *Registry) ObserveRefresh(trigger string, d time.Duration, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	} else {
		r.LastRefreshSuccess.SetToCurrentTime()
	}
	r.RefreshRuns.WithLabelValues(trigger, result).Inc()
	r.RefreshDuration.Observe(d.Seconds())
}

// ObserveCollectFailure counts a location that could not be collected
func (r *Registry) ObserveCollectFailure(location string) {
	if r == nil {
		return
	}
	r.CollectFailures.WithLabelValues(location).Inc()
}

// ObserveTokenRefresh records a token refresh attempt
func (r *Registry) ObserveTokenRefresh(result string) {
	if r == nil {
		return
	}
	r.TokenRefreshes.WithLabelValues(result).Inc()
}

// SetTokenExpiry publishes the current token expiry; zero clears it
func (r *Registry) SetTokenExpiry(expiry time.Time) {
	if r == nil {
		return
	}
	if expiry.IsZero() {
		r.TokenExpiry.Set(0)
		return
	}
	r.TokenExpiry.Set(float64(expiry.Unix()))
}

// ObserveAPIRequest records one CRM API call
func (r *Registry) ObserveAPIRequest(endpoint, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.APIRequests.WithLabelValues(endpoint, status).Inc()
	r.APILatency.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetBreakerState publishes a breaker state (0 closed, 1 half-open, 2 open)
func (r *Registry) SetBreakerState(name string, state float64) {
	if r == nil {
		return
	}
	r.BreakerOpen.WithLabelValues(name).Set(state)
}

// ObserveCache records a view cache lookup
func (r *Registry) ObserveCache(hit bool) {
	if r == nil {
		return
	}
	if hit {
		r.CacheRequests.WithLabelValues("hit").Inc()
		return
	}
	r.CacheRequests.WithLabelValues("miss").Inc()
}

// ObserveHTTP records a served HTTP request
func (r *Registry) ObserveHTTP(route string, code int) {
	if r == nil {
		return
	}
	r.HTTPRequests.WithLabelValues(route, httpCode(code)).Inc()
}

func httpCode(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
