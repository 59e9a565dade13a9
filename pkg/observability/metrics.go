package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolution metrics
	ResolutionsTotal   *prometheus.CounterVec
	ResolutionDuration prometheus.Histogram
	EffectivePermCount prometheus.Histogram

	// Session metrics
	SessionsIssuedTotal       *prometheus.CounterVec
	VerificationFailuresTotal *prometheus.CounterVec

	// Policy metrics
	DecisionsTotal *prometheus.CounterVec

	// Administrative mutations
	MutationsTotal        *prometheus.CounterVec
	VersionConflictsTotal *prometheus.CounterVec
	ExpiredPurgedTotal    prometheus.Counter

	// Signing key cache metrics
	KeyCacheHitsTotal   prometheus.Counter
	KeyCacheMissesTotal prometheus.Counter

	// Issuance rate limiting
	RateLimitedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rolegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_resolutions_total",
				Help: "Total number of effective permission resolutions",
			},
			[]string{"status"},
		),
		ResolutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rolegate_resolution_duration_seconds",
				Help:    "Time to load a snapshot and resolve effective permissions",
				Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		EffectivePermCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rolegate_effective_permissions",
				Help:    "Number of codes in resolved permission sets",
				Buckets: prometheus.LinearBuckets(0, 5, 10),
			},
		),

		SessionsIssuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_sessions_issued_total",
				Help: "Total number of sessions issued",
			},
			[]string{"kind"},
		),
		VerificationFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_verification_failures_total",
				Help: "Total number of rejected credentials by reason",
			},
			[]string{"reason"},
		),

		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_policy_decisions_total",
				Help: "Total number of policy decisions by name and outcome",
			},
			[]string{"decision", "outcome"},
		),

		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_mutations_total",
				Help: "Total number of administrative mutations",
			},
			[]string{"operation", "status"},
		),
		VersionConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_version_conflicts_total",
				Help: "Total number of rejected optimistic upserts",
			},
			[]string{"operation"},
		),
		ExpiredPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rolegate_expired_purged_total",
				Help: "Total number of expired grant and deny rows purged",
			},
		),

		KeyCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rolegate_key_cache_hits_total",
				Help: "Total number of signing key cache hits",
			},
		),
		KeyCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rolegate_key_cache_misses_total",
				Help: "Total number of signing key cache misses",
			},
		),

		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rolegate_rate_limited_total",
				Help: "Total number of requests rejected by the issuance rate limiter",
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.EffectivePermCount,
		m.SessionsIssuedTotal,
		m.VerificationFailuresTotal,
		m.DecisionsTotal,
		m.MutationsTotal,
		m.VersionConflictsTotal,
		m.ExpiredPurgedTotal,
		m.KeyCacheHitsTotal,
		m.KeyCacheMissesTotal,
		m.RateLimitedTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// Requests are labelled by their mux route template so path parameters do
// not explode label cardinality.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			route := routeTemplate(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
