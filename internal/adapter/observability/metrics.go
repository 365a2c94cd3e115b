package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"provider", "operation"},
	)
	AIAttemptFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_attempt_failures_total",
			Help: "Failed model attempts by model and classified outcome",
		},
		[]string{"model", "outcome"},
	)
	AIInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_invocations_total",
			Help: "Logical gateway invocations by result",
		},
		[]string{"result"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Estimated tokens consumed by model and kind (prompt, completion)",
		},
		[]string{"model", "kind"},
	)

	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, expired)",
		},
		[]string{"result"},
	)
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai_cache_entries",
			Help: "Number of entries currently held by the response cache",
		},
	)

	ExtractionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_extractions_total",
			Help: "Response extractions by shape and outcome (parsed, healed, unrecoverable)",
		},
		[]string{"shape", "outcome"},
	)

	ProxyAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_proxy_attempts_total",
			Help: "Worker proxy attempts by result (success, transient, terminal)",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// InitMetrics registers all collectors with the default registry. Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			AIRequestsTotal,
			AIRequestDuration,
			AIAttemptFailuresTotal,
			AIInvocationsTotal,
			AITokensTotal,
			CacheLookupsTotal,
			CacheEntries,
			ExtractionsTotal,
			ProxyAttemptsTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveAIRequest records one provider round trip.
func ObserveAIRequest(provider, operation string, d time.Duration) {
	AIRequestsTotal.WithLabelValues(provider, operation).Inc()
	AIRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordAttemptFailure counts a failed model attempt.
func RecordAttemptFailure(model, outcome string) {
	AIAttemptFailuresTotal.WithLabelValues(model, outcome).Inc()
}

// RecordInvocation counts a finished logical invocation.
func RecordInvocation(result string) {
	AIInvocationsTotal.WithLabelValues(result).Inc()
}

// RecordTokens adds estimated token usage.
func RecordTokens(model string, prompt, completion int) {
	if prompt > 0 {
		AITokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		AITokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// RecordCacheLookup counts a cache lookup.
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// SetCacheEntries publishes the current cache size.
func SetCacheEntries(n int) {
	CacheEntries.Set(float64(n))
}

// RecordExtraction counts an extraction outcome.
func RecordExtraction(shape, outcome string) {
	ExtractionsTotal.WithLabelValues(shape, outcome).Inc()
}

// RecordProxyAttempt counts a worker proxy attempt.
func RecordProxyAttempt(result string) {
	ProxyAttemptsTotal.WithLabelValues(result).Inc()
}
