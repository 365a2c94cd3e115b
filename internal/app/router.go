package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/threatiq-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/threatiq-gateway/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	out := config.SplitList(s)
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// baseRouter installs the middleware chain shared by the worker and the public API.
func baseRouter(cfg config.Config) *chi.Mux {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

// rateLimited wraps task routes in a per-IP limit; zero disables it.
func rateLimited(cfg config.Config, r chi.Router, fn func(chi.Router)) {
	r.Group(func(gr chi.Router) {
		if cfg.RateLimitPerMin > 0 {
			gr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		}
		fn(gr)
	})
}

// BuildWorkerRouter constructs the analysis worker's handler.
func BuildWorkerRouter(cfg config.Config, srv *httpserver.WorkerServer) http.Handler {
	r := baseRouter(cfg)
	rateLimited(cfg, r, func(tr chi.Router) {
		tr.Post("/v1/tasks/generate", srv.GenerateHandler())
		tr.Post("/v1/tasks/classify", srv.ClassifyHandler())
		tr.Post("/v1/tasks/coach", srv.CoachHandler())
		tr.Post("/v1/tasks/evaluate", srv.EvaluateHandler())
	})
	r.Get("/health", httpserver.HealthHandler())
	r.Get("/readyz", httpserver.ReadyzHandler(srv.Checks...))
	return httpserver.SecurityHeaders(r)
}

// BuildServerRouter constructs the public API's handler in front of the worker.
func BuildServerRouter(cfg config.Config, srv *httpserver.ProxyServer) http.Handler {
	r := baseRouter(cfg)
	rateLimited(cfg, r, func(tr chi.Router) {
		tr.Post("/v1/tasks/{task}", srv.TaskHandler())
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", httpserver.ReadyzHandler(srv.WorkerCheck()))
	return httpserver.SecurityHeaders(r)
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
