package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/threatiq-gateway/internal/observability"
)

// Forwarder sends a request to the worker with retries.
type Forwarder interface {
	Do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error)
	Health(ctx context.Context) error
}

// Tasks accepted by the worker.
var knownTasks = map[string]bool{
	"generate": true,
	"classify": true,
	"coach":    true,
	"evaluate": true,
}

// ProxyServer is the public API in front of the worker.
type ProxyServer struct {
	Worker Forwarder
}

// NewProxyServer wires the public proxy handlers.
func NewProxyServer(worker Forwarder) *ProxyServer {
	return &ProxyServer{Worker: worker}
}

// TaskHandler forwards POST /v1/tasks/{task} to the worker. Terminal worker
// answers keep their body; 4xx keeps its status and 5xx becomes 502.
func (s *ProxyServer) TaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task := chi.URLParam(r, "task")
		if !knownTasks[task] {
			writeError(w, r, fmt.Errorf("%w: unknown task %q", domain.ErrInvalidArgument, task), map[string]string{"task": "oneof=generate classify coach evaluate"})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxTaskBody)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		hdr := http.Header{}
		hdr.Set("Content-Type", "application/json")
		if id := obsctx.RequestIDFromContext(r.Context()); id != "" {
			hdr.Set("X-Request-Id", id)
		}
		resp, err := s.Worker.Do(r.Context(), http.MethodPost, "/v1/tasks/"+task, body, hdr)
		if err != nil {
			var use *domain.UpstreamStatusError
			if !errors.Is(err, domain.ErrUpstreamUnavailable) && errors.As(err, &use) && use.Body != "" {
				status := use.StatusCode
				if status >= 500 {
					status = http.StatusBadGateway
				}
				obsctx.LoggerFromContext(r.Context()).Warn("worker returned terminal status",
					slog.String("task", task),
					slog.Int("worker_status", use.StatusCode))
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				_, _ = io.WriteString(w, use.Body)
				return
			}
			writeError(w, r, fmt.Errorf("op=server.proxy task=%s: %w", task, err), nil)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			obsctx.LoggerFromContext(r.Context()).Warn("copy worker response", slog.Any("error", err))
		}
	}
}

// WorkerCheck adapts the worker health probe into a readiness check.
func (s *ProxyServer) WorkerCheck() ReadyCheck {
	return ReadyCheck{Name: "worker", Check: s.Worker.Health}
}
