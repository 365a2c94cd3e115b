package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/threatiq-gateway/internal/observability"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps the error taxonomy onto HTTP. Order matters: an exhausted
// proxy budget wraps the last transport error, which may itself be a timeout.
// Invocation-layer failures are 500 on the worker so the proxy, which retries
// 502/503/504, surfaces them at once; the proxy reports them as 502.
func statusFor(err error) (int, string) {
	var use *domain.UpstreamStatusError
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, domain.ErrAllCandidatesExhausted):
		return http.StatusInternalServerError, "ALL_CANDIDATES_EXHAUSTED"
	case errors.Is(err, domain.ErrAuthFailure):
		return http.StatusInternalServerError, "AUTH_FAILURE"
	case errors.Is(err, domain.ErrNoCredentialsAvailable):
		return http.StatusInternalServerError, "NO_CREDENTIALS"
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"
	case errors.Is(err, domain.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"
	case errors.As(err, &use):
		return http.StatusBadGateway, "UPSTREAM_ERROR"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func writeError(w http.ResponseWriter, r *http.Request, err error, details any) {
	code, codeStr := statusFor(err)
	lg := obsctx.LoggerFromContext(r.Context())
	if code >= 500 {
		lg.Error("request failed", slog.Int("status", code), slog.Any("error", err))
	} else {
		lg.Warn("request rejected", slog.Int("status", code), slog.Any("error", err))
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
