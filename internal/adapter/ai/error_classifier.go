package ai

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// Outcome is the classification of a failed model attempt.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeQuota
	OutcomeModelUnavailable
	OutcomeAuthFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeQuota:
		return "quota"
	case OutcomeModelUnavailable:
		return "model_unavailable"
	case OutcomeAuthFailure:
		return "auth_failure"
	default:
		return "unknown"
	}
}

// Sentinel returns the domain error matching the outcome, or nil for unknown.
func (o Outcome) Sentinel() error {
	switch o {
	case OutcomeQuota:
		return domain.ErrQuotaExceeded
	case OutcomeModelUnavailable:
		return domain.ErrModelUnavailable
	case OutcomeAuthFailure:
		return domain.ErrAuthFailure
	}
	return nil
}

// Classify maps a provider failure to an Outcome.
//
// Structured signals are consulted first: the HTTP status and status string of a
// *domain.ProviderError, then local sentinels. Only when neither is present does
// it fall back to substring matching on the error text. That fallback is
// best-effort and breaks silently if upstream wording changes; it exists for
// SDKs and proxies that only expose free text.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeUnknown
	}

	var pe *domain.ProviderError
	if errors.As(err, &pe) {
		if o := classifyStatus(pe.StatusCode, pe.Status); o != OutcomeUnknown {
			return o
		}
	}

	switch {
	case errors.Is(err, domain.ErrUpstreamRateLimit), errors.Is(err, domain.ErrQuotaExceeded):
		return OutcomeQuota
	case errors.Is(err, domain.ErrModelUnavailable):
		return OutcomeModelUnavailable
	case errors.Is(err, domain.ErrAuthFailure):
		return OutcomeAuthFailure
	}

	return classifyText(err.Error())
}

func classifyStatus(code int, status string) Outcome {
	switch code {
	case http.StatusTooManyRequests:
		return OutcomeQuota
	case http.StatusNotFound:
		return OutcomeModelUnavailable
	case http.StatusUnauthorized, http.StatusForbidden:
		return OutcomeAuthFailure
	}
	switch strings.ToUpper(status) {
	case "RESOURCE_EXHAUSTED":
		return OutcomeQuota
	case "NOT_FOUND":
		return OutcomeModelUnavailable
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		return OutcomeAuthFailure
	}
	return OutcomeUnknown
}

// classifyText is the last-resort fallback. Quota is checked first.
func classifyText(msg string) Outcome {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "quota"), strings.Contains(m, "rate limit"), strings.Contains(m, "429"):
		return OutcomeQuota
	case strings.Contains(m, "404"), strings.Contains(m, "not found"):
		return OutcomeModelUnavailable
	case strings.Contains(m, "401"), strings.Contains(m, "403"), strings.Contains(m, "api key"):
		return OutcomeAuthFailure
	}
	return OutcomeUnknown
}
