package ai

import (
	"errors"
	"fmt"
	"testing"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestClassify_Structured(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Outcome
	}{
		{"429", &domain.ProviderError{StatusCode: 429}, OutcomeQuota},
		{"404", &domain.ProviderError{StatusCode: 404}, OutcomeModelUnavailable},
		{"401", &domain.ProviderError{StatusCode: 401}, OutcomeAuthFailure},
		{"403", &domain.ProviderError{StatusCode: 403}, OutcomeAuthFailure},
		{"status string", &domain.ProviderError{StatusCode: 400, Status: "RESOURCE_EXHAUSTED"}, OutcomeQuota},
		{"permission denied", &domain.ProviderError{StatusCode: 400, Status: "PERMISSION_DENIED"}, OutcomeAuthFailure},
		{"wrapped", fmt.Errorf("op=x: %w", &domain.ProviderError{StatusCode: 429}), OutcomeQuota},
		{"500 plain", &domain.ProviderError{StatusCode: 500, Message: "internal"}, OutcomeUnknown},
		{"local limiter", fmt.Errorf("denied: %w", domain.ErrUpstreamRateLimit), OutcomeQuota},
		{"nil", nil, OutcomeUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassify_StructuredWinsOverText(t *testing.T) {
	// message mentions quota but the status says the model is gone
	err := &domain.ProviderError{StatusCode: 404, Message: "quota project not found"}
	assert.Equal(t, OutcomeModelUnavailable, Classify(err))
}

func TestClassify_TextFallback(t *testing.T) {
	cases := []struct {
		msg  string
		want Outcome
	}{
		{"Quota exceeded for metric", OutcomeQuota},
		{"Rate limit reached", OutcomeQuota},
		{"HTTP 429", OutcomeQuota},
		{"model Not Found", OutcomeModelUnavailable},
		{"error 404", OutcomeModelUnavailable},
		{"401 unauthorized", OutcomeAuthFailure},
		{"403", OutcomeAuthFailure},
		{"API key not valid", OutcomeAuthFailure},
		{"connection reset by peer", OutcomeUnknown},
		{"quota check failed: model not found", OutcomeQuota},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(errors.New(tc.msg)), tc.msg)
	}
}

func TestOutcome_StringAndSentinel(t *testing.T) {
	assert.Equal(t, "quota", OutcomeQuota.String())
	assert.Equal(t, "model_unavailable", OutcomeModelUnavailable.String())
	assert.Equal(t, "auth_failure", OutcomeAuthFailure.String())
	assert.Equal(t, "unknown", OutcomeUnknown.String())
	assert.ErrorIs(t, OutcomeQuota.Sentinel(), domain.ErrQuotaExceeded)
	assert.Nil(t, OutcomeUnknown.Sentinel())
}
