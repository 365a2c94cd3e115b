package domain

import (
	"fmt"
	"time"
)

// ProviderError is a non-2xx answer from a hosted model API.
// StatusCode and Status are the structured signals used for classification;
// Message is the provider's free text.
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Status     string
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s model %s: status %d %s: %s", e.Provider, e.Model, e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("%s model %s: status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
}

// UpstreamStatusError is a terminal non-success status from the proxied worker.
type UpstreamStatusError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}
