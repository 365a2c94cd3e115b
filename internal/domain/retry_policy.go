package domain

import (
	"net/http"
	"time"
)

// RetryPolicy defines the bounded backoff used when calling a cold-starting worker.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, including the first one
	MaxAttempts int
	// Schedule holds the wait before retry n (index-clamped past the end)
	Schedule []time.Duration
	// RetryableStatus lists response codes that trigger another attempt
	RetryableStatus []int
}

// DefaultRetryPolicy returns the worker cold-start policy: 5 attempts, 2/4/8/16/20s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Schedule: []time.Duration{
			2 * time.Second,
			4 * time.Second,
			8 * time.Second,
			16 * time.Second,
			20 * time.Second,
		},
		RetryableStatus: []int{
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// DelayFor returns the wait after the given zero-based failed attempt.
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if len(p.Schedule) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(p.Schedule) {
		attempt = len(p.Schedule) - 1
	}
	return p.Schedule[attempt]
}

// IsRetryableStatus reports whether code is one of the transient worker statuses.
func (p RetryPolicy) IsRetryableStatus(code int) bool {
	for _, c := range p.RetryableStatus {
		if c == code {
			return true
		}
	}
	return false
}
