package workerproxy

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// scheduleBackOff walks a fixed delay table and stops once the attempt budget is spent.
type scheduleBackOff struct {
	policy  domain.RetryPolicy
	retries int
}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

func newScheduleBackOff(p domain.RetryPolicy) *scheduleBackOff {
	return &scheduleBackOff{policy: p}
}

func (b *scheduleBackOff) NextBackOff() time.Duration {
	if b.retries >= b.policy.MaxAttempts-1 {
		return backoff.Stop
	}
	d := b.policy.DelayFor(b.retries)
	b.retries++
	return d
}

func (b *scheduleBackOff) Reset() { b.retries = 0 }
