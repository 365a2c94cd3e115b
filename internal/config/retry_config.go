package config

import (
	"time"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// CacheConfig holds response cache configuration.
type CacheConfig struct {
	// TTL is how long a response stays fresh
	TTL time.Duration
	// MaxEntries caps the map size; 0 means unbounded
	MaxEntries int
	// SweepInterval enables a background sweep when > 0
	SweepInterval time.Duration
	// Lowercase, Trim and CollapseWhitespace control prompt normalization for fingerprints
	Lowercase          bool
	Trim               bool
	CollapseWhitespace bool
}

// GetCacheConfig returns the response cache configuration.
func (c Config) GetCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:                c.CacheTTL,
		MaxEntries:         c.CacheMaxEntries,
		SweepInterval:      c.CacheSweepInterval,
		Lowercase:          c.CacheKeyLowercase,
		Trim:               c.CacheKeyTrim,
		CollapseWhitespace: c.CacheKeyCollapseWhitespace,
	}
}

// GetProxyRetryPolicy returns the worker proxy policy appropriate for the current environment.
// In test environments the schedule is shortened for fast test execution.
func (c Config) GetProxyRetryPolicy() domain.RetryPolicy {
	p := domain.DefaultRetryPolicy()
	if c.IsTest() {
		p.Schedule = []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
		return p
	}
	if c.ProxyMaxAttempts > 0 {
		p.MaxAttempts = c.ProxyMaxAttempts
	}
	if len(c.ProxySchedule) > 0 {
		p.Schedule = append([]time.Duration(nil), c.ProxySchedule...)
	}
	return p
}
