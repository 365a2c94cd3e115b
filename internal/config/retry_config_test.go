package config

import (
	"testing"
	"time"
)

func TestConfig_GetCacheConfig_MapsFields(t *testing.T) {
	cfg := Config{
		CacheTTL:                   5 * time.Minute,
		CacheMaxEntries:            10,
		CacheSweepInterval:         time.Minute,
		CacheKeyLowercase:          true,
		CacheKeyTrim:               false,
		CacheKeyCollapseWhitespace: true,
	}

	cc := cfg.GetCacheConfig()

	if cc.TTL != cfg.CacheTTL {
		t.Fatalf("TTL = %v, want %v", cc.TTL, cfg.CacheTTL)
	}
	if cc.MaxEntries != cfg.CacheMaxEntries {
		t.Fatalf("MaxEntries = %d, want %d", cc.MaxEntries, cfg.CacheMaxEntries)
	}
	if cc.SweepInterval != cfg.CacheSweepInterval {
		t.Fatalf("SweepInterval = %v, want %v", cc.SweepInterval, cfg.CacheSweepInterval)
	}
	if !cc.Lowercase || cc.Trim || !cc.CollapseWhitespace {
		t.Fatalf("normalization flags not mapped: %+v", cc)
	}
}

func TestConfig_GetProxyRetryPolicy_TestEnv(t *testing.T) {
	cfg := Config{AppEnv: "test", ProxyMaxAttempts: 9, ProxySchedule: []time.Duration{time.Hour}}

	p := cfg.GetProxyRetryPolicy()

	if p.MaxAttempts != 5 {
		t.Fatalf("MaxAttempts = %d, want 5", p.MaxAttempts)
	}
	if len(p.Schedule) != 3 || p.Schedule[0] != 10*time.Millisecond {
		t.Fatalf("test schedule = %v, want short schedule", p.Schedule)
	}
}

func TestConfig_GetProxyRetryPolicy_NonTestEnv(t *testing.T) {
	cfg := Config{AppEnv: "prod", ProxyMaxAttempts: 3, ProxySchedule: []time.Duration{time.Second, 2 * time.Second}}

	p := cfg.GetProxyRetryPolicy()

	if p.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if len(p.Schedule) != 2 || p.Schedule[1] != 2*time.Second {
		t.Fatalf("schedule = %v", p.Schedule)
	}
	if !p.IsRetryableStatus(503) {
		t.Fatalf("503 should stay retryable")
	}
}

func TestConfig_GetProxyRetryPolicy_EmptyFallsBackToDefault(t *testing.T) {
	p := Config{AppEnv: "dev"}.GetProxyRetryPolicy()
	if p.MaxAttempts != 5 || len(p.Schedule) != 5 || p.Schedule[4] != 20*time.Second {
		t.Fatalf("expected default policy, got %+v", p)
	}
}
