// Package ai implements the resilient LLM invocation layer: credential rotation,
// ordered model failover, response caching, error classification and
// recovery of structured records from raw model text.
package ai

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// DefaultCacheTTL is applied when CacheOptions.TTL is not set.
const DefaultCacheTTL = 1800 * time.Second

// FingerprintPolicy controls prompt normalization before hashing.
// More aggressive normalization raises the hit rate at the cost of treating
// slightly different prompts as the same request.
type FingerprintPolicy struct {
	Lowercase          bool
	Trim               bool
	CollapseWhitespace bool
}

// DefaultFingerprintPolicy lowercases and trims the prompt.
func DefaultFingerprintPolicy() FingerprintPolicy {
	return FingerprintPolicy{Lowercase: true, Trim: true}
}

// Normalize applies the policy to a prompt.
func (p FingerprintPolicy) Normalize(prompt string) string {
	if p.CollapseWhitespace {
		prompt = strings.Join(strings.Fields(prompt), " ")
	} else if p.Trim {
		prompt = strings.TrimSpace(prompt)
	}
	if p.Lowercase {
		prompt = strings.ToLower(prompt)
	}
	return prompt
}

// Fingerprint hashes (scope, system instruction, normalized prompt) with BLAKE2b-256.
func (p FingerprintPolicy) Fingerprint(scope, systemInstruction, prompt string) string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(systemInstruction))
	h.Write([]byte{0})
	h.Write([]byte(p.Normalize(prompt)))
	return hex.EncodeToString(h.Sum(nil))
}

// CacheOptions configures a ResponseCache.
type CacheOptions struct {
	TTL time.Duration
	// MaxEntries bounds the map; 0 means unbounded.
	MaxEntries int
	Policy     FingerprintPolicy
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// CacheStats is a point-in-time snapshot of cache counters.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheItem struct {
	entry    domain.CacheEntry
	accesses atomic.Int64
}

// ResponseCache is a volatile TTL store keyed by request fingerprint.
// Expired entries are evicted lazily on Get; Sweep and StartJanitor are optional.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheItem

	ttl        time.Duration
	maxEntries int
	policy     FingerprintPolicy
	now        func() time.Time

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewResponseCache creates a cache. A zero Policy is used as-is (exact-match prompts).
func NewResponseCache(opts CacheOptions) *ResponseCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ResponseCache{
		entries:    make(map[string]*cacheItem),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		policy:     opts.Policy,
		now:        opts.Now,
	}
}

// Key returns the fingerprint of a request under the cache's policy.
func (c *ResponseCache) Key(req domain.GenerationRequest) string {
	return c.policy.Fingerprint(req.CacheScope, req.SystemInstruction, req.Prompt)
}

// Get returns the cached text for fp. An expired entry counts as a miss and is removed.
func (c *ResponseCache) Get(fp string) (string, bool) {
	c.mu.RLock()
	it, ok := c.entries[fp]
	c.mu.RUnlock()
	if !ok {
		c.misses.Add(1)
		return "", false
	}

	if it.entry.Expired(c.now()) {
		c.mu.Lock()
		// re-check: a concurrent Put may have replaced it
		if cur, still := c.entries[fp]; still && cur == it {
			delete(c.entries, fp)
			c.evictions.Add(1)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		slog.Debug("cache entry expired", slog.String("key", shortKey(fp)))
		return "", false
	}

	it.accesses.Add(1)
	c.hits.Add(1)
	return it.entry.Value, true
}

// Put stores text under fp. Last write wins.
func (c *ResponseCache) Put(fp, text string) {
	it := &cacheItem{entry: domain.CacheEntry{Key: fp, Value: text, CreatedAt: c.now(), TTL: c.ttl}}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[fp]; !exists && c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictLocked()
	}
	c.entries[fp] = it
}

// evictLocked drops an expired entry if any, else the least used, oldest entry.
func (c *ResponseCache) evictLocked() {
	now := c.now()
	var victim string
	var victimAccesses int64
	var victimCreated time.Time
	for k, it := range c.entries {
		if it.entry.Expired(now) {
			victim = k
			break
		}
		a := it.accesses.Load()
		if victim == "" || a < victimAccesses || (a == victimAccesses && it.entry.CreatedAt.Before(victimCreated)) {
			victim, victimAccesses, victimCreated = k, a, it.entry.CreatedAt
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		c.evictions.Add(1)
		slog.Debug("evicted cache entry", slog.String("key", shortKey(victim)), slog.Int64("accesses", victimAccesses))
	}
}

// Sweep removes all expired entries and returns how many were dropped.
func (c *ResponseCache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, it := range c.entries {
		if it.entry.Expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	c.evictions.Add(int64(n))
	return n
}

// StartJanitor sweeps every interval until ctx is done. A non-positive interval is a no-op.
func (c *ResponseCache) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := c.Sweep(); n > 0 {
					slog.Debug("cache sweep", slog.Int("removed", n))
				}
			}
		}
	}()
}

// Len returns the number of stored entries, expired ones included.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns a snapshot of the counters.
func (c *ResponseCache) Stats() CacheStats {
	return CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

func shortKey(k string) string {
	if len(k) > 16 {
		return k[:16] + "..."
	}
	return k
}
