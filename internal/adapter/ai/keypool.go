package ai

import (
	"strings"
	"sync/atomic"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// Credential is one API key handed out by the KeyPool.
type Credential struct {
	Key   string
	Index int
}

// Redact returns a log-safe form of the key.
func (c Credential) Redact() string {
	return RedactKey(c.Key)
}

// RedactKey keeps the last four characters of a key.
func RedactKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return "****" + k[len(k)-4:]
}

// KeyPool round-robins over a fixed set of credentials.
// Every window of Size() consecutive Next calls visits every key exactly once,
// including under concurrent callers, since each call takes a distinct ticket.
type KeyPool struct {
	keys   []string
	cursor atomic.Uint64
}

// NewKeyPool builds a pool from keys, dropping blanks and duplicates while preserving order.
func NewKeyPool(keys []string) *KeyPool {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return &KeyPool{keys: out}
}

// Next returns the next credential in rotation.
func (p *KeyPool) Next() (Credential, error) {
	n := uint64(len(p.keys))
	if n == 0 {
		return Credential{}, domain.ErrNoCredentialsAvailable
	}
	i := int((p.cursor.Add(1) - 1) % n)
	return Credential{Key: p.keys[i], Index: i}, nil
}

// Size reports the number of distinct credentials.
func (p *KeyPool) Size() int { return len(p.keys) }
