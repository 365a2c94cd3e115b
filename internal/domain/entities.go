// Package domain holds the gateway's request, provider and error types.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUpstreamTimeout = errors.New("upstream timeout")

	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrModelUnavailable       = errors.New("model unavailable")
	ErrAuthFailure            = errors.New("auth failure")
	// ErrMalformedOutput names unparsable model text; the extractor recovers
	// with a sentinel record instead of returning it.
	ErrMalformedOutput        = errors.New("malformed output")
	ErrAllCandidatesExhausted = errors.New("all candidates exhausted")
	ErrUpstreamUnavailable    = errors.New("service warming up, retry later")
	ErrNoCredentialsAvailable = errors.New("no credentials available")
	ErrUpstreamRateLimit      = errors.New("upstream rate limit")
)

// Classification labels.
const (
	LabelPhishing = "phishing"
	LabelSafe     = "safe"
	LabelUnclear  = "unclear"
)

// ValidLabel reports whether l is one of the three classification labels.
func ValidLabel(l string) bool {
	switch l {
	case LabelPhishing, LabelSafe, LabelUnclear:
		return true
	}
	return false
}

// ExpectedFormat hints the provider about the response body.
type ExpectedFormat string

const (
	FormatText ExpectedFormat = ""
	FormatJSON ExpectedFormat = "json"
)

// GenerationConfig carries sampling parameters forwarded to the provider.
// Zero values mean "use provider defaults" except where DefaultGenerationConfig applies.
type GenerationConfig struct {
	Temperature     *float64       `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP            *float64       `json:"top_p,omitempty" validate:"omitempty,gte=0,lte=1"`
	TopK            *int           `json:"top_k,omitempty" validate:"omitempty,gte=0"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty" validate:"gte=0"`
	ExpectedFormat  ExpectedFormat `json:"expected_format,omitempty" validate:"omitempty,oneof=json"`
}

// IsZero reports whether no sampling parameter was set.
func (g GenerationConfig) IsZero() bool {
	return g.Temperature == nil && g.TopP == nil && g.TopK == nil && g.MaxOutputTokens == 0 && g.ExpectedFormat == FormatText
}

// DefaultGenerationConfig is applied when a request carries no sampling parameters.
func DefaultGenerationConfig() GenerationConfig {
	t, p, k := 0.3, 0.8, 40
	return GenerationConfig{Temperature: &t, TopP: &p, TopK: &k}
}

// GenerationRequest is one logical request to the gateway.
// CacheScope, SystemInstruction and the normalized Prompt form the cache fingerprint.
type GenerationRequest struct {
	Prompt            string           `json:"prompt" validate:"required"`
	SystemInstruction string           `json:"system_instruction"`
	Config            GenerationConfig `json:"generation_config"`
	Cacheable         bool             `json:"cacheable"`
	CacheScope        string           `json:"cache_scope"`
}

// ClassificationRecord is the healed result of a classification call.
// Invariants: Label in {phishing, safe, unclear}; Confidence in [0,1].
type ClassificationRecord struct {
	Label       string   `json:"label"`
	Confidence  float64  `json:"confidence"`
	ReasonTags  []string `json:"reason_tags"`
	Explanation string   `json:"explanation"`
}

// Quiz is an optional multiple-choice check attached to coaching.
type Quiz struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	CorrectAnswer string   `json:"correct_answer"`
}

// CoachingRecord is the healed result of a coaching call.
type CoachingRecord struct {
	Verdict     string   `json:"verdict"`
	Explanation string   `json:"explanation"`
	Tips        []string `json:"tips"`
	Quiz        *Quiz    `json:"quiz"`
}

// EvaluationRecord is one item of a batch evaluation array.
type EvaluationRecord struct {
	InteractionID    string  `json:"interaction_id"`
	SystemLabel      string  `json:"system_label"`
	SystemConfidence float64 `json:"system_confidence"`
	Evaluation       string  `json:"evaluation"`
	CorrectedLabel   string  `json:"corrected_label"`
	Comment          string  `json:"comment"`
}

// ModelCandidate is one rung of the model ladder.
type ModelCandidate struct {
	ID   string
	Rank int
}

// CacheEntry is a single cached response. Owned by the response cache.
type CacheEntry struct {
	Key       string
	Value     string
	CreatedAt time.Time
	TTL       time.Duration
}

// Expired reports whether now is past CreatedAt+TTL.
func (e CacheEntry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// Provider (port)

// Provider performs exactly one generation call against a hosted model with the given credential.
// Implementations must return *ProviderError for non-2xx responses so the gateway can classify them.
type Provider interface {
	Name() string
	Generate(ctx Context, model, apiKey string, req GenerationRequest) (string, error)
}

// KeyLimiter (port) gates calls per logical bucket (model and credential).
type KeyLimiter interface {
	Allow(ctx context.Context, key string, cost int64) (allowed bool, retryAfter time.Duration, err error)
}

// Context is an alias to allow decoupling from std context in domain.
type Context = context.Context
