// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Default ladders per provider, best to fallback.
var defaultModelLadder = []string{
	"gemini-2.5-flash",
	"gemini-2.0-flash-exp",
	"gemini-1.5-flash",
	"gemini-1.5-flash-8b",
}

var defaultOpenRouterLadder = []string{
	"google/gemini-2.5-flash",
	"google/gemini-2.0-flash-exp:free",
	"meta-llama/llama-3.3-70b-instruct:free",
	"mistralai/mistral-7b-instruct:free",
}

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv     string `env:"APP_ENV" envDefault:"dev" validate:"oneof=dev test prod"`
	Port       int    `env:"PORT" envDefault:"8080" validate:"gt=0,lt=65536"`
	WorkerPort int    `env:"WORKER_PORT" envDefault:"8010" validate:"gt=0,lt=65536"`
	// Provider selects the hosted API behind the gateway: gemini, openrouter, or stub for offline dev.
	Provider string `env:"LLM_PROVIDER" envDefault:"gemini" validate:"oneof=gemini openrouter stub"`
	// GeminiAPIKeys is an ordered comma-separated credential list; GeminiAPIKey is the single-key fallback.
	GeminiAPIKeys     string        `env:"GEMINI_API_KEYS"`
	GeminiAPIKey      string        `env:"GEMINI_API_KEY"`
	GeminiBaseURL     string        `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta" validate:"url"`
	OpenRouterAPIKeys string        `env:"OPENROUTER_API_KEYS"`
	OpenRouterAPIKey  string        `env:"OPENROUTER_API_KEY"`
	OpenRouterBaseURL string        `env:"OPENROUTER_BASE_URL" envDefault:"https://openrouter.ai/api/v1" validate:"url"`
	OpenRouterReferer string        `env:"OPENROUTER_REFERER"`
	OpenRouterTitle   string        `env:"OPENROUTER_TITLE" envDefault:"ThreatIQ"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	// ModelLadder is ordered best to fallback. MODEL_LADDER_FILE (YAML) wins when set.
	ModelLadder     []string `env:"MODEL_LADDER" envSeparator:","`
	ModelLadderFile string   `env:"MODEL_LADDER_FILE"`
	// Response cache
	CacheTTL                   time.Duration `env:"CACHE_TTL" envDefault:"1800s" validate:"gt=0"`
	CacheMaxEntries            int           `env:"CACHE_MAX_ENTRIES" envDefault:"4096" validate:"gte=0"`
	CacheSweepInterval         time.Duration `env:"CACHE_SWEEP_INTERVAL" envDefault:"0s"`
	CacheKeyLowercase          bool          `env:"CACHE_KEY_LOWERCASE" envDefault:"true"`
	CacheKeyTrim               bool          `env:"CACHE_KEY_TRIM" envDefault:"true"`
	CacheKeyCollapseWhitespace bool          `env:"CACHE_KEY_COLLAPSE_WHITESPACE" envDefault:"false"`
	// Optional per-credential request budget backed by Redis; disabled when REDIS_URL is empty.
	RedisURL           string `env:"REDIS_URL"`
	KeyRateLimitPerMin int    `env:"KEY_RATE_LIMIT_PER_MIN" envDefault:"0" validate:"gte=0"`
	// TokenizerOffline loads tiktoken BPE files from the embedded loader instead of the network.
	TokenizerOffline bool `env:"TOKENIZER_OFFLINE" envDefault:"true"`
	// Worker proxy
	WorkerURL           string          `env:"WORKER_URL" envDefault:"http://localhost:8010" validate:"url"`
	ProxyMaxAttempts    int             `env:"PROXY_MAX_ATTEMPTS" envDefault:"5" validate:"gt=0"`
	ProxySchedule       []time.Duration `env:"PROXY_BACKOFF_SCHEDULE" envSeparator:"," envDefault:"2s,4s,8s,16s,20s"`
	ProxyRequestTimeout time.Duration   `env:"PROXY_REQUEST_TIMEOUT" envDefault:"60s" validate:"gt=0"`
	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"threatiq-gateway"`
	// HTTP
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60" validate:"gte=0"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"120s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c Config) Validate() error {
	return validator.New().Struct(c)
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// Credentials returns the ordered credential list for the selected provider.
// The comma-separated list wins; the single key is the fallback.
func (c Config) Credentials() []string {
	if c.Provider == "stub" {
		return []string{"stub"}
	}
	list, single := c.GeminiAPIKeys, c.GeminiAPIKey
	if c.Provider == "openrouter" {
		list, single = c.OpenRouterAPIKeys, c.OpenRouterAPIKey
	}
	if keys := SplitList(list); len(keys) > 0 {
		return keys
	}
	if s := strings.TrimSpace(single); s != "" {
		return []string{s}
	}
	return nil
}

// Models returns the configured model ladder, falling back to the provider's default ladder.
func (c Config) Models() ([]string, error) {
	if c.ModelLadderFile != "" {
		models, err := LoadModelLadderFile(c.ModelLadderFile)
		if err != nil {
			return nil, fmt.Errorf("op=config.Models: %w", err)
		}
		return models, nil
	}
	var out []string
	for _, m := range c.ModelLadder {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	if c.Provider == "openrouter" {
		return append([]string(nil), defaultOpenRouterLadder...), nil
	}
	return append([]string(nil), defaultModelLadder...), nil
}

// SplitList splits a comma-separated list, trimming spaces and dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
