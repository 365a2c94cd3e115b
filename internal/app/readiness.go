package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/threatiq-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

type statusAdapter struct{ s *redis.StatusCmd }

func (s statusAdapter) Err() error { return s.s.Err() }

type redisAdapter struct{ c redis.UniversalClient }

func (a redisAdapter) Ping(ctx context.Context) RedisPingResult { return statusAdapter{a.c.Ping(ctx)} }

// NewRedisClient adapts a go-redis client to RedisClient. A nil client stays nil.
func NewRedisClient(c redis.UniversalClient) RedisClient {
	if c == nil {
		return nil
	}
	return redisAdapter{c: c}
}

// BuildWorkerReadinessChecks returns the worker's checks: credentials are
// configured, and Redis answers when the key limiter uses it.
func BuildWorkerReadinessChecks(cfg config.Config, rdb RedisClient) []httpserver.ReadyCheck {
	checks := []httpserver.ReadyCheck{{
		Name: "credentials",
		Check: func(context.Context) error {
			if len(cfg.Credentials()) == 0 {
				return fmt.Errorf("provider %s: %w", cfg.Provider, domain.ErrNoCredentialsAvailable)
			}
			return nil
		},
	}}
	if !isBlank(cfg.RedisURL) {
		checks = append(checks, httpserver.ReadyCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				if rdb == nil {
					return fmt.Errorf("redis not configured")
				}
				return rdb.Ping(ctx).Err()
			},
		})
	}
	return checks
}
