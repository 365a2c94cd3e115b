package app

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

type errPing struct{ err error }

func (e errPing) Err() error { return e.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(_ context.Context) RedisPingResult { return errPing{err: f.err} }

func TestBuildWorkerReadinessChecks_Credentials(t *testing.T) {
	checks := BuildWorkerReadinessChecks(config.Config{Provider: "gemini"}, nil)
	if len(checks) != 1 || checks[0].Name != "credentials" {
		t.Fatalf("unexpected checks: %+v", checks)
	}
	if err := checks[0].Check(context.Background()); !errors.Is(err, domain.ErrNoCredentialsAvailable) {
		t.Fatalf("expected no credentials error, got %v", err)
	}

	checks = BuildWorkerReadinessChecks(config.Config{Provider: "gemini", GeminiAPIKey: "k"}, nil)
	if err := checks[0].Check(context.Background()); err != nil {
		t.Fatalf("credentials check: %v", err)
	}
}

func TestBuildWorkerReadinessChecks_Redis(t *testing.T) {
	cfg := config.Config{Provider: "gemini", GeminiAPIKey: "k", RedisURL: "redis://localhost:6379"}

	checks := BuildWorkerReadinessChecks(cfg, fakeRedis{})
	if len(checks) != 2 {
		t.Fatalf("want 2 checks, got %d", len(checks))
	}
	if err := checks[1].Check(context.Background()); err != nil {
		t.Fatalf("redis check: %v", err)
	}

	checks = BuildWorkerReadinessChecks(cfg, fakeRedis{err: context.DeadlineExceeded})
	if err := checks[1].Check(context.Background()); err == nil {
		t.Fatalf("expected redis error")
	}

	checks = BuildWorkerReadinessChecks(cfg, nil)
	if err := checks[1].Check(context.Background()); err == nil {
		t.Fatalf("expected redis not configured error")
	}
}

func TestNewRedisClient_Miniredis(t *testing.T) {
	if NewRedisClient(nil) != nil {
		t.Fatalf("nil client must stay nil")
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()

	rc := NewRedisClient(rdb)
	if err := rc.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mr.Close()
	if err := rc.Ping(context.Background()).Err(); err == nil {
		t.Fatalf("expected ping error after close")
	}
}
