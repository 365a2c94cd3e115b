// Package main provides the analysis worker entry point.
// The worker owns the process-wide request gateway and serves the task endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai/openrouter"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai/stub"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai/tokencount"
	httpserver "github.com/fairyhunter13/threatiq-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/threatiq-gateway/internal/app"
	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	"github.com/fairyhunter13/threatiq-gateway/internal/service/ratelimiter"
)

func newProvider(cfg config.Config) domain.Provider {
	switch cfg.Provider {
	case "openrouter":
		return openrouter.New(cfg)
	case "stub":
		return stub.New()
	default:
		return gemini.New(cfg)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	models, err := cfg.Models()
	if err != nil {
		slog.Error("model ladder load failed", slog.Any("error", err))
		os.Exit(1)
	}
	keys := ai.NewKeyPool(cfg.Credentials())
	if keys.Size() == 0 {
		// Startup continues so /readyz can report it; every invocation fails fast.
		slog.Warn("no provider credentials configured", slog.String("provider", cfg.Provider))
	}

	cc := cfg.GetCacheConfig()
	cache := ai.NewResponseCache(ai.CacheOptions{
		TTL:        cc.TTL,
		MaxEntries: cc.MaxEntries,
		Policy: ai.FingerprintPolicy{
			Lowercase:          cc.Lowercase,
			Trim:               cc.Trim,
			CollapseWhitespace: cc.CollapseWhitespace,
		},
	})
	if cc.SweepInterval > 0 {
		cache.StartJanitor(ctx, cc.SweepInterval)
	}

	if cfg.TokenizerOffline {
		tokencount.UseOfflineEncodings()
	}
	opts := ai.GatewayOptions{
		Provider: newProvider(cfg),
		Keys:     keys,
		Ladder:   ai.NewModelLadder(models),
		Cache:    cache,
		Tokens:   tokencount.NewCounter(),
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("redis url parse failed", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(ropts)
		defer func() { _ = rdb.Close() }()
		if lim := ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.KeyRateLimitPerMin)); lim != nil {
			opts.Limiter = lim
		}
	}

	gw, err := ai.NewGateway(opts)
	if err != nil {
		slog.Error("gateway init failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("gateway ready",
		slog.String("provider", cfg.Provider),
		slog.Int("keys", keys.Size()),
		slog.Any("models", gw.Models()),
		slog.Duration("cache_ttl", cc.TTL),
		slog.Bool("key_limiter", opts.Limiter != nil))

	var redisCheck app.RedisClient
	if rdb != nil {
		redisCheck = app.NewRedisClient(rdb)
	}
	srv := httpserver.NewWorkerServer(gw, ai.NewResponseExtractor(), app.BuildWorkerReadinessChecks(cfg, redisCheck)...)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerPort),
		Handler:           app.BuildWorkerRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker http server starting", slog.Int("port", cfg.WorkerPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker http server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
