package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/threatiq-gateway/internal/observability"
)

// TokenEstimator estimates token usage of a successful call.
type TokenEstimator interface {
	Usage(systemInstruction, prompt, completion, model string) tokencount.Usage
}

// GatewayOptions wires a Gateway. Provider, Keys and a non-empty Ladder are required.
type GatewayOptions struct {
	Provider domain.Provider
	Keys     *KeyPool
	Ladder   ModelLadder
	// Cache is optional; nil disables caching even for cacheable requests.
	Cache *ResponseCache
	// Limiter is optional; a denial is recorded as a local quota failure.
	Limiter domain.KeyLimiter
	// Tokens is optional; nil skips token accounting.
	Tokens TokenEstimator
}

// AttemptFailure records one failed (model, credential) attempt.
type AttemptFailure struct {
	Model    string
	KeyIndex int
	Outcome  Outcome
	Err      error
}

// Result is the detailed outcome of a successful invocation.
type Result struct {
	Text         string
	Model        string
	CacheHit     bool
	InvocationID string
	Failures     []AttemptFailure
}

// ExhaustedError is returned when every model on the ladder failed.
// errors.Is(err, domain.ErrAllCandidatesExhausted) holds; Unwrap yields the last failure.
type ExhaustedError struct {
	Failures []AttemptFailure
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", domain.ErrAllCandidatesExhausted, len(e.Failures), e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == domain.ErrAllCandidatesExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Gateway turns a quota-limited provider into a single Invoke call: cache check,
// then the model ladder top-down, rotating credentials from the key pool.
// One Gateway is shared by the whole process; it holds no per-request state
// apart from the key pool cursor and cache contents.
type Gateway struct {
	provider domain.Provider
	keys     *KeyPool
	ladder   ModelLadder
	cache    *ResponseCache
	limiter  domain.KeyLimiter
	tokens   TokenEstimator
	inflight singleflight.Group
}

// NewGateway validates options and builds a Gateway.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("op=ai.NewGateway: provider required: %w", domain.ErrInvalidArgument)
	}
	if opts.Ladder.Len() == 0 {
		return nil, fmt.Errorf("op=ai.NewGateway: model ladder is empty: %w", domain.ErrInvalidArgument)
	}
	if opts.Keys == nil {
		opts.Keys = NewKeyPool(nil)
	}
	return &Gateway{
		provider: opts.Provider,
		keys:     opts.Keys,
		ladder:   opts.Ladder,
		cache:    opts.Cache,
		limiter:  opts.Limiter,
		tokens:   opts.Tokens,
	}, nil
}

// Models returns the ladder's model IDs in rank order.
func (g *Gateway) Models() []string { return g.ladder.IDs() }

// Invoke returns the raw model text for req.
func (g *Gateway) Invoke(ctx context.Context, req domain.GenerationRequest) (string, error) {
	res, err := g.InvokeDetailed(ctx, req)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// InvokeDetailed is Invoke plus the model used, cache status and recorded failures.
//
// Fatal errors: domain.ErrNoCredentialsAvailable, domain.ErrAuthFailure with a
// single-key pool, caller cancellation, and *ExhaustedError.
func (g *Gateway) InvokeDetailed(ctx context.Context, req domain.GenerationRequest) (Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, fmt.Errorf("op=ai.Invoke: prompt is empty: %w", domain.ErrInvalidArgument)
	}
	req.Config = withDefaults(req.Config)

	invID := uuid.NewString()
	ctx = obsctx.ContextWithInvocationID(ctx, invID)
	ctx, span := otel.Tracer("ai.gateway").Start(ctx, "Gateway.Invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("ai.invocation_id", invID),
		attribute.Bool("ai.cacheable", req.Cacheable),
	)
	lg := obsctx.LoggerFromContext(ctx)

	res, err := g.invoke(ctx, req)
	res.InvocationID = invID
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		result := "fatal"
		if errors.Is(err, domain.ErrAllCandidatesExhausted) {
			result = "exhausted"
		}
		observability.RecordInvocation(result)
		lg.Error("ai invocation failed",
			slog.String("result", result),
			slog.Int("failed_attempts", len(res.Failures)),
			slog.Any("error", err))
		return res, err
	}

	span.SetAttributes(attribute.String("ai.model", res.Model), attribute.Bool("ai.cache_hit", res.CacheHit))
	if res.CacheHit {
		observability.RecordInvocation("cache_hit")
	} else {
		observability.RecordInvocation("success")
	}
	lg.Info("ai invocation succeeded",
		slog.String("model", res.Model),
		slog.Bool("cache_hit", res.CacheHit),
		slog.Int("failed_attempts", len(res.Failures)))
	return res, nil
}

func (g *Gateway) invoke(ctx context.Context, req domain.GenerationRequest) (Result, error) {
	if !req.Cacheable || g.cache == nil {
		return g.tryLadder(ctx, req)
	}

	key := g.cache.Key(req)
	if text, ok := g.cache.Get(key); ok {
		observability.RecordCacheLookup("hit")
		return Result{Text: text, CacheHit: true}, nil
	}
	observability.RecordCacheLookup("miss")

	// Concurrent identical misses share one ladder walk; each caller still
	// honors its own deadline while waiting on it.
	ch := g.inflight.DoChan(key, func() (any, error) {
		res, err := g.tryLadder(ctx, req)
		if err == nil {
			g.cache.Put(key, res.Text)
			observability.SetCacheEntries(g.cache.Len())
		}
		return res, err
	})
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("op=ai.Invoke: %w", ctx.Err())
	case r := <-ch:
		res, _ := r.Val.(Result)
		if r.Err != nil && r.Shared && ctx.Err() == nil && isContextErr(r.Err) {
			// The leader's caller went away; this caller still wants an answer.
			return g.tryLadder(ctx, req)
		}
		return res, r.Err
	}
}

func (g *Gateway) tryLadder(ctx context.Context, req domain.GenerationRequest) (Result, error) {
	lg := obsctx.LoggerFromContext(ctx)
	poolSize := g.keys.Size()
	var failures []AttemptFailure
	var last error

	for i := 0; i < g.ladder.Len(); i++ {
		model := g.ladder.At(i).ID
		for tries := 1; ; tries++ {
			if err := ctx.Err(); err != nil {
				return Result{Failures: failures}, fmt.Errorf("op=ai.Invoke: %w", err)
			}
			cred, err := g.keys.Next()
			if err != nil {
				return Result{Failures: failures}, fmt.Errorf("op=ai.Invoke: %w", err)
			}

			text, err := g.attempt(ctx, model, cred, req)
			if err == nil {
				return Result{Text: text, Model: model, Failures: failures}, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{Failures: failures}, fmt.Errorf("op=ai.Invoke model=%s: %w", model, ctxErr)
			}

			outcome := Classify(err)
			failures = append(failures, AttemptFailure{Model: model, KeyIndex: cred.Index, Outcome: outcome, Err: err})
			last = err
			observability.RecordAttemptFailure(model, outcome.String())

			attrs := []any{
				slog.String("model", model),
				slog.Int("rank", i),
				slog.String("key", cred.Redact()),
				slog.String("outcome", outcome.String()),
				slog.Any("error", err),
			}
			if outcome == OutcomeAuthFailure {
				if poolSize <= 1 {
					lg.Error("ai credential rejected, no other keys configured", attrs...)
					return Result{Failures: failures}, fmt.Errorf("op=ai.Invoke model=%s: %w: %w", model, domain.ErrAuthFailure, err)
				}
				if tries < poolSize {
					lg.Warn("ai credential rejected, rotating key", attrs...)
					continue
				}
			}
			if outcome == OutcomeUnknown {
				lg.Error("ai attempt failed with unclassified error, advancing model", attrs...)
			} else {
				lg.Warn("ai attempt failed, advancing model", attrs...)
			}
			break
		}
	}
	return Result{Failures: failures}, &ExhaustedError{Failures: failures, Last: last}
}

// attempt performs one provider call for (model, credential).
func (g *Gateway) attempt(ctx context.Context, model string, cred Credential, req domain.GenerationRequest) (string, error) {
	ctx, span := otel.Tracer("ai.gateway").Start(ctx, "Gateway.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("ai.provider", g.provider.Name()),
		attribute.String("ai.model", model),
		attribute.Int("ai.key_index", cred.Index),
	)

	if g.limiter != nil {
		allowed, retryAfter, err := g.limiter.Allow(ctx, fmt.Sprintf("%s:%d", model, cred.Index), 1)
		switch {
		case err != nil:
			// limiter outages must not take generation down with them
			obsctx.LoggerFromContext(ctx).Warn("key limiter unavailable, proceeding", slog.Any("error", err))
		case !allowed:
			err := fmt.Errorf("local limit for key %d, retry after %s: %w", cred.Index, retryAfter, domain.ErrUpstreamRateLimit)
			span.RecordError(err)
			return "", err
		}
	}

	start := time.Now()
	text, err := g.provider.Generate(ctx, model, cred.Key, req)
	observability.ObserveAIRequest(g.provider.Name(), "generate", time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	if g.tokens != nil {
		u := g.tokens.Usage(req.SystemInstruction, req.Prompt, text, model)
		observability.RecordTokens(model, u.PromptTokens, u.CompletionTokens)
		span.SetAttributes(attribute.Int("ai.tokens_total", u.TotalTokens))
	}
	return text, nil
}

// withDefaults fills unset sampling parameters with the default generation config.
func withDefaults(c domain.GenerationConfig) domain.GenerationConfig {
	d := domain.DefaultGenerationConfig()
	if c.Temperature == nil {
		c.Temperature = d.Temperature
	}
	if c.TopP == nil {
		c.TopP = d.TopP
	}
	if c.TopK == nil {
		c.TopK = d.TopK
	}
	return c
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
