// Package workerproxy calls the analysis worker with bounded, fixed-schedule
// retries so a cold-starting worker does not surface as a hard failure.
package workerproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/threatiq-gateway/internal/observability"
)

const maxErrorBody = 4 << 10

// Client talks to the worker over HTTP.
type Client struct {
	baseURL string
	hc      *http.Client
	policy  domain.RetryPolicy
	// newTimer is swapped in tests to run the schedule in accelerated time.
	newTimer func() backoff.Timer
}

// New builds a Client from configuration.
func New(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Worker %s %s", r.Method, r.URL.Path)
		}),
	)
	return NewWithHTTPClient(cfg.WorkerURL, cfg.GetProxyRetryPolicy(), &http.Client{
		Timeout:   cfg.ProxyRequestTimeout,
		Transport: transport,
	})
}

// NewWithHTTPClient builds a Client around an existing http.Client.
func NewWithHTTPClient(baseURL string, policy domain.RetryPolicy, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      hc,
		policy:  policy,
	}
}

// CallWithRetry runs fn until it returns a 2xx response, a terminal status, or the
// attempt budget is spent. Connection failures, timeouts and the policy's retryable
// statuses are retried on the fixed schedule. Other non-2xx statuses return
// *domain.UpstreamStatusError immediately. A spent budget returns an error wrapping
// domain.ErrUpstreamUnavailable and the last transient failure.
// The caller owns the body of a returned response.
func (c *Client) CallWithRetry(ctx context.Context, fn func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	ctx, span := otel.Tracer("worker.proxy").Start(ctx, "Client.CallWithRetry")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	attempts := 0
	var lastTransient error
	op := func() (*http.Response, error) {
		attempts++
		resp, err := fn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}
			if !isTransient(err) {
				observability.RecordProxyAttempt("terminal")
				return nil, backoff.Permanent(err)
			}
			observability.RecordProxyAttempt("transient")
			lastTransient = err
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			observability.RecordProxyAttempt("success")
			return resp, nil
		}
		body := readSnippet(resp.Body, maxErrorBody)
		_ = resp.Body.Close()
		statusErr := &domain.UpstreamStatusError{StatusCode: resp.StatusCode, Body: body}
		if c.policy.IsRetryableStatus(resp.StatusCode) {
			observability.RecordProxyAttempt("transient")
			lastTransient = statusErr
			return nil, statusErr
		}
		observability.RecordProxyAttempt("terminal")
		return nil, backoff.Permanent(statusErr)
	}

	notify := func(err error, wait time.Duration) {
		lg.Warn("worker call failed, retrying",
			slog.Int("attempt", attempts),
			slog.Int("max_attempts", c.policy.MaxAttempts),
			slog.Duration("backoff", wait),
			slog.Any("error", err))
	}

	var timer backoff.Timer
	if c.newTimer != nil {
		timer = c.newTimer()
	}
	bo := backoff.WithContext(newScheduleBackOff(c.policy), ctx)
	resp, err := backoff.RetryNotifyWithTimerAndData(op, bo, notify, timer)
	span.SetAttributes(attribute.Int("worker.attempts", attempts))
	if err == nil {
		return resp, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("op=workerproxy.CallWithRetry: %w", ctx.Err())
	case lastTransient != nil && errors.Is(err, lastTransient):
		lg.Error("worker unavailable after retries",
			slog.Int("attempts", attempts),
			slog.Any("last_error", lastTransient))
		return nil, fmt.Errorf("op=workerproxy.CallWithRetry attempts=%d: %w: %w", attempts, domain.ErrUpstreamUnavailable, lastTransient)
	default:
		return nil, fmt.Errorf("op=workerproxy.CallWithRetry: %w", err)
	}
}

// Do sends method+path with body to the worker through CallWithRetry.
// The body is replayed on every attempt.
func (c *Client) Do(ctx context.Context, method, path string, body []byte, header http.Header) (*http.Response, error) {
	url := c.baseURL + path
	return c.CallWithRetry(ctx, func(ctx context.Context) (*http.Response, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, rdr)
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		if body != nil && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/json")
		}
		return c.hc.Do(req)
	})
}

// Health probes the worker's /health once, without retries.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=workerproxy.Health: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("op=workerproxy.Health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("op=workerproxy.Health: %w", &domain.UpstreamStatusError{StatusCode: resp.StatusCode})
	}
	return nil
}

// isTransient reports whether a transport error is worth another attempt.
func isTransient(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET)
}

func readSnippet(r io.Reader, n int64) string {
	if r == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return strings.TrimSpace(string(b))
}
