package workerproxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// instantTimer fires immediately and records every requested delay.
type instantTimer struct {
	mu     sync.Mutex
	delays []time.Duration
	c      chan time.Time
}

func newInstantTimer() *instantTimer { return &instantTimer{c: make(chan time.Time, 1)} }

func (t *instantTimer) Start(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	t.c <- time.Now()
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func (t *instantTimer) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}

func newTestClient(t *testing.T, url string) (*Client, *instantTimer) {
	t.Helper()
	c := NewWithHTTPClient(url, domain.DefaultRetryPolicy(), &http.Client{Timeout: 2 * time.Second})
	tm := newInstantTimer()
	c.newTimer = func() backoff.Timer { return tm }
	return c, tm
}

func statusSequence(codes ...int) (http.HandlerFunc, *atomic.Int32) {
	var n atomic.Int32
	return func(w http.ResponseWriter, _ *http.Request) {
		i := int(n.Add(1)) - 1
		code := codes[len(codes)-1]
		if i < len(codes) {
			code = codes[i]
		}
		w.WriteHeader(code)
		_, _ = w.Write([]byte(http.StatusText(code)))
	}, &n
}

func TestCallWithRetry_BackoffScheduleOn503(t *testing.T) {
	h, n := statusSequence(503, 503, 503, 200)
	srv := httptest.NewServer(h)
	defer srv.Close()
	c, tm := newTestClient(t, srv.URL)

	resp, err := c.Do(context.Background(), http.MethodPost, "/v1/tasks/classify", []byte(`{}`), nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(4), n.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, tm.Delays())
}

func TestCallWithRetry_ExhaustedBudget(t *testing.T) {
	h, n := statusSequence(502, 504, 503)
	srv := httptest.NewServer(h)
	defer srv.Close()
	c, tm := newTestClient(t, srv.URL)

	_, err := c.Do(context.Background(), http.MethodGet, "/x", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "service warming up, retry later")

	var se *domain.UpstreamStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	assert.Equal(t, int32(5), n.Load())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, tm.Delays())
}

func TestCallWithRetry_TerminalStatusIsImmediate(t *testing.T) {
	h, n := statusSequence(400)
	srv := httptest.NewServer(h)
	defer srv.Close()
	c, tm := newTestClient(t, srv.URL)

	_, err := c.Do(context.Background(), http.MethodPost, "/v1/tasks/generate", []byte(`{}`), nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrUpstreamUnavailable)

	var se *domain.UpstreamStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "Bad Request", se.Body)
	assert.Equal(t, int32(1), n.Load())
	assert.Empty(t, tm.Delays())
}

func TestCallWithRetry_ConnectionFailureRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, tm := newTestClient(t, url)
	_, err := c.Do(context.Background(), http.MethodGet, "/health", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Len(t, tm.Delays(), 4)
}

func TestCallWithRetry_NonTransientErrorIsTerminal(t *testing.T) {
	c, tm := newTestClient(t, "http://unused")
	boom := errors.New("boom")
	calls := 0
	_, err := c.CallWithRetry(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, tm.Delays())
}

func TestCallWithRetry_TransientTransportErrors(t *testing.T) {
	c, tm := newTestClient(t, "http://unused")
	calls := 0
	resp, err := c.CallWithRetry(context.Background(), func(context.Context) (*http.Response, error) {
		calls++
		if calls < 3 {
			return nil, io.ErrUnexpectedEOF
		}
		return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, tm.Delays())
}

func TestCallWithRetry_CancellationStopsRetries(t *testing.T) {
	h, n := statusSequence(503)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, domain.DefaultRetryPolicy(), srv.Client())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for n.Load() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	_, err := c.Do(ctx, http.MethodGet, "/", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second, "real 2s backoff must be interrupted")
	assert.Equal(t, int32(1), n.Load())
}

func TestDo_ReplaysBodyAndHeaders(t *testing.T) {
	var mu sync.Mutex
	var bodies []string
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b)+"|"+r.Header.Get("X-Request-Id")+"|"+r.Header.Get("Content-Type"))
		mu.Unlock()
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c, _ := newTestClient(t, srv.URL+"/")

	resp, err := c.Do(context.Background(), http.MethodPost, "/v1/tasks/generate", []byte(`{"prompt":"p"}`), http.Header{"X-Request-Id": {"rid-1"}})
	require.NoError(t, err)
	resp.Body.Close()
	want := `{"prompt":"p"}|rid-1|application/json`
	assert.Equal(t, []string{want, want}, bodies)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := NewWithHTTPClient(srv.URL, domain.DefaultRetryPolicy(), srv.Client())
	require.NoError(t, c.Health(context.Background()))

	down := NewWithHTTPClient(srv.URL+"/nope", domain.DefaultRetryPolicy(), srv.Client())
	err := down.Health(context.Background())
	var se *domain.UpstreamStatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestNew_UsesConfig(t *testing.T) {
	c := New(config.Config{AppEnv: "test", WorkerURL: "http://worker:8010/", ProxyRequestTimeout: time.Second})
	assert.Equal(t, "http://worker:8010", c.baseURL)
	assert.Equal(t, time.Second, c.hc.Timeout)
	assert.Equal(t, 5, c.policy.MaxAttempts)
}

func TestScheduleBackOff(t *testing.T) {
	b := newScheduleBackOff(domain.RetryPolicy{MaxAttempts: 7, Schedule: []time.Duration{time.Second, 2 * time.Second}})
	var got []time.Duration
	for d := b.NextBackOff(); d != backoff.Stop; d = b.NextBackOff() {
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second}, got)

	b.Reset()
	assert.Equal(t, time.Second, b.NextBackOff())
}
