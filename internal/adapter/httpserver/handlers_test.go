package httpserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai"
	httpserver "github.com/fairyhunter13/threatiq-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

type mockInvoker struct{ mock.Mock }

func (m *mockInvoker) InvokeDetailed(ctx context.Context, req domain.GenerationRequest) (ai.Result, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(ai.Result), args.Error(1)
}

func workerRouter(gw httpserver.Invoker) http.Handler {
	s := httpserver.NewWorkerServer(gw, nil)
	r := chi.NewRouter()
	r.Use(httpserver.RequestID())
	r.Post("/v1/tasks/generate", s.GenerateHandler())
	r.Post("/v1/tasks/classify", s.ClassifyHandler())
	r.Post("/v1/tasks/coach", s.CoachHandler())
	r.Post("/v1/tasks/evaluate", s.EvaluateHandler())
	r.Get("/health", httpserver.HealthHandler())
	return r
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &m), rr.Body.String())
	return m
}

func TestGenerateHandler_OK(t *testing.T) {
	gw := &mockInvoker{}
	gw.On("InvokeDetailed", mock.Anything, mock.MatchedBy(func(r domain.GenerationRequest) bool {
		return r.Prompt == "hello" && r.Cacheable && r.CacheScope == "tenant-a"
	})).Return(ai.Result{Text: "world", Model: "gemini-2.5-flash", InvocationID: "inv-1"}, nil).Once()

	rr := post(t, workerRouter(gw), "/v1/tasks/generate", `{"prompt":"hello","cacheable":true,"cache_scope":"tenant-a"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decode(t, rr)
	assert.Equal(t, "world", m["text"])
	assert.Equal(t, "gemini-2.5-flash", m["model"])
	assert.Equal(t, false, m["cache_hit"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	gw.AssertExpectations(t)
}

func TestGenerateHandler_Validation(t *testing.T) {
	gw := &mockInvoker{}
	h := workerRouter(gw)

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ``},
		{"bad json", `{"prompt":`},
		{"missing prompt", `{"system_instruction":"x"}`},
		{"unknown field", `{"prompt":"p","nope":1}`},
		{"temperature out of range", `{"prompt":"p","generation_config":{"temperature":3}}`},
		{"top_p out of range", `{"prompt":"p","generation_config":{"top_p":1.5}}`},
		{"bad format", `{"prompt":"p","generation_config":{"expected_format":"xml"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := post(t, h, "/v1/tasks/generate", tc.body)
			assert.Equal(t, http.StatusBadRequest, rr.Code, rr.Body.String())
			m := decode(t, rr)
			assert.Equal(t, "INVALID_ARGUMENT", m["error"].(map[string]any)["code"])
		})
	}
	gw.AssertNotCalled(t, "InvokeDetailed", mock.Anything, mock.Anything)
}

func TestGenerateHandler_NotAcceptable(t *testing.T) {
	h := workerRouter(&mockInvoker{})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks/generate", strings.NewReader(`{"prompt":"p"}`))
	req.Header.Set("Accept", "text/html")
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotAcceptable, rr.Code)
}

func TestWorkerHandlers_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"exhausted", &ai.ExhaustedError{Last: errors.New("429")}, http.StatusInternalServerError, "ALL_CANDIDATES_EXHAUSTED"},
		{"auth", domain.ErrAuthFailure, http.StatusInternalServerError, "AUTH_FAILURE"},
		{"no credentials", domain.ErrNoCredentialsAvailable, http.StatusInternalServerError, "NO_CREDENTIALS"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &mockInvoker{}
			gw.On("InvokeDetailed", mock.Anything, mock.Anything).Return(ai.Result{}, tc.err)
			rr := post(t, workerRouter(gw), "/v1/tasks/generate", `{"prompt":"p"}`)
			assert.Equal(t, tc.status, rr.Code)
			assert.Equal(t, tc.code, decode(t, rr)["error"].(map[string]any)["code"])
		})
	}
}

func TestClassifyHandler_HealsAndForcesJSON(t *testing.T) {
	gw := &mockInvoker{}
	gw.On("InvokeDetailed", mock.Anything, mock.MatchedBy(func(r domain.GenerationRequest) bool {
		return r.Config.ExpectedFormat == domain.FormatJSON
	})).Return(ai.Result{Text: "```json\n{\"label\":\"phishing\",\"confidence\":1.4}\n```", Model: "m1", CacheHit: true}, nil)

	rr := post(t, workerRouter(gw), "/v1/tasks/classify", `{"prompt":"is this phishing?","cacheable":true}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decode(t, rr)
	c := m["classification"].(map[string]any)
	assert.Equal(t, "phishing", c["label"])
	assert.Equal(t, 1.0, c["confidence"])
	assert.Equal(t, "healed", m["outcome"])
	assert.Equal(t, true, m["cache_hit"])
	assert.NotEmpty(t, m["applied_defaults"])
}

func TestClassifyHandler_Unrecoverable(t *testing.T) {
	gw := &mockInvoker{}
	gw.On("InvokeDetailed", mock.Anything, mock.Anything).Return(ai.Result{Text: "I cannot answer that."}, nil)

	rr := post(t, workerRouter(gw), "/v1/tasks/classify", `{"prompt":"p"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	m := decode(t, rr)
	assert.Equal(t, "unrecoverable", m["outcome"])
	c := m["classification"].(map[string]any)
	assert.Equal(t, "unclear", c["label"])
	assert.Equal(t, 0.5, c["confidence"])
}

func TestCoachHandler_NeverCached(t *testing.T) {
	gw := &mockInvoker{}
	gw.On("InvokeDetailed", mock.Anything, mock.MatchedBy(func(r domain.GenerationRequest) bool {
		return !r.Cacheable && r.Config.ExpectedFormat == domain.FormatJSON
	})).Return(ai.Result{Text: "not json"}, nil).Once()

	body := `{"prompt":"coach me","cacheable":true,"classification":{"label":"phishing","confidence":0.9,"reason_tags":["urgency"],"explanation":"Urgent tone."}}`
	rr := post(t, workerRouter(gw), "/v1/tasks/coach", body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	m := decode(t, rr)
	assert.Equal(t, "unrecoverable", m["outcome"])
	c := m["coaching"].(map[string]any)
	assert.Equal(t, "Urgent tone.", c["explanation"])
	assert.Len(t, c["tips"], 3)
	gw.AssertExpectations(t)
}

func TestEvaluateHandler(t *testing.T) {
	gw := &mockInvoker{}
	gw.On("InvokeDetailed", mock.Anything, mock.Anything).Return(ai.Result{
		Text: `Here you go: [{"interaction_id":"a1","system_label":"safe","system_confidence":0.8,"evaluation":"correct","corrected_label":"safe","comment":"ok"}]`,
	}, nil)

	rr := post(t, workerRouter(gw), "/v1/tasks/evaluate", `{"prompt":"evaluate batch"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	m := decode(t, rr)
	assert.Equal(t, "parsed", m["outcome"])
	evals := m["evaluations"].([]any)
	require.Len(t, evals, 1)
	assert.Equal(t, "a1", evals[0].(map[string]any)["interaction_id"])
}

func TestEvaluateHandler_EmptyArrayOnGarbage(t *testing.T) {
	gw := &mockInvoker{}
	gw.On("InvokeDetailed", mock.Anything, mock.Anything).Return(ai.Result{Text: "nothing here"}, nil)

	rr := post(t, workerRouter(gw), "/v1/tasks/evaluate", `{"prompt":"evaluate batch"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	m := decode(t, rr)
	assert.Equal(t, []any{}, m["evaluations"])
	assert.Equal(t, "unrecoverable", m["outcome"])
}

func TestHealthAndReadyz(t *testing.T) {
	rr := httptest.NewRecorder()
	httpserver.HealthHandler()(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	ok := httpserver.ReadyCheck{Name: "redis", Check: func(context.Context) error { return nil }}
	bad := httpserver.ReadyCheck{Name: "worker", Check: func(context.Context) error { return errors.New("down") }}

	rr = httptest.NewRecorder()
	httpserver.ReadyzHandler(ok)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	httpserver.ReadyzHandler(ok, bad)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "down")
}
