package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fairyhunter13/threatiq-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// Invoker is the gateway surface the worker handlers need.
type Invoker interface {
	InvokeDetailed(ctx context.Context, req domain.GenerationRequest) (ai.Result, error)
}

// ReadyCheck is one named readiness probe.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// WorkerServer serves the task endpoints backed by the shared gateway.
type WorkerServer struct {
	Gateway   Invoker
	Extractor *ai.ResponseExtractor
	Checks    []ReadyCheck
}

// NewWorkerServer wires the worker handlers.
func NewWorkerServer(gw Invoker, extractor *ai.ResponseExtractor, checks ...ReadyCheck) *WorkerServer {
	if extractor == nil {
		extractor = ai.NewResponseExtractor()
	}
	return &WorkerServer{Gateway: gw, Extractor: extractor, Checks: checks}
}

type generateResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	CacheHit     bool   `json:"cache_hit"`
	InvocationID string `json:"invocation_id"`
}

type classifyResponse struct {
	Classification  domain.ClassificationRecord `json:"classification"`
	Outcome         ai.ExtractionOutcome        `json:"outcome"`
	AppliedDefaults []string                    `json:"applied_defaults"`
	Model           string                      `json:"model"`
	CacheHit        bool                        `json:"cache_hit"`
}

type coachResponse struct {
	Coaching        domain.CoachingRecord `json:"coaching"`
	Outcome         ai.ExtractionOutcome  `json:"outcome"`
	AppliedDefaults []string              `json:"applied_defaults"`
	Model           string                `json:"model"`
}

type evaluateResponse struct {
	Evaluations     []domain.EvaluationRecord `json:"evaluations"`
	Outcome         ai.ExtractionOutcome      `json:"outcome"`
	AppliedDefaults []string                  `json:"applied_defaults"`
	Model           string                    `json:"model"`
	CacheHit        bool                      `json:"cache_hit"`
}

// invoke decodes the body, applies mutate and calls the gateway.
// It writes the error response itself and reports ok=false on failure.
func (s *WorkerServer) invoke(w http.ResponseWriter, r *http.Request, mutate func(*TaskRequest)) (TaskRequest, ai.Result, bool) {
	if !acceptsJSON(r) {
		writeJSON(w, http.StatusNotAcceptable, errorEnvelope{Error: apiError{Code: "INVALID_ARGUMENT", Message: "not acceptable", Details: map[string]string{"accept": r.Header.Get("Accept")}}})
		return TaskRequest{}, ai.Result{}, false
	}
	req, verrs, err := decodeTask(w, r)
	if err != nil {
		writeError(w, r, err, verrs)
		return req, ai.Result{}, false
	}
	if mutate != nil {
		mutate(&req)
	}
	res, err := s.Gateway.InvokeDetailed(r.Context(), req.GenerationRequest())
	if err != nil {
		writeError(w, r, fmt.Errorf("op=worker.%s: %w", taskName(r), err), nil)
		return req, res, false
	}
	return req, res, true
}

// GenerateHandler returns the raw model text.
func (s *WorkerServer) GenerateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, res, ok := s.invoke(w, r, nil)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, generateResponse{Text: res.Text, Model: res.Model, CacheHit: res.CacheHit, InvocationID: res.InvocationID})
	}
}

// ClassifyHandler returns a healed classification record. Output is JSON-shaped.
func (s *WorkerServer) ClassifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, res, ok := s.invoke(w, r, forceJSON)
		if !ok {
			return
		}
		out := s.Extractor.ExtractClassification(res.Text)
		writeJSON(w, http.StatusOK, classifyResponse{
			Classification:  out.Record,
			Outcome:         out.Outcome,
			AppliedDefaults: nonNil(out.AppliedDefaults),
			Model:           res.Model,
			CacheHit:        res.CacheHit,
		})
	}
}

// CoachHandler returns a healed coaching record. Coaching is personalized and never cached;
// the caller's classification seeds the fallback record.
func (s *WorkerServer) CoachHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, res, ok := s.invoke(w, r, func(t *TaskRequest) {
			forceJSON(t)
			t.Cacheable = false
		})
		if !ok {
			return
		}
		fallback := ai.SentinelClassification()
		if req.Classification != nil {
			fallback = *req.Classification
		}
		out := s.Extractor.ExtractCoaching(res.Text, fallback)
		writeJSON(w, http.StatusOK, coachResponse{
			Coaching:        out.Record,
			Outcome:         out.Outcome,
			AppliedDefaults: nonNil(out.AppliedDefaults),
			Model:           res.Model,
		})
	}
}

// EvaluateHandler returns the healed evaluation array.
func (s *WorkerServer) EvaluateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, res, ok := s.invoke(w, r, forceJSON)
		if !ok {
			return
		}
		out := s.Extractor.ExtractEvaluations(res.Text)
		evals := out.Record
		if evals == nil {
			evals = []domain.EvaluationRecord{}
		}
		writeJSON(w, http.StatusOK, evaluateResponse{
			Evaluations:     evals,
			Outcome:         out.Outcome,
			AppliedDefaults: nonNil(out.AppliedDefaults),
			Model:           res.Model,
			CacheHit:        res.CacheHit,
		})
	}
}

// HealthHandler is the liveness probe used by the proxy.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler runs every configured check with a short deadline.
func ReadyzHandler(checks ...ReadyCheck) http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		out := make([]check, 0, len(checks))
		st := http.StatusOK
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			if err := c.Check(ctx); err != nil {
				out = append(out, check{Name: c.Name, OK: false, Details: err.Error()})
				st = http.StatusServiceUnavailable
				continue
			}
			out = append(out, check{Name: c.Name, OK: true})
		}
		writeJSON(w, st, map[string]any{"checks": out})
	}
}

func forceJSON(t *TaskRequest) { t.GenerationConfig.ExpectedFormat = domain.FormatJSON }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func taskName(r *http.Request) string {
	const prefix = "/v1/tasks/"
	p := r.URL.Path
	if len(p) > len(prefix) && p[:len(prefix)] == prefix {
		return p[len(prefix):]
	}
	return p
}
