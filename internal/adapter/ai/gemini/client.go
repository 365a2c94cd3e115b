// Package gemini calls the Google Generative Language REST API.
package gemini

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/threatiq-gateway/internal/observability"
)

const providerName = "gemini"

// Client implements domain.Provider against models/{model}:generateContent.
type Client struct {
	baseURL string
	hc      *http.Client
}

var _ domain.Provider = (*Client)(nil)

// New builds a client with an otelhttp transport and the configured timeout.
func New(cfg config.Config) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Gemini %s %s", r.Method, r.URL.Path)
		}),
	)
	return NewWithHTTPClient(cfg.GeminiBaseURL, &http.Client{Timeout: cfg.ProviderTimeout, Transport: transport})
}

// NewWithHTTPClient builds a client around an existing http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) Name() string { return providerName }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	PromptFeedback *struct {
		BlockReason string `json:"blockReason"`
	} `json:"promptFeedback"`
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func buildRequest(req domain.GenerationRequest) generateRequest {
	body := generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: req.Prompt}}}},
	}
	if s := strings.TrimSpace(req.SystemInstruction); s != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemInstruction}}}
	}
	gc := req.Config
	if !gc.IsZero() {
		body.GenerationConfig = &generationConfig{
			Temperature:     gc.Temperature,
			TopP:            gc.TopP,
			TopK:            gc.TopK,
			MaxOutputTokens: gc.MaxOutputTokens,
		}
		if gc.ExpectedFormat == domain.FormatJSON {
			body.GenerationConfig.ResponseMimeType = "application/json"
		}
	}
	return body
}

// Generate performs one generateContent call. Non-2xx answers become *domain.ProviderError.
func (c *Client) Generate(ctx domain.Context, model, apiKey string, req domain.GenerationRequest) (string, error) {
	b, err := json.Marshal(buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate: %w", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate model=%s: %w", model, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=gemini.Generate model=%s: read body: %w", model, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := &domain.ProviderError{
			Provider:   providerName,
			Model:      model,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		var env errorEnvelope
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			perr.Status = env.Error.Status
			perr.Message = env.Error.Message
		} else {
			perr.Message = snippet(raw)
		}
		obsctx.LoggerFromContext(ctx).Debug("gemini non-2xx",
			slog.String("model", model),
			slog.Int("status", resp.StatusCode),
			slog.String("provider_status", perr.Status))
		return "", perr
	}

	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("op=gemini.Generate model=%s: decode: %w", model, err)
	}
	if out.PromptFeedback != nil && out.PromptFeedback.BlockReason != "" {
		return "", fmt.Errorf("op=gemini.Generate model=%s: prompt blocked: %s", model, out.PromptFeedback.BlockReason)
	}
	if len(out.Candidates) == 0 {
		return "", fmt.Errorf("op=gemini.Generate model=%s: no candidates", model)
	}
	var sb strings.Builder
	for _, p := range out.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("op=gemini.Generate model=%s: empty text (finish_reason=%s)", model, out.Candidates[0].FinishReason)
	}
	return text, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	const n = 512
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}
