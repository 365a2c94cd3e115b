// Package openrouter implements domain.Provider on OpenRouter's OpenAI-compatible chat completions API.
package openrouter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/threatiq-gateway/internal/config"
	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/threatiq-gateway/internal/observability"
)

const providerName = "openrouter"

// Client calls {base}/chat/completions once per Generate.
type Client struct {
	baseURL string
	referer string
	title   string
	hc      *http.Client
}

var _ domain.Provider = (*Client)(nil)

// New constructs a client from config.
func New(cfg config.Config) *Client {
	hc := &http.Client{
		Timeout:   cfg.ProviderTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	c := NewWithHTTPClient(cfg.OpenRouterBaseURL, hc)
	c.referer = cfg.OpenRouterReferer
	c.title = cfg.OpenRouterTitle
	return c
}

// NewWithHTTPClient builds a client around an existing http.Client.
func NewWithHTTPClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), hc: hc}
}

func (c *Client) Name() string { return providerName }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	TopK           *int            `json:"top_k,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	// OpenRouter reports some upstream failures inside a 200 body.
	Error *apiError `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
}

func buildRequest(model string, req domain.GenerationRequest) chatRequest {
	body := chatRequest{Model: model}
	if strings.TrimSpace(req.SystemInstruction) != "" {
		body.Messages = append(body.Messages, message{Role: "system", Content: req.SystemInstruction})
	}
	body.Messages = append(body.Messages, message{Role: "user", Content: req.Prompt})
	body.Temperature = req.Config.Temperature
	body.TopP = req.Config.TopP
	body.TopK = req.Config.TopK
	body.MaxTokens = req.Config.MaxOutputTokens
	if req.Config.ExpectedFormat == domain.FormatJSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return body
}

// Generate sends one chat completion request.
func (c *Client) Generate(ctx domain.Context, model, apiKey string, req domain.GenerationRequest) (string, error) {
	b, err := json.Marshal(buildRequest(model, req))
	if err != nil {
		return "", fmt.Errorf("op=openrouter.Generate: %w", err)
	}
	endpoint := c.baseURL + "/chat/completions"
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("op=openrouter.Generate: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+apiKey)
	r.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		r.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		r.Header.Set("X-Title", c.title)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return "", fmt.Errorf("op=openrouter.Generate model=%s: %w", model, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("op=openrouter.Generate model=%s: read body: %w", model, err)
	}

	lg := obsctx.LoggerFromContext(ctx)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := providerError(model, resp.StatusCode, raw)
		perr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		lg.Debug("ai provider non-2xx",
			slog.String("provider", providerName),
			slog.String("model", model),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
		return "", perr
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("op=openrouter.Generate model=%s: decode: %w", model, err)
	}
	if out.Error != nil && out.Error.Message != "" {
		code := codeOf(out.Error.Code)
		if code == 0 {
			code = http.StatusBadGateway
		}
		return "", &domain.ProviderError{
			Provider:   providerName,
			Model:      model,
			StatusCode: code,
			Status:     out.Error.Status,
			Message:    out.Error.Message,
		}
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=openrouter.Generate model=%s: empty choices", model)
	}
	text := strings.TrimSpace(out.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("op=openrouter.Generate model=%s: empty content (finish_reason=%s)", model, out.Choices[0].FinishReason)
	}
	return text, nil
}

func providerError(model string, status int, raw []byte) *domain.ProviderError {
	perr := &domain.ProviderError{Provider: providerName, Model: model, StatusCode: status}
	var env struct {
		Error apiError `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		perr.Message = env.Error.Message
		perr.Status = env.Error.Status
		return perr
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512]
	}
	perr.Message = s
	return perr
}

// codeOf accepts both numeric and string error codes.
func codeOf(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var n int
	if json.Unmarshal(raw, &n) == nil {
		return n
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
	}
	return 0
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
