// Package tokencount estimates prompt and completion token usage for metrics.
//
// Hosted Gemini models do not ship a public tokenizer, so counts use the
// cl100k_base encoding from tiktoken-go as an approximation. When the encoding
// cannot be loaded the counter degrades to a four-characters-per-token estimate.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const (
	defaultEncoding = "cl100k_base"
	charsPerToken   = 4
)

// Usage is the estimated token usage of one model call.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Model            string `json:"model"`
	Estimated        bool   `json:"estimated"`
}

// Counter caches encodings per model family and is safe for concurrent use.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
	failed    map[string]bool
	load      func(name string) (*tiktoken.Tiktoken, error)
}

// NewCounter creates a counter backed by tiktoken.
func NewCounter() *Counter {
	return &Counter{
		encodings: make(map[string]*tiktoken.Tiktoken),
		failed:    make(map[string]bool),
		load:      tiktoken.GetEncoding,
	}
}

// UseOfflineEncodings loads BPE ranks from the files embedded in
// tiktoken-go-loader instead of downloading them. Process-wide.
func UseOfflineEncodings() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// encodingName maps a model ID to a tiktoken encoding.
func encodingName(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	m = strings.TrimSuffix(m, ":free")
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "o1"):
		return "o200k_base"
	default:
		return defaultEncoding
	}
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	name := encodingName(model)

	c.mu.RLock()
	enc, ok := c.encodings[name]
	bad := c.failed[name]
	c.mu.RUnlock()
	if ok || bad {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[name]; ok {
		return enc
	}
	if c.failed[name] {
		return nil
	}
	enc, err := c.load(name)
	if err != nil {
		// Remember the failure so every call does not retry the download.
		slog.Warn("token encoding unavailable, using character estimate",
			slog.String("encoding", name),
			slog.Any("error", err))
		c.failed[name] = true
		return nil
	}
	c.encodings[name] = enc
	return enc
}

// Count returns the token count of text and whether it is an estimate.
func (c *Counter) Count(text, model string) (int, bool) {
	if text == "" {
		return 0, false
	}
	enc := c.encoding(model)
	if enc == nil {
		return estimate(text), true
	}
	return len(enc.Encode(text, nil, nil)), false
}

// Usage estimates usage for a call made with system instruction, prompt and completion.
func (c *Counter) Usage(systemInstruction, prompt, completion, model string) Usage {
	sys, e1 := c.Count(systemInstruction, model)
	usr, e2 := c.Count(prompt, model)
	out, e3 := c.Count(completion, model)
	return Usage{
		PromptTokens:     sys + usr,
		CompletionTokens: out,
		TotalTokens:      sys + usr + out,
		Model:            model,
		Estimated:        e1 || e2 || e3,
	}
}

func estimate(text string) int {
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}
