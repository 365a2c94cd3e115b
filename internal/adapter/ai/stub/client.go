// Package stub provides a fast, deterministic provider for local runs without API keys.
package stub

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

// Client answers every call locally. JSON requests get a classification-shaped
// object; plain requests get the prompt echoed back.
type Client struct {
	// Latency simulates a provider round trip.
	Latency time.Duration
}

var _ domain.Provider = (*Client)(nil)

func New() *Client { return &Client{Latency: 50 * time.Millisecond} }

func (c *Client) Name() string { return "stub" }

// Generate honours ctx cancellation during the simulated latency.
func (c *Client) Generate(ctx domain.Context, model, _ string, req domain.GenerationRequest) (string, error) {
	if c.Latency > 0 {
		t := time.NewTimer(c.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.C:
		}
	}
	if req.Config.ExpectedFormat != domain.FormatJSON {
		return fmt.Sprintf("[%s] %s", model, strings.TrimSpace(req.Prompt)), nil
	}
	label := domain.LabelSafe
	if strings.Contains(strings.ToLower(req.Prompt), "verify your account") {
		label = domain.LabelPhishing
	}
	payload := domain.ClassificationRecord{
		Label:       label,
		Confidence:  0.8,
		ReasonTags:  []string{"stub"},
		Explanation: "Deterministic response from the stub provider.",
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("op=stub.Generate: %w", err)
	}
	return string(b), nil
}
