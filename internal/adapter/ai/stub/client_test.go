package stub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/threatiq-gateway/internal/domain"
)

func TestGenerate_JSONAndText(t *testing.T) {
	c := &Client{}
	out, err := c.Generate(context.Background(), "m", "k", domain.GenerationRequest{
		Prompt: "Please verify your account now",
		Config: domain.GenerationConfig{ExpectedFormat: domain.FormatJSON},
	})
	require.NoError(t, err)
	assert.Contains(t, out, `"label":"phishing"`)

	out, err = c.Generate(context.Background(), "m", "k", domain.GenerationRequest{Prompt: " hi "})
	require.NoError(t, err)
	assert.Equal(t, "[m] hi", out)
	assert.Equal(t, "stub", c.Name())
}

func TestGenerate_Cancelled(t *testing.T) {
	c := &Client{Latency: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Generate(ctx, "m", "k", domain.GenerationRequest{Prompt: "p"})
	assert.ErrorIs(t, err, context.Canceled)
}
