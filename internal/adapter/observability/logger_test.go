package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fairyhunter13/threatiq-gateway/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	lg := SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"}, "worker")
	if lg == nil {
		t.Fatalf("nil logger")
	}
	if !lg.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("dev logger should enable debug")
	}
	lg2 := SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"}, "server")
	if lg2.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("prod logger should not enable debug")
	}
}

func TestNewLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, config.Config{AppEnv: "prod", OTELServiceName: "svc", Provider: "gemini"}, "worker")
	lg.Info("hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	for k, want := range map[string]string{"service": "svc", "component": "worker", "env": "prod", "provider": "gemini", "msg": "hello"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %s", k, rec[k], want)
		}
	}
}
