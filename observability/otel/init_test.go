package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = secret ,broken, =nokey,tenant=rewards")
	if len(headers) != 2 {
		t.Fatalf("expected 2 headers, got %v", headers)
	}
	if headers["api-key"] != "secret" || headers["tenant"] != "rewards" {
		t.Fatalf("unexpected headers: %v", headers)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x=1")
	t.Setenv("OTEL_SDK_DISABLED", "")

	cfg := ConfigFromEnv("rewardsd", "dev")
	if cfg.Endpoint != "collector:4318" || cfg.Insecure {
		t.Fatalf("unexpected exporter config: %+v", cfg)
	}
	if !cfg.Traces || !cfg.Metrics {
		t.Fatalf("signals should be enabled by default")
	}
	if cfg.Headers["x"] != "1" {
		t.Fatalf("headers not parsed: %v", cfg.Headers)
	}

	t.Setenv("OTEL_SDK_DISABLED", "true")
	cfg = ConfigFromEnv("rewardsd", "dev")
	if cfg.Traces || cfg.Metrics {
		t.Fatalf("signals should be disabled")
	}
}

func TestInitRequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing service name")
	}
}

func TestInitWithoutSignals(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "rewardsd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
