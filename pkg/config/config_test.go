package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Sandbox.PacingMs != 1500 {
		t.Errorf("default pacing: got %d", cfg.Sandbox.PacingMs)
	}
	if cfg.Store.Retention != 200 {
		t.Errorf("default retention: got %d", cfg.Store.Retention)
	}
	if cfg.Fallback.Configured() {
		t.Error("fallback should not be configured by default")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "loom.yaml")
	content := `
log:
  level: debug
  format: json
llm:
  model: gpt-4o
fallback:
  base_url: https://fallback.example.com/v1
  api_key: sk-test
  model: claude-sonnet
sandbox:
  pacing_ms: 100
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("file override missed: %s", cfg.Log.Level)
	}
	if !cfg.Fallback.Configured() {
		t.Error("fallback with api_key should be configured")
	}
	if cfg.Sandbox.PacingMs != 100 {
		t.Errorf("pacing override missed: %d", cfg.Sandbox.PacingMs)
	}
	// Untouched keys keep defaults.
	if cfg.Sandbox.DefaultQuota != 5 {
		t.Errorf("default quota lost on file load: %d", cfg.Sandbox.DefaultQuota)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOOM_LLM_API_KEY", "sk-from-env")
	t.Setenv("LOOM_LLM_BASE_URL", "https://env.example.com/v1")
	t.Setenv("LOOM_SANDBOX_DEFAULT_QUOTA", "9")
	t.Setenv("LOOM_TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load with env: %v", err)
	}
	if cfg.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key env override missed: %q", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "https://env.example.com/v1" {
		t.Errorf("base_url env override missed: %q", cfg.LLM.BaseURL)
	}
	if cfg.Sandbox.DefaultQuota != 9 {
		t.Errorf("default_quota env override missed: %d", cfg.Sandbox.DefaultQuota)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4317" {
		t.Errorf("otlp_endpoint env override missed: %q", cfg.Telemetry.OTLPEndpoint)
	}
	if !cfg.LLM.Configured() {
		t.Error("provider should be configured from env alone")
	}
}

func TestEnvKeyPath(t *testing.T) {
	tests := map[string]string{
		"LOOM_LLM_API_KEY":              "llm.api_key",
		"LOOM_LLM_MODEL":                "llm.model",
		"LOOM_SANDBOX_PACING_MS":        "sandbox.pacing_ms",
		"LOOM_SANDBOX_HTTP_TIMEOUT_SEC": "sandbox.http_timeout_sec",
		"LOOM_LOG_LEVEL":                "log.level",
	}
	for in, want := range tests {
		if got := envKeyPath(in); got != want {
			t.Errorf("envKeyPath(%s) = %s, want %s", in, got, want)
		}
	}
}
