// Package config loads Loom configuration from defaults, a YAML file and
// LOOM_-prefixed environment variables, in that order.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	LLM       LLMConfig       `koanf:"llm"`
	Fallback  LLMConfig       `koanf:"fallback"`
	Planner   PlannerConfig   `koanf:"planner"`
	Sandbox   SandboxConfig   `koanf:"sandbox"`
	Paths     PathsConfig     `koanf:"paths"`
	Store     StoreConfig     `koanf:"store"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

// LLMConfig describes one chat-completions provider endpoint. The same shape
// serves the primary and the fallback provider; a fallback with an empty
// api_key is treated as not configured.
type LLMConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
	Model   string `koanf:"model"`
}

// Configured reports whether this provider entry can be used.
func (c LLMConfig) Configured() bool {
	return c.APIKey != "" || c.BaseURL != ""
}

type PlannerConfig struct {
	Model string `koanf:"model"` // low-cost model for capability planning
}

type SandboxConfig struct {
	PacingMs       int `koanf:"pacing_ms"`
	DefaultQuota   int `koanf:"default_quota"`
	HTTPTimeoutSec int `koanf:"http_timeout_sec"`
}

type PathsConfig struct {
	Skills string `koanf:"skills"` // directory of skill definitions
	Tools  string `koanf:"tools"`  // directory of tool definitions
	Files  string `koanf:"files"`  // root for produced artifacts
}

type StoreConfig struct {
	Path      string `koanf:"path"`
	Retention int    `koanf:"retention"` // max run-history rows kept
}

type TelemetryConfig struct {
	Exporter     string `koanf:"exporter"` // stdout, otlp, none
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

// envKeyPath maps an environment variable to a koanf key path. The config
// tree is exactly two levels deep, so the first underscore after the prefix
// separates the section from the field and any further underscores belong
// to the field name (LOOM_LLM_API_KEY -> llm.api_key).
func envKeyPath(s string) string {
	tail := strings.ToLower(strings.TrimPrefix(s, "LOOM_"))
	parts := strings.SplitN(tail, "_", 2)
	return strings.Join(parts, ".")
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("llm.base_url", "https://api.openai.com/v1")
	k.Set("llm.model", "gpt-4o")
	k.Set("planner.model", "gpt-4o-mini")

	k.Set("sandbox.pacing_ms", 1500)
	k.Set("sandbox.default_quota", 5)
	k.Set("sandbox.http_timeout_sec", 60)

	k.Set("paths.skills", "./skills")
	k.Set("paths.tools", "./tools")
	k.Set("paths.files", "./files")

	k.Set("store.path", "loom.db")
	k.Set("store.retention", 200)

	k.Set("telemetry.exporter", "none")

	// 1. Load from file
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// 2. Load from ENV
	if err := k.Load(env.Provider("LOOM_", ".", envKeyPath), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
