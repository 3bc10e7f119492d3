package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndExpandsEnv(t *testing.T) {
	t.Setenv("OPENAI_KEY", "sk-test")
	t.Setenv("VERTEX_TOKEN", "ya29.token")

	path := writeConfig(t, `
server:
  port: 9090
providers:
  openai:
    api_key: ${OPENAI_KEY}
    headers:
      OpenAI-Organization: org-1
  anthropic:
    api_key: literal-key
  google-vertex:
    api_key: ${VERTEX_TOKEN}
    project: demo
    location: us-central1
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 24*time.Hour, cfg.Continuation.TTL)
	assert.Equal(t, 1, cfg.Fallback.AttemptsPerCandidate)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)

	assert.Equal(t, "sk-test", cfg.Providers["openai"].APIKey)
	assert.Equal(t, TypeOpenAI, cfg.Providers["openai"].Type)
	assert.Equal(t, TypeAnthropic, cfg.Providers["anthropic"].Type)
	assert.Equal(t, TypeGoogleVertex, cfg.Providers["google-vertex"].Type)
	assert.Equal(t, "ya29.token", cfg.Providers["google-vertex"].APIKey)
	assert.Equal(t, []string{"anthropic", "google-vertex", "openai"}, cfg.ProviderNames())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GATEWAY_SERVER_PORT", "7070")
	path := writeConfig(t, `
providers:
  openrouter:
    api_key: k
    base_url: https://openrouter.ai/api/v1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, TypeOpenAI, cfg.Providers["openrouter"].Type)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func validConfig() Config {
	return Config{
		Server:       ServerConfig{Port: 8080},
		Log:          LogConfig{Level: "info", Format: "json"},
		Providers:    map[string]ProviderConfig{"openai": {Type: TypeOpenAI, APIKey: "k"}},
		Fallback:     FallbackConfig{AttemptsPerCandidate: 1},
		Continuation: ContinuationConfig{TTL: time.Hour, MaxEntries: 10},
		Metrics:      MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }},
		{"no providers", func(c *Config) { c.Providers = nil }},
		{"unknown type", func(c *Config) { c.Providers["x"] = ProviderConfig{Type: "soap", APIKey: "k"} }},
		{"missing key", func(c *Config) { c.Providers["openai"] = ProviderConfig{Type: TypeOpenAI} }},
		{"vertex without project", func(c *Config) {
			c.Providers["google-vertex"] = ProviderConfig{Type: TypeGoogleVertex, APIKey: "k", Location: "us"}
		}},
		{"bad header", func(c *Config) {
			c.Providers["openai"] = ProviderConfig{Type: TypeOpenAI, APIKey: "k", Headers: Headers{"X Bad": "v"}}
		}},
		{"zero attempts", func(c *Config) { c.Fallback.AttemptsPerCandidate = 0 }},
		{"jitter too large", func(c *Config) { c.Fallback.Jitter = 2 }},
		{"zero ttl", func(c *Config) { c.Continuation.TTL = 0 }},
		{"metrics path", func(c *Config) { c.Metrics.Path = "metrics" }},
	}

	require.NoError(t, validConfig().Validate())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestInferType(t *testing.T) {
	assert.Equal(t, TypeAnthropic, InferType("anthropic"))
	assert.Equal(t, TypeGoogleAIStudio, InferType("google-ai-studio"))
	assert.Equal(t, TypeGoogleVertex, InferType("google-vertex"))
	assert.Equal(t, TypeOpenAI, InferType("together"))
}
