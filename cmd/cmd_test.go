package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"inference-gateway/internal/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true

	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "inference-gateway dev\n", out)
}

func TestModelsCommandListsCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
models:
  - id: smart
    providers:
      - provider: openai
        model: gpt-4o
        capabilities: [streaming, tools]
      - provider: anthropic
        model: claude-sonnet-4-5
        capabilities: [streaming, tools]
`), 0o600))

	out, err := run(t, "models", "--catalog", path)
	require.NoError(t, err)
	assert.Equal(t, "smart\topenai -> anthropic\n", out)
}

func TestServeRejectsBadPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  openai:\n    api_key: k\n"), 0o600))

	_, err := run(t, "serve", "--config", path, "--port", "70000")
	assert.ErrorContains(t, err, "valid TCP port")
}

func TestBuildWiresEmbeddedCatalog(t *testing.T) {
	cfg := config.Config{
		Server:       config.ServerConfig{Port: 8080},
		Providers:    map[string]config.ProviderConfig{"openai": {Type: config.TypeOpenAI, APIKey: "k"}},
		Fallback:     config.FallbackConfig{AttemptsPerCandidate: 1},
		Continuation: config.ContinuationConfig{TTL: time.Hour, MaxEntries: 10},
		Metrics:      config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}

	app, err := build(cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.close()
	assert.NotNil(t, app.server)
}
