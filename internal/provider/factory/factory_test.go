package factory

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-gateway/internal/config"
	"inference-gateway/internal/provider"
)

func TestBuildProviders(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{
		"openai":           {Type: config.TypeOpenAI, APIKey: "k"},
		"openrouter":       {APIKey: "k", BaseURL: "https://openrouter.ai/api/v1"},
		"anthropic":        {Type: config.TypeAnthropic, APIKey: "k"},
		"google-ai-studio": {Type: config.TypeGoogleAIStudio, APIKey: "k"},
		"google-vertex":    {Type: config.TypeGoogleVertex, APIKey: "k", Project: "p", Location: "us-central1"},
	}}

	set, err := BuildProviders(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic", "google-ai-studio", "google-vertex", "openai", "openrouter"}, set.Names())

	p, err := set.Lookup("openrouter")
	require.NoError(t, err)
	assert.Equal(t, "openrouter", p.Name())

	_, err = set.Lookup("mistral")
	assert.True(t, errors.Is(err, provider.ErrUnknownProvider))
}

func TestBuildProvidersRejectsUnknownType(t *testing.T) {
	cfg := config.Config{Providers: map[string]config.ProviderConfig{"x": {Type: "soap", APIKey: "k"}}}
	_, err := BuildProviders(cfg, nil)
	assert.Error(t, err)
}

func TestNewHTTPClientDoesNotLimitBodies(t *testing.T) {
	client := newHTTPClient(0)
	assert.Zero(t, client.Timeout)

	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Equal(t, defaultResponseHeaderTimeout, transport.ResponseHeaderTimeout)

	transport = newHTTPClient(5 * time.Second).Transport.(*http.Transport)
	assert.Equal(t, 5*time.Second, transport.ResponseHeaderTimeout)
}
