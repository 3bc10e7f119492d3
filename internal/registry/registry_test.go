package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-gateway/internal/apierr"
)

const testCatalog = `
version: 1
models:
  - id: foo
    aliases: [foo-latest]
    providers:
      - provider: openai
        model: foo-1
        capabilities: [streaming, tools]
      - provider: anthropic
        model: foo-claude
        capabilities: [streaming, tools, json_output]
      - provider: google-ai-studio
        model: foo-gemini
        capabilities: [streaming, tools, json_output, json_output_schema]
  - id: legacy
    providers:
      - provider: openai
        model: legacy-1
        capabilities: [streaming]
        deactivated_at: 2025-01-01T00:00:00Z
      - provider: anthropic
        model: legacy-2
        capabilities: [streaming]
  - id: retired
    providers:
      - provider: openai
        model: retired-1
        deactivated_at: 2024-06-01T00:00:00Z
`

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cat, err := ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	reg, err := New(cat, WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	return reg
}

func TestResolvePreservesOrder(t *testing.T) {
	reg := newTestRegistry(t)

	cands, err := reg.Resolve("foo")
	require.NoError(t, err)
	require.Len(t, cands, 3)
	assert.Equal(t, "openai", cands[0].Provider)
	assert.Equal(t, "anthropic", cands[1].Provider)
	assert.Equal(t, "google-ai-studio", cands[2].Provider)
	assert.True(t, cands[2].Capabilities.JSONOutputSchema)
	assert.False(t, cands[0].Capabilities.JSONOutput)

	alias, err := reg.Resolve("foo-latest")
	require.NoError(t, err)
	assert.Equal(t, cands, alias)
}

func TestResolveReturnsCopy(t *testing.T) {
	reg := newTestRegistry(t)

	first, err := reg.Resolve("foo")
	require.NoError(t, err)
	first[0].Provider = "mutated"

	second, err := reg.Resolve("foo")
	require.NoError(t, err)
	assert.Equal(t, "openai", second[0].Provider)
}

func TestResolveUnknownModelSuggests(t *testing.T) {
	reg := newTestRegistry(t)

	_, err := reg.Resolve("fooo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrUnknownModel))
	assert.Contains(t, err.Error(), `did you mean "foo"`)
}

func TestResolvePinnedProvider(t *testing.T) {
	reg := newTestRegistry(t)

	cands, err := reg.Resolve("anthropic/foo-claude")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "anthropic", cands[0].Provider)
	assert.Equal(t, "foo-claude", cands[0].UpstreamModel)

	_, err = reg.Resolve("anthropic/unknown")
	assert.True(t, errors.Is(err, apierr.ErrUnknownModel))
}

func TestResolveSkipsDeactivated(t *testing.T) {
	reg := newTestRegistry(t)

	cands, err := reg.Resolve("legacy")
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, "legacy-2", cands[0].UpstreamModel)

	_, err = reg.Resolve("retired")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrUnknownModel))
	assert.Contains(t, err.Error(), "deactivated")
}

func TestResolveConcurrentReads(t *testing.T) {
	reg := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cands, err := reg.Resolve("foo")
			assert.NoError(t, err)
			assert.Len(t, cands, 3)
		}()
	}
	wg.Wait()
}

func TestCatalogValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad version", "version: 2\nmodels: [{id: a, providers: [{provider: p, model: m}]}]", "version 2"},
		{"no models", "version: 1\nmodels: []", "at least one model"},
		{"empty provider list", "version: 1\nmodels: [{id: a}]", "at least one provider"},
		{"unknown capability", "version: 1\nmodels: [{id: a, providers: [{provider: p, model: m, capabilities: [telepathy]}]}]", "unknown capability"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDuplicateAliasRejected(t *testing.T) {
	cat, err := ParseCatalog([]byte(`
version: 1
models:
  - id: a
    providers: [{provider: p, model: m}]
  - id: b
    aliases: [a]
    providers: [{provider: p, model: n}]
`))
	require.NoError(t, err)
	_, err = New(cat)
	assert.ErrorContains(t, err, "already registered")
}

func TestDefaultCatalogLoads(t *testing.T) {
	cat, err := DefaultCatalog()
	require.NoError(t, err)
	reg, err := New(cat)
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Models())
}
