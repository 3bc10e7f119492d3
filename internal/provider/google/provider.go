// Package google adapts unified requests to the Gemini generateContent API,
// served either by Google AI Studio or by Vertex AI.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"inference-gateway/internal/config"
	"inference-gateway/internal/provider"
	"inference-gateway/internal/stream"
)

const defaultStudioBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Variant selects how the Gemini API is addressed and authenticated.
type Variant int

const (
	// AIStudio uses an API key header against generativelanguage.googleapis.com.
	AIStudio Variant = iota
	// Vertex uses a bearer token against a project and location scoped endpoint.
	Vertex
)

// Provider implements the Provider interface for Gemini models.
type Provider struct {
	name      string
	variant   Variant
	apiKey    string
	modelsURL string
	transport *provider.Transport
}

// New constructs a Gemini provider for the given variant.
func New(name string, variant Variant, cfg config.ProviderConfig, client *http.Client, logger *zap.Logger) (*Provider, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	var modelsURL string
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	switch variant {
	case AIStudio:
		if baseURL == "" {
			baseURL = defaultStudioBaseURL
		}
		modelsURL = baseURL + "/models/"
	case Vertex:
		if cfg.Project == "" || cfg.Location == "" {
			return nil, errors.New("vertex provider requires project and location")
		}
		if baseURL == "" {
			baseURL = vertexBaseURL(cfg.Location)
		}
		modelsURL = fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/",
			baseURL, url.PathEscape(cfg.Project), url.PathEscape(cfg.Location))
	default:
		return nil, fmt.Errorf("unknown google variant %d", variant)
	}

	return &Provider{
		name:      name,
		variant:   variant,
		apiKey:    cfg.APIKey,
		modelsURL: modelsURL,
		transport: &provider.Transport{
			Name:    name,
			Client:  client,
			Headers: cfg.Headers,
			Logger:  logger,
		},
	}, nil
}

func vertexBaseURL(location string) string {
	if location == "global" {
		return "https://aiplatform.googleapis.com/v1"
	}
	return fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", location)
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Open(ctx context.Context, call provider.Call) (stream.Stream, error) {
	payload, err := Translate(call.Request, call.Candidate)
	if err != nil {
		return nil, err
	}

	streaming := provider.Streaming(call)
	header := http.Header{}
	if p.variant == Vertex {
		header.Set("Authorization", "Bearer "+p.apiKey)
	} else {
		header.Set("x-goog-api-key", p.apiKey)
	}

	return p.transport.Do(ctx, provider.Request{
		URL:       p.endpoint(call.Candidate.UpstreamModel, streaming),
		Header:    header,
		Payload:   payload,
		Streaming: streaming,
		Grammar:   stream.GrammarGoogle,
		Options:   call.Stream,
	})
}

func (p *Provider) endpoint(model string, streaming bool) string {
	model = url.PathEscape(strings.TrimPrefix(model, "models/"))
	if streaming {
		return p.modelsURL + model + ":streamGenerateContent?alt=sse"
	}
	return p.modelsURL + model + ":generateContent"
}
