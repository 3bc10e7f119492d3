package factory

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"inference-gateway/internal/config"
	"inference-gateway/internal/provider"
	anthropicProvider "inference-gateway/internal/provider/anthropic"
	googleProvider "inference-gateway/internal/provider/google"
	openaiProvider "inference-gateway/internal/provider/openai"
)

const (
	defaultResponseHeaderTimeout = 60 * time.Second
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
)

// BuildProviders constructs one adapter per configured provider.
func BuildProviders(cfg config.Config, logger *zap.Logger) (*provider.Set, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := make([]provider.Provider, 0, len(cfg.Providers))
	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]
		client := newHTTPClient(pc.ResponseHeaderTimeout)
		plog := logger.With(zap.String("provider", name))

		p, err := build(name, pc, client, plog)
		if err != nil {
			return nil, fmt.Errorf("initialise %s provider: %w", name, err)
		}
		providers = append(providers, p)
	}

	set, err := provider.NewSet(providers...)
	if err != nil {
		return nil, fmt.Errorf("register providers: %w", err)
	}
	return set, nil
}

func build(name string, pc config.ProviderConfig, client *http.Client, logger *zap.Logger) (provider.Provider, error) {
	kind := pc.Type
	if kind == "" {
		kind = config.InferType(name)
	}

	switch kind {
	case config.TypeAnthropic:
		return anthropicProvider.New(name, pc, client, logger)
	case config.TypeGoogleAIStudio:
		return googleProvider.New(name, googleProvider.AIStudio, pc, client, logger)
	case config.TypeGoogleVertex:
		return googleProvider.New(name, googleProvider.Vertex, pc, client, logger)
	case config.TypeOpenAI:
		return openaiProvider.New(name, pc, client, logger)
	default:
		return nil, fmt.Errorf("unknown provider type %q", kind)
	}
}

// newHTTPClient bounds connection setup and the wait for response headers.
// Response bodies are unbounded.
func newHTTPClient(responseHeaderTimeout time.Duration) *http.Client {
	if responseHeaderTimeout <= 0 {
		responseHeaderTimeout = defaultResponseHeaderTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: responseHeaderTimeout,
	}

	return &http.Client{Transport: transport}
}
