package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Provider adapter types.
const (
	TypeOpenAI         = "openai"
	TypeAnthropic      = "anthropic"
	TypeGoogleAIStudio = "google-ai-studio"
	TypeGoogleVertex   = "google-vertex"
)

const envPrefix = "GATEWAY"

// Config represents the application configuration.
type Config struct {
	Server       ServerConfig              `mapstructure:"server"`
	Log          LogConfig                 `mapstructure:"log"`
	Catalog      CatalogConfig             `mapstructure:"catalog"`
	Providers    map[string]ProviderConfig `mapstructure:"providers"`
	Fallback     FallbackConfig            `mapstructure:"fallback"`
	Continuation ContinuationConfig        `mapstructure:"continuation"`
	Usage        UsageConfig               `mapstructure:"usage"`
	Metrics      MetricsConfig             `mapstructure:"metrics"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	BodyLimit         string        `mapstructure:"body_limit"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig selects the zap level and encoding.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CatalogConfig points at an optional model catalog overriding the embedded one.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// ProviderConfig captures authentication and routing info for a provider.
// The map key in Config.Providers is the provider id used by the catalog.
type ProviderConfig struct {
	Type     string  `mapstructure:"type"`
	APIKey   string  `mapstructure:"api_key"`
	BaseURL  string  `mapstructure:"base_url"`
	Headers  Headers `mapstructure:"headers"`
	Project  string  `mapstructure:"project"`
	Location string  `mapstructure:"location"`
	// ResponseHeaderTimeout bounds the wait for upstream headers. Stream bodies are not time limited.
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// Headers contains additional HTTP headers to send with a provider request.
type Headers map[string]string

// FallbackConfig tunes retries within one candidate before moving on.
type FallbackConfig struct {
	AttemptsPerCandidate int           `mapstructure:"attempts_per_candidate"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffMax           time.Duration `mapstructure:"backoff_max"`
	Jitter               float64       `mapstructure:"jitter"`
}

// ContinuationConfig sizes the continuation token cache.
type ContinuationConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int64         `mapstructure:"max_entries"`
}

// UsageConfig selects usage sinks.
type UsageConfig struct {
	Log     bool          `mapstructure:"log"`
	PostHog PostHogConfig `mapstructure:"posthog"`
}

// PostHogConfig enables the PostHog usage sink when APIKey is set.
type PostHogConfig struct {
	APIKey   string `mapstructure:"api_key"`
	Endpoint string `mapstructure:"endpoint"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit", "10M")
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("catalog.path", "")
	v.SetDefault("fallback.attempts_per_candidate", 1)
	v.SetDefault("fallback.backoff_base", 200*time.Millisecond)
	v.SetDefault("fallback.backoff_max", 3*time.Second)
	v.SetDefault("fallback.jitter", 0.2)
	v.SetDefault("continuation.ttl", 24*time.Hour)
	v.SetDefault("continuation.max_entries", 100_000)
	v.SetDefault("usage.log", true)
	v.SetDefault("usage.posthog.api_key", "")
	v.SetDefault("usage.posthog.endpoint", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads YAML configuration from path, applies GATEWAY_* environment
// overrides and defaults, and validates the result. An empty path loads
// defaults and environment only.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return Config{}, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.expandEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references in secrets and endpoints.
func (c *Config) expandEnv() {
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		p.Project = os.ExpandEnv(p.Project)
		p.Location = os.ExpandEnv(p.Location)
		for k, val := range p.Headers {
			p.Headers[k] = os.ExpandEnv(val)
		}
		if p.Type == "" {
			p.Type = InferType(name)
		}
		c.Providers[name] = p
	}
	c.Usage.PostHog.APIKey = os.ExpandEnv(c.Usage.PostHog.APIKey)
	c.Usage.PostHog.Endpoint = os.ExpandEnv(c.Usage.PostHog.Endpoint)
}

// InferType derives an adapter type from a provider id when none is configured.
// Unknown ids are assumed to speak the OpenAI-compatible API.
func InferType(providerID string) string {
	switch providerID {
	case "anthropic", "claude":
		return TypeAnthropic
	case "google-ai-studio", "google", "gemini":
		return TypeGoogleAIStudio
	case "google-vertex", "vertex":
		return TypeGoogleVertex
	default:
		return TypeOpenAI
	}
}

// ProviderNames returns configured provider ids in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level %q is not a valid level", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("log.format %q must be %q or %q", c.Log.Format, "json", "console")
	}

	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	for _, name := range c.ProviderNames() {
		if err := validateProvider(name, c.Providers[name]); err != nil {
			return err
		}
	}

	if c.Fallback.AttemptsPerCandidate < 1 {
		return fmt.Errorf("fallback.attempts_per_candidate must be at least 1, got %d", c.Fallback.AttemptsPerCandidate)
	}
	if c.Fallback.BackoffBase < 0 || c.Fallback.BackoffMax < 0 {
		return errors.New("fallback backoff durations must not be negative")
	}
	if c.Fallback.Jitter < 0 || c.Fallback.Jitter > 1 {
		return fmt.Errorf("fallback.jitter must be within [0, 1], got %v", c.Fallback.Jitter)
	}

	if c.Continuation.TTL <= 0 {
		return fmt.Errorf("continuation.ttl must be positive, got %s", c.Continuation.TTL)
	}
	if c.Continuation.MaxEntries <= 0 {
		return fmt.Errorf("continuation.max_entries must be positive, got %d", c.Continuation.MaxEntries)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path)
	}
	return nil
}

func validateProvider(name string, provider ProviderConfig) error {
	switch provider.Type {
	case TypeOpenAI, TypeAnthropic, TypeGoogleAIStudio, TypeGoogleVertex:
	default:
		return fmt.Errorf("provider %s: type %q must be one of %s", name, provider.Type,
			strings.Join([]string{TypeOpenAI, TypeAnthropic, TypeGoogleAIStudio, TypeGoogleVertex}, ", "))
	}

	if strings.TrimSpace(provider.APIKey) == "" {
		return fmt.Errorf("provider %s: api_key must be provided", name)
	}
	if provider.Type == TypeGoogleVertex {
		if strings.TrimSpace(provider.Project) == "" {
			return fmt.Errorf("provider %s: project must be provided for %s", name, TypeGoogleVertex)
		}
		if strings.TrimSpace(provider.Location) == "" {
			return fmt.Errorf("provider %s: location must be provided for %s", name, TypeGoogleVertex)
		}
	}
	if provider.ResponseHeaderTimeout < 0 {
		return fmt.Errorf("provider %s: response_header_timeout must not be negative", name)
	}

	for headerKey := range provider.Headers {
		if !isCanonicalHTTPHeader(headerKey) {
			return fmt.Errorf("provider %s: header %q is not a valid canonical HTTP header", name, headerKey)
		}
	}
	return nil
}

func isCanonicalHTTPHeader(header string) bool {
	if header == "" {
		return false
	}

	for _, r := range header {
		if !(r == '-' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z')) {
			return false
		}
	}
	return true
}
