package registry

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"inference-gateway/internal/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

const catalogVersion = 1

// Catalog is the versioned model table the registry is built from.
type Catalog struct {
	Version int            `yaml:"version"`
	Models  []CatalogModel `yaml:"models"`
}

// CatalogModel maps one logical model id to its ordered candidates.
type CatalogModel struct {
	ID        string             `yaml:"id"`
	Aliases   []string           `yaml:"aliases"`
	Providers []CatalogCandidate `yaml:"providers"`
}

// CatalogCandidate is a single provider mapping; order in the list is fallback order.
type CatalogCandidate struct {
	Provider      string     `yaml:"provider"`
	Model         string     `yaml:"model"`
	Capabilities  []string   `yaml:"capabilities"`
	DeactivatedAt *time.Time `yaml:"deactivated_at"`
}

// DefaultCatalog returns the catalog bundled with the binary.
func DefaultCatalog() (Catalog, error) {
	return ParseCatalog(defaultCatalog)
}

// LoadCatalog reads a catalog file from disk.
func LoadCatalog(path string) (Catalog, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("resolve catalog path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog file %q: %w", absPath, err)
	}

	cat, err := ParseCatalog(data)
	if err != nil {
		return Catalog{}, fmt.Errorf("catalog %q: %w", absPath, err)
	}
	return cat, nil
}

// ParseCatalog decodes and validates catalog YAML.
func ParseCatalog(data []byte) (Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return Catalog{}, err
	}
	return cat, nil
}

// Validate checks the catalog for structural errors.
func (c Catalog) Validate() error {
	if c.Version != catalogVersion {
		return fmt.Errorf("catalog version %d is not supported (want %d)", c.Version, catalogVersion)
	}
	if len(c.Models) == 0 {
		return fmt.Errorf("catalog must define at least one model")
	}

	for i, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return fmt.Errorf("catalog model[%d]: id must not be empty", i)
		}
		if len(m.Providers) == 0 {
			return fmt.Errorf("catalog model %s: at least one provider must be listed", m.ID)
		}
		for j, p := range m.Providers {
			if strings.TrimSpace(p.Provider) == "" {
				return fmt.Errorf("catalog model %s provider[%d]: provider must not be empty", m.ID, j)
			}
			if strings.TrimSpace(p.Model) == "" {
				return fmt.Errorf("catalog model %s provider %s: model must not be empty", m.ID, p.Provider)
			}
			if _, err := parseCapabilities(p.Capabilities); err != nil {
				return fmt.Errorf("catalog model %s provider %s: %w", m.ID, p.Provider, err)
			}
		}
	}
	return nil
}

func parseCapabilities(names []string) (models.Capabilities, error) {
	var caps models.Capabilities
	for _, name := range names {
		switch strings.TrimSpace(name) {
		case "streaming":
			caps.Streaming = true
		case "vision":
			caps.Vision = true
		case "tools":
			caps.Tools = true
		case "json_output":
			caps.JSONOutput = true
		case "json_output_schema":
			caps.JSONOutputSchema = true
		case "reasoning":
			caps.Reasoning = true
		default:
			return models.Capabilities{}, fmt.Errorf("unknown capability %q", name)
		}
	}
	return caps, nil
}
