// Package registry resolves logical model ids to ordered provider candidates.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hbollon/go-edlib"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
)

const suggestionThreshold = 0.6

// Registry is an immutable snapshot of the model catalog. It is safe for concurrent use.
type Registry struct {
	models     map[string][]models.Candidate
	byUpstream map[string]models.Candidate
	providers  map[string]struct{}
	ids        []string
	now        func() time.Time
}

// Option customises registry construction.
type Option func(*Registry)

// WithClock overrides the clock used for deactivation checks.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a registry from a validated catalog.
func New(cat Catalog, opts ...Option) (*Registry, error) {
	if err := cat.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		models:     make(map[string][]models.Candidate),
		byUpstream: make(map[string]models.Candidate),
		providers:  make(map[string]struct{}),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, m := range cat.Models {
		candidates := make([]models.Candidate, 0, len(m.Providers))
		for _, p := range m.Providers {
			caps, err := parseCapabilities(p.Capabilities)
			if err != nil {
				return nil, fmt.Errorf("model %s provider %s: %w", m.ID, p.Provider, err)
			}
			cand := models.Candidate{
				Provider:      p.Provider,
				UpstreamModel: p.Model,
				Capabilities:  caps,
				DeactivatedAt: p.DeactivatedAt,
			}
			candidates = append(candidates, cand)
			r.providers[p.Provider] = struct{}{}

			key := p.Provider + "/" + p.Model
			if _, exists := r.byUpstream[key]; !exists {
				r.byUpstream[key] = cand
			}
		}

		if err := r.add(m.ID, candidates); err != nil {
			return nil, err
		}
		for _, alias := range m.Aliases {
			if err := r.add(alias, candidates); err != nil {
				return nil, fmt.Errorf("alias %q: %w", alias, err)
			}
		}
	}

	sort.Strings(r.ids)
	return r, nil
}

func (r *Registry) add(id string, candidates []models.Candidate) error {
	if _, exists := r.models[id]; exists {
		return fmt.Errorf("model %q already registered", id)
	}
	r.models[id] = candidates
	r.ids = append(r.ids, id)
	return nil
}

// Resolve returns the ordered, active candidates for modelID.
// Ids of the form provider/model pin a single upstream mapping.
func (r *Registry) Resolve(modelID string) ([]models.Candidate, error) {
	modelID = strings.TrimSpace(modelID)

	candidates, ok := r.models[modelID]
	if !ok {
		cand, pinned := r.lookupPinned(modelID)
		if !pinned {
			return nil, r.unknown(modelID)
		}
		candidates = []models.Candidate{cand}
	}

	now := r.now()
	active := make([]models.Candidate, 0, len(candidates))
	for _, cand := range candidates {
		if cand.DeactivatedAt != nil && !now.Before(*cand.DeactivatedAt) {
			continue
		}
		active = append(active, cand)
	}
	if len(active) == 0 {
		return nil, apierr.New(apierr.CodeUnknownModel, "model %q has been deactivated", modelID)
	}
	return active, nil
}

func (r *Registry) lookupPinned(modelID string) (models.Candidate, bool) {
	providerID, upstream, ok := strings.Cut(modelID, "/")
	if !ok || upstream == "" {
		return models.Candidate{}, false
	}
	if _, known := r.providers[providerID]; !known {
		return models.Candidate{}, false
	}
	cand, ok := r.byUpstream[providerID+"/"+upstream]
	return cand, ok
}

func (r *Registry) unknown(modelID string) error {
	err := apierr.New(apierr.CodeUnknownModel, "unknown model %q", modelID)
	if modelID == "" {
		return err
	}
	if suggestion, serr := edlib.FuzzySearchThreshold(modelID, r.ids, suggestionThreshold, edlib.Levenshtein); serr == nil && suggestion != "" {
		err.Message += fmt.Sprintf(", did you mean %q?", suggestion)
	}
	return err
}

// Models lists logical model ids with their provider order.
func (r *Registry) Models() []models.Model {
	out := make([]models.Model, 0, len(r.ids))
	for _, id := range r.ids {
		cands := r.models[id]
		providers := make([]string, 0, len(cands))
		for _, c := range cands {
			providers = append(providers, c.Provider)
		}
		out = append(out, models.Model{ID: id, Providers: providers})
	}
	return out
}
