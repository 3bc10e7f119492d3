package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"inference-gateway/internal/models"
	"inference-gateway/internal/stream"
)

// ErrUnknownProvider indicates no adapter is configured for a provider id.
var ErrUnknownProvider = errors.New("unknown provider")

// Call is one upstream attempt: the unified request, the candidate serving it,
// and the extractor side channels for this attempt.
type Call struct {
	Request   models.ChatRequest
	Candidate models.Candidate
	Stream    stream.Options
}

// Provider translates a unified request for one upstream and opens its response stream.
type Provider interface {
	Name() string
	Open(ctx context.Context, call Call) (stream.Stream, error)
}

// Set maps provider ids to configured adapters. It is immutable after construction
// and safe for concurrent reads.
type Set struct {
	byName map[string]Provider
}

// NewSet builds a set, rejecting nil and duplicate providers.
func NewSet(providers ...Provider) (*Set, error) {
	s := &Set{byName: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("provider must not be nil")
		}
		if _, exists := s.byName[p.Name()]; exists {
			return nil, fmt.Errorf("provider %q already registered", p.Name())
		}
		s.byName[p.Name()] = p
	}
	return s, nil
}

// Lookup returns the adapter for name.
func (s *Set) Lookup(name string) (Provider, error) {
	if s != nil {
		if p, ok := s.byName[name]; ok {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}

// Has reports whether name is configured.
func (s *Set) Has(name string) bool {
	_, err := s.Lookup(name)
	return err == nil
}

// Names lists configured provider ids in sorted order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.byName))
	for name := range s.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
