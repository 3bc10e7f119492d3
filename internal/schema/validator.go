// Package schema compiles and applies JSON schemas supplied in requests.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/xeipuuv/gojsonschema"
)

const defaultCacheSize = 512

// Validator compiles JSON schemas and keeps a bounded cache of compiled forms.
type Validator struct {
	cache *lru.Cache[string, *gojsonschema.Schema]
}

// NewValidator creates a validator caching up to size compiled schemas.
func NewValidator(size int) (*Validator, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, *gojsonschema.Schema](size)
	if err != nil {
		return nil, fmt.Errorf("create schema cache: %w", err)
	}
	return &Validator{cache: cache}, nil
}

// Default is the process-wide validator used by request decoding.
var Default = mustValidator()

func mustValidator() *Validator {
	v, err := NewValidator(defaultCacheSize)
	if err != nil {
		panic(err)
	}
	return v
}

// Compile checks that raw is a usable JSON schema.
func (v *Validator) Compile(raw []byte) error {
	_, err := v.compiled(raw)
	return err
}

// Validate checks document against the schema in raw.
func (v *Validator) Validate(raw []byte, document string) error {
	compiled, err := v.compiled(raw)
	if err != nil {
		return fmt.Errorf("invalid schema definition: %w", err)
	}

	result, err := compiled.Validate(gojsonschema.NewStringLoader(document))
	if err != nil {
		return fmt.Errorf("validate document: %w", err)
	}
	if result.Valid() {
		return nil
	}

	errs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		errs = append(errs, desc.String())
	}
	return fmt.Errorf("schema validation failed: %s", summarize(errs))
}

func (v *Validator) compiled(raw []byte) (*gojsonschema.Schema, error) {
	sum := sha256.Sum256(raw)
	key := hex.EncodeToString(sum[:])

	if s, ok := v.cache.Get(key); ok {
		return s, nil
	}

	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	v.cache.Add(key, s)
	return s, nil
}

func summarize(errs []string) string {
	if len(errs) <= 3 {
		return strings.Join(errs, "; ")
	}
	return strings.Join(errs[:3], "; ") + fmt.Sprintf(" (and %d more)", len(errs)-3)
}
