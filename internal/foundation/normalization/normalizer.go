// Package normalization maps loosely written configuration values onto enums.
package normalization

import (
	"slices"
	"strings"

	ferrors "git.home.luguber.info/inful/licensetool/internal/foundation/errors"
)

// EnumNormalizer folds case and surrounding whitespace before looking a raw
// value up among the accepted spellings.
type EnumNormalizer[T comparable] struct {
	name     string
	values   map[string]T
	fallback T
	keys     []string
}

// NewEnumNormalizer accepts the keys of values as spellings. name is used in
// error messages; fallback is returned by Normalize for unknown input.
func NewEnumNormalizer[T comparable](name string, values map[string]T, fallback T) *EnumNormalizer[T] {
	n := &EnumNormalizer[T]{
		name:     name,
		values:   make(map[string]T, len(values)),
		fallback: fallback,
	}
	for k, v := range values {
		key := clean(k)
		n.values[key] = v
		n.keys = append(n.keys, key)
	}
	slices.Sort(n.keys)
	return n
}

// Normalize returns the enum for raw, or the fallback.
func (n *EnumNormalizer[T]) Normalize(raw string) T {
	if v, ok := n.values[clean(raw)]; ok {
		return v
	}
	return n.fallback
}

// NormalizeWithValidation returns the enum for raw or a validation error
// listing the accepted spellings.
func (n *EnumNormalizer[T]) NormalizeWithValidation(raw string) (T, error) {
	if v, ok := n.values[clean(raw)]; ok {
		return v, nil
	}
	var zero T
	return zero, ferrors.ValidationError("invalid "+n.name).
		WithContext("value", raw).
		WithContext("valid", strings.Join(n.keys, ", ")).
		Build()
}

// ValidValues returns the accepted spellings, sorted.
func (n *EnumNormalizer[T]) ValidValues() []string {
	return slices.Clone(n.keys)
}

func clean(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
