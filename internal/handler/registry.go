package handler

import (
	"fmt"
	"sort"
)

// Registry holds the configured handler variants in declaration order.
type Registry struct {
	variants []Variant
}

// NewRegistry creates a Registry from the given variants. Variant names
// must be unique.
func NewRegistry(variants ...Variant) (*Registry, error) {
	seen := make(map[string]struct{}, len(variants))
	for _, v := range variants {
		if v.Name() == "" {
			return nil, fmt.Errorf("handler variant with empty name")
		}
		if _, dup := seen[v.Name()]; dup {
			return nil, fmt.Errorf("duplicate handler variant %q", v.Name())
		}
		seen[v.Name()] = struct{}{}
	}
	return &Registry{variants: variants}, nil
}

// Variants returns the registered variants in declaration order.
func (r *Registry) Variants() []Variant {
	return r.variants
}

// Len returns the number of registered variants.
func (r *Registry) Len() int {
	return len(r.variants)
}

// EventTypeFilter returns the union of all declared event types, sorted and
// de-duplicated. This exact set is sent as the per-build feed filter: no
// type is requested that no variant wants, no wanted type is omitted.
func (r *Registry) EventTypeFilter() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, v := range r.variants {
		for _, t := range v.EventTypes() {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}
