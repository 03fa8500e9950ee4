// Package builtin provides the handler variants that ship with buildtap.
package builtin

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/buildtap/internal/handler"
)

// factories maps variant names to constructors. Settings come from the
// handler's config block.
var factories = map[string]func(settings map[string]any) handler.Variant{
	"build_duration":  func(map[string]any) handler.Variant { return DurationVariant{} },
	"cacheable_tasks": func(map[string]any) handler.Variant { return CacheableVariant{} },
}

// Names returns the available builtin variant names, sorted.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New constructs a builtin variant by name.
func New(name string, settings map[string]any) (handler.Variant, error) {
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin handler %q (available: %v)", name, Names())
	}
	return factory(settings), nil
}
