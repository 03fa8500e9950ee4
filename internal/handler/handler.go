// Package handler defines the pluggable consumer contract for build event
// streams and the per-build dispatch table that routes events to handler
// instances.
//
// A Variant declares its capability surface up front: the event types it
// consumes and a constructor for per-build processors. There is no hidden
// registration step and no name-convention inspection; the declared surface
// is used verbatim to build the per-build feed filter.
package handler

import "github.com/mattjoyce/buildtap/internal/export"

// EventFunc handles one typed event for a build. Events arrive in feed
// order; funcs must not block.
type EventFunc func(ev export.BuildEvent)

// Variant is the capability descriptor of a pluggable handler. One Variant
// is declared once and shared across all builds.
type Variant interface {
	// Name identifies the variant in config, logs, and results.
	Name() string

	// EventTypes lists the event type names the variant consumes, in
	// declaration order. Every processor the variant produces handles
	// exactly this set.
	EventTypes() []string

	// NewProcessor constructs a fresh handler instance bound to one build.
	// Called exactly once per (build, variant); instances are never reused
	// across builds.
	NewProcessor(b export.Build) Processor
}

// Processor is one handler instance. Handlers returns its event-type to
// handling-func table, keyed by the variant's declared event types.
type Processor interface {
	Handlers() map[string]EventFunc
}

// Completer is implemented by processors that want a notification when the
// build's stream ends. Complete fires exactly once, after the last delivered
// event, and returns the variant's final result for the build.
type Completer interface {
	Complete() (any, error)
}
