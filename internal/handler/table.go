package handler

import (
	"fmt"
	"log/slog"

	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/log"
)

// instance is one processor bound to a build, plus its dispatch bookkeeping.
type instance struct {
	variant  string
	proc     Processor
	handlers map[string]EventFunc
	failed   bool
}

// CompletionResult is one variant's final output for a build.
type CompletionResult struct {
	Variant string
	Value   any
	Err     error
}

// DispatchTable routes one build's events to its handler instances. Built
// once per admitted build, discarded when the build's stream ends. Not safe
// for concurrent use; a build's events are delivered sequentially.
type DispatchTable struct {
	build      export.Build
	byType     map[string][]*instance
	completers []*instance
	types      []string
	logger     *slog.Logger
	done       bool
}

// NewDispatchTable constructs one handler instance per registered variant,
// bound to build, and indexes them by declared event type in variant
// declaration order.
func (r *Registry) NewDispatchTable(build export.Build) *DispatchTable {
	t := &DispatchTable{
		build:  build,
		byType: make(map[string][]*instance),
		types:  r.EventTypeFilter(),
		logger: log.WithBuild(build.ID).With("component", "dispatch_table"),
	}

	for _, v := range r.variants {
		proc := v.NewProcessor(build)
		inst := &instance{
			variant:  v.Name(),
			proc:     proc,
			handlers: proc.Handlers(),
		}

		for _, typ := range v.EventTypes() {
			fn, ok := inst.handlers[typ]
			if !ok || fn == nil {
				t.logger.Warn("variant declares event type without a handler func",
					"handler", v.Name(), "event_type", typ)
				continue
			}
			t.byType[typ] = append(t.byType[typ], inst)
		}
		if _, ok := inst.proc.(Completer); ok {
			t.completers = append(t.completers, inst)
		}
	}
	return t
}

// EventTypes returns the feed filter for this table: the sorted union of
// all declared event types.
func (t *DispatchTable) EventTypes() []string {
	return t.types
}

// Dispatch routes one event to every subscribed instance in declaration
// order. Events whose type no variant declared are ignored; the feed filter
// should prevent them, but the table tolerates them. A panicking handler is
// logged and excluded from the rest of the build, other handlers are
// unaffected.
func (t *DispatchTable) Dispatch(ev export.BuildEvent) {
	typ := ev.Type.EventType
	for _, inst := range t.byType[typ] {
		if inst.failed {
			continue
		}
		if err := t.invoke(inst, typ, ev); err != nil {
			inst.failed = true
			t.logger.Error("handler panicked, disabling for this build",
				"handler", inst.variant, "event_type", typ, "error", err)
		}
	}
}

// Complete invokes every completion-declaring instance's hook, in variant
// declaration order, and returns their results. Idempotent: only the first
// call runs hooks, later calls return nil.
func (t *DispatchTable) Complete() []CompletionResult {
	if t.done {
		return nil
	}
	t.done = true

	var results []CompletionResult
	for _, inst := range t.completers {
		if inst.failed {
			continue
		}
		value, err := t.complete(inst)
		results = append(results, CompletionResult{
			Variant: inst.variant,
			Value:   value,
			Err:     err,
		})
	}
	return results
}

func (t *DispatchTable) invoke(inst *instance, typ string, ev export.BuildEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked on %s: %v", inst.variant, typ, r)
		}
	}()
	inst.handlers[typ](ev)
	return nil
}

func (t *DispatchTable) complete(inst *instance) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked on completion: %v", inst.variant, r)
		}
	}()
	return inst.proc.(Completer).Complete()
}
