package handler

import (
	"errors"
	"testing"

	"github.com/mattjoyce/buildtap/internal/export"
)

func mustRegistry(t *testing.T, variants ...Variant) *Registry {
	t.Helper()
	r, err := NewRegistry(variants...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestDispatchDeclarationOrder(t *testing.T) {
	var trace []string
	r := mustRegistry(t,
		traceVariant("second-alphabetically", []string{"TaskFinished"}, &trace),
		traceVariant("first-alphabetically", []string{"TaskFinished"}, &trace),
	)

	table := r.NewDispatchTable(export.Build{ID: "b-1"})
	table.Dispatch(event("TaskFinished"))

	// Delivery follows registration order, not name order.
	if len(trace) != 2 ||
		trace[0] != "second-alphabetically:TaskFinished" ||
		trace[1] != "first-alphabetically:TaskFinished" {
		t.Errorf("unexpected dispatch order: %v", trace)
	}
}

func TestDispatchRoutesByDeclaredType(t *testing.T) {
	var trace []string
	r := mustRegistry(t,
		traceVariant("starts", []string{"BuildStarted"}, &trace),
		traceVariant("tasks", []string{"TaskFinished"}, &trace),
	)

	table := r.NewDispatchTable(export.Build{ID: "b-1"})
	table.Dispatch(event("TaskFinished"))
	table.Dispatch(event("BuildStarted"))
	table.Dispatch(event("TaskFinished"))

	want := []string{"tasks:TaskFinished", "starts:BuildStarted", "tasks:TaskFinished"}
	if len(trace) != len(want) {
		t.Fatalf("got %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Errorf("trace[%d] = %q, want %q", i, trace[i], want[i])
		}
	}
}

func TestDispatchToleratesUndeclaredType(t *testing.T) {
	var trace []string
	r := mustRegistry(t, traceVariant("tasks", []string{"TaskFinished"}, &trace))

	table := r.NewDispatchTable(export.Build{ID: "b-1"})
	table.Dispatch(event("SomethingUnexpected"))

	if len(trace) != 0 {
		t.Errorf("undeclared event type reached a handler: %v", trace)
	}
}

func TestProcessorConstructedOncePerBuild(t *testing.T) {
	constructions := 0
	v := &fakeVariant{
		name:  "counting",
		types: []string{"A", "B"},
		newProc: func(export.Build) Processor {
			constructions++
			return &fakeProcessor{handlers: map[string]EventFunc{
				"A": func(export.BuildEvent) {},
				"B": func(export.BuildEvent) {},
			}}
		},
	}

	r := mustRegistry(t, v)
	table := r.NewDispatchTable(export.Build{ID: "b-1"})
	table.Dispatch(event("A"))
	table.Dispatch(event("B"))

	if constructions != 1 {
		t.Errorf("processor constructed %d times, want 1", constructions)
	}
}

func TestCompleteIdempotent(t *testing.T) {
	completions := 0
	v := &fakeVariant{
		name:  "summing",
		types: []string{"A"},
		newProc: func(export.Build) Processor {
			return &completingProcessor{fakeProcessor{
				handlers: map[string]EventFunc{"A": func(export.BuildEvent) {}},
				complete: func() (any, error) {
					completions++
					return 42, nil
				},
			}}
		},
	}

	r := mustRegistry(t, v)
	table := r.NewDispatchTable(export.Build{ID: "b-1"})

	first := table.Complete()
	if len(first) != 1 || first[0].Variant != "summing" || first[0].Value != 42 || first[0].Err != nil {
		t.Fatalf("unexpected completion results: %+v", first)
	}
	if second := table.Complete(); second != nil {
		t.Errorf("second Complete() returned results: %+v", second)
	}
	if completions != 1 {
		t.Errorf("completion hook ran %d times, want 1", completions)
	}
}

func TestCompleteReportsHookError(t *testing.T) {
	hookErr := errors.New("summary unavailable")
	v := &fakeVariant{
		name:  "failing",
		types: []string{"A"},
		newProc: func(export.Build) Processor {
			return &completingProcessor{fakeProcessor{
				handlers: map[string]EventFunc{"A": func(export.BuildEvent) {}},
				complete: func() (any, error) { return nil, hookErr },
			}}
		},
	}

	r := mustRegistry(t, v)
	results := r.NewDispatchTable(export.Build{ID: "b-1"}).Complete()
	if len(results) != 1 || !errors.Is(results[0].Err, hookErr) {
		t.Errorf("unexpected results: %+v", results)
	}
}

func TestCompleteSkipsNonCompleters(t *testing.T) {
	var trace []string
	r := mustRegistry(t, traceVariant("plain", []string{"A"}, &trace))

	if results := r.NewDispatchTable(export.Build{ID: "b-1"}).Complete(); len(results) != 0 {
		t.Errorf("non-completing variant produced results: %+v", results)
	}
}

func TestPanickedHandlerIsolated(t *testing.T) {
	var trace []string
	panicking := &fakeVariant{
		name:  "panicking",
		types: []string{"A"},
		newProc: func(export.Build) Processor {
			return &completingProcessor{fakeProcessor{
				handlers: map[string]EventFunc{"A": func(export.BuildEvent) { panic("boom") }},
				complete: func() (any, error) { return "never", nil },
			}}
		},
	}

	r := mustRegistry(t, panicking, traceVariant("healthy", []string{"A"}, &trace))
	table := r.NewDispatchTable(export.Build{ID: "b-1"})

	table.Dispatch(event("A"))
	table.Dispatch(event("A"))

	// The healthy variant keeps receiving events after its peer panicked.
	if len(trace) != 2 {
		t.Errorf("healthy handler saw %d events, want 2: %v", len(trace), trace)
	}
	// The panicked instance is excluded from completion too.
	if results := table.Complete(); len(results) != 0 {
		t.Errorf("panicked instance completed anyway: %+v", results)
	}
}

func TestPanickingCompletionHookRecovered(t *testing.T) {
	v := &fakeVariant{
		name:  "explosive",
		types: []string{"A"},
		newProc: func(export.Build) Processor {
			return &completingProcessor{fakeProcessor{
				handlers: map[string]EventFunc{"A": func(export.BuildEvent) {}},
				complete: func() (any, error) { panic("late boom") },
			}}
		},
	}

	r := mustRegistry(t, v)
	results := r.NewDispatchTable(export.Build{ID: "b-1"}).Complete()
	if len(results) != 1 || results[0].Err == nil {
		t.Errorf("expected error result from panicking hook, got %+v", results)
	}
}

func TestTableEventTypesMatchesFilter(t *testing.T) {
	var trace []string
	r := mustRegistry(t,
		traceVariant("one", []string{"B", "A"}, &trace),
		traceVariant("two", []string{"A", "C"}, &trace),
	)

	table := r.NewDispatchTable(export.Build{ID: "b-1"})
	got := table.EventTypes()
	want := []string{"A", "B", "C"}
	if len(got) != len(want) {
		t.Fatalf("EventTypes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("EventTypes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
