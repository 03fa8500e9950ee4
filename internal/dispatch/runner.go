// Package dispatch runs one admitted build's event stream to completion:
// it builds the dispatch table, opens the filtered per-build feed, routes
// each event to its handler instances, and fires completion hooks exactly
// once when the stream reaches a terminal state.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mattjoyce/buildtap/internal/events"
	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/handler"
	"github.com/mattjoyce/buildtap/internal/log"
	"github.com/mattjoyce/buildtap/internal/results"
)

// Runner processes builds handed to it by the scheduler. One Runner serves
// all builds; each Run call is independent and events within a single call
// are delivered sequentially.
type Runner struct {
	client   *export.Client
	registry *handler.Registry
	store    *results.Store // nil disables result recording
	hub      *events.Hub    // nil disables activity events
	logger   *slog.Logger
}

// New creates a Runner. store and hub may be nil.
func New(client *export.Client, registry *handler.Registry, store *results.Store, hub *events.Hub) *Runner {
	return &Runner{
		client:   client,
		registry: registry,
		store:    store,
		hub:      hub,
		logger:   log.WithComponent("dispatch"),
	}
}

// Run processes one build until its stream ends. It always returns; the
// caller holds the build's concurrency slot for exactly this call.
func (r *Runner) Run(ctx context.Context, b export.Build) {
	logger := r.logger.With("build_id", b.ID)

	table := r.registry.NewDispatchTable(b)
	filter := table.EventTypes()
	logger.Info("build stream opening", "event_types", filter)

	startedAt := time.Now().UTC()
	var eventCount int

	outcome := r.client.BuildEvents(ctx, b.ID, filter, func(m export.Message) {
		ev, err := export.ParseBuildEvent(m.Data)
		if err != nil {
			// A malformed payload must not take the stream down or leak
			// the concurrency slot; skip the event.
			logger.Warn("malformed event payload, skipping", "error", err)
			return
		}
		eventCount++
		table.Dispatch(ev)
	})

	// Closing: the hook sequence runs once regardless of how many error
	// signals the transport produced; the table guards idempotency.
	completions := table.Complete()
	finishedAt := time.Now().UTC()

	for _, c := range completions {
		r.recordCompletion(ctx, b, c, finishedAt, logger)
	}

	if outcome.IsCompleted() {
		logger.Info("build stream completed", "events", eventCount,
			"elapsed", finishedAt.Sub(startedAt).String())
	} else {
		logger.Warn("build stream failed", "events", eventCount, "error", outcome.Err())
	}

	r.recordStream(ctx, b, outcome, eventCount, startedAt, finishedAt, logger)
	r.publish("build.finished", map[string]any{
		"build_id": b.ID,
		"outcome":  outcome.String(),
		"events":   eventCount,
	})
}

func (r *Runner) recordCompletion(ctx context.Context, b export.Build, c handler.CompletionResult, at time.Time, logger *slog.Logger) {
	rec := results.HandlerResult{
		BuildID:   b.ID,
		Handler:   c.Variant,
		CreatedAt: at,
	}
	if c.Err != nil {
		rec.Error = c.Err.Error()
		logger.Warn("handler completion failed", "handler", c.Variant, "error", c.Err)
	} else if data, err := json.Marshal(c.Value); err != nil {
		rec.Error = err.Error()
		logger.Warn("handler result not serializable", "handler", c.Variant, "error", err)
	} else {
		rec.Result = data
		logger.Info("handler result", "handler", c.Variant, "result", string(data))
	}

	r.publish("handler.result", map[string]any{
		"build_id": b.ID,
		"handler":  c.Variant,
		"result":   json.RawMessage(rec.Result),
		"error":    rec.Error,
	})
	if r.store != nil {
		if err := r.store.RecordResult(ctx, rec); err != nil {
			logger.Error("failed to record handler result", "handler", c.Variant, "error", err)
		}
	}
}

func (r *Runner) recordStream(ctx context.Context, b export.Build, outcome export.Outcome, eventCount int, startedAt, finishedAt time.Time, logger *slog.Logger) {
	if r.store == nil {
		return
	}
	rec := results.StreamRecord{
		BuildID:    b.ID,
		Outcome:    "completed",
		Events:     eventCount,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}
	if err := outcome.Err(); err != nil {
		rec.Outcome = "failed"
		rec.Error = err.Error()
	}
	if err := r.store.RecordStream(ctx, rec); err != nil {
		logger.Error("failed to record stream outcome", "error", err)
	}
}

func (r *Runner) publish(eventType string, data map[string]any) {
	if r.hub != nil {
		r.hub.Publish(eventType, data)
	}
}
