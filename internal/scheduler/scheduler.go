// Package scheduler enforces the concurrency ceiling over simultaneously
// processed builds. Announced builds wait in a FIFO queue; a build is
// admitted only while fewer than max_concurrent builds are in flight.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/buildtap/internal/events"
	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/log"
)

// OverflowPolicy says what happens when the pending queue is full.
type OverflowPolicy string

const (
	// OverflowDropNew rejects the arriving build.
	OverflowDropNew OverflowPolicy = "drop_new"
	// OverflowDropOld evicts the oldest pending build to make room.
	OverflowDropOld OverflowPolicy = "drop_old"
)

// ErrQueueFull is returned by Enqueue under the drop_new policy when the
// pending queue is at capacity.
var ErrQueueFull = errors.New("pending build queue is full")

// ErrStopped is returned by Enqueue after the scheduler has shut down.
var ErrStopped = errors.New("scheduler stopped")

// Config bounds the scheduler.
type Config struct {
	// MaxConcurrent is the admission ceiling; must be positive.
	MaxConcurrent int
	// MaxPending bounds the FIFO queue; 0 means unbounded.
	MaxPending int
	// Overflow applies when MaxPending is exceeded.
	Overflow OverflowPolicy
}

// Stats is a point-in-time snapshot of scheduler state.
type Stats struct {
	QueueDepth int   `json:"queue_depth"`
	InFlight   int   `json:"in_flight"`
	Admitted   int64 `json:"admitted"`
	Completed  int64 `json:"completed"`
	Dropped    int64 `json:"dropped"`
}

// Scheduler owns the pending queue and the concurrency counter. All
// mutations happen on a single run-loop goroutine, so admission decisions
// are serialized: the counter can never pass MaxConcurrent and admission
// order is strict FIFO over arrival.
type Scheduler struct {
	cfg    Config
	runner BuildRunner
	hub    *events.Hub
	logger *slog.Logger

	enqueueCh chan enqueueReq
	releaseCh chan string
	stopCh    chan struct{}
	loopDone  chan struct{}
	runs      sync.WaitGroup

	// Loop-owned state. Atomics mirror it for Stats readers.
	pending  []export.Build
	inFlight int

	queueDepth atomic.Int64
	inFlightN  atomic.Int64
	admitted   atomic.Int64
	completed  atomic.Int64
	dropped    atomic.Int64
}

// New creates a Scheduler. hub may be nil when no observers are wired.
func New(cfg Config, runner BuildRunner, hub *events.Hub) (*Scheduler, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max_concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxPending < 0 {
		return nil, fmt.Errorf("max_pending must not be negative, got %d", cfg.MaxPending)
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDropNew
	}
	if cfg.Overflow != OverflowDropNew && cfg.Overflow != OverflowDropOld {
		return nil, fmt.Errorf("unknown overflow policy %q", cfg.Overflow)
	}
	return &Scheduler{
		cfg:       cfg,
		runner:    runner,
		hub:       hub,
		logger:    log.WithComponent("scheduler"),
		enqueueCh: make(chan enqueueReq),
		releaseCh: make(chan string, cfg.MaxConcurrent),
		stopCh:    make(chan struct{}),
		loopDone:  make(chan struct{}),
	}, nil
}

// Start runs the scheduling loop until ctx is cancelled, then waits for
// in-flight builds to finish. Blocking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"max_concurrent", s.cfg.MaxConcurrent,
		"max_pending", s.cfg.MaxPending,
		"overflow", string(s.cfg.Overflow))
	defer s.logger.Info("scheduler stopped")

	defer close(s.loopDone)
	for {
		select {
		case req := <-s.enqueueCh:
			req.reply <- s.push(req.build)
			s.admit(ctx)
		case buildID := <-s.releaseCh:
			s.inFlight--
			s.inFlightN.Store(int64(s.inFlight))
			s.completed.Add(1)
			s.publish("build.released", map[string]any{"build_id": buildID})
			// Re-admission happens here, on the next loop turn after the
			// release, never by recursing out of a processor callback.
			s.admit(ctx)
		case <-s.stopCh:
			s.runs.Wait()
			return nil
		case <-ctx.Done():
			s.runs.Wait()
			return ctx.Err()
		}
	}
}

// Stop shuts the scheduler down and waits for the loop to exit. Pending
// builds that were never admitted are discarded.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.loopDone
}

type enqueueReq struct {
	build export.Build
	reply chan error
}

// Enqueue appends a build to the tail of the pending queue. Under the
// drop_new policy a full queue returns ErrQueueFull.
func (s *Scheduler) Enqueue(ctx context.Context, b export.Build) error {
	if b.ID == "" {
		return fmt.Errorf("build has no id")
	}
	req := enqueueReq{build: b, reply: make(chan error, 1)}
	select {
	case s.enqueueCh <- req:
		return <-req.reply
	case <-s.loopDone:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of queue depth and counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		QueueDepth: int(s.queueDepth.Load()),
		InFlight:   int(s.inFlightN.Load()),
		Admitted:   s.admitted.Load(),
		Completed:  s.completed.Load(),
		Dropped:    s.dropped.Load(),
	}
}

func (s *Scheduler) push(b export.Build) error {
	if s.cfg.MaxPending > 0 && len(s.pending) >= s.cfg.MaxPending {
		switch s.cfg.Overflow {
		case OverflowDropOld:
			evicted := s.pending[0]
			s.pending = s.pending[1:]
			s.dropped.Add(1)
			s.logger.Warn("pending queue full, evicting oldest build",
				"evicted_build_id", evicted.ID, "build_id", b.ID)
			s.publish("build.dropped", map[string]any{"build_id": evicted.ID, "policy": "drop_old"})
		default: // drop_new
			s.dropped.Add(1)
			s.logger.Warn("pending queue full, dropping announced build", "build_id", b.ID)
			s.publish("build.dropped", map[string]any{"build_id": b.ID, "policy": "drop_new"})
			return ErrQueueFull
		}
	}
	s.pending = append(s.pending, b)
	s.queueDepth.Store(int64(len(s.pending)))
	s.publish("build.queued", map[string]any{"build_id": b.ID, "queue_depth": len(s.pending)})
	s.logger.Debug("build queued", "build_id", b.ID, "queue_depth", len(s.pending))
	return nil
}

// admit pops pending builds in FIFO order while a concurrency slot is free.
func (s *Scheduler) admit(ctx context.Context) {
	for len(s.pending) > 0 && s.inFlight < s.cfg.MaxConcurrent {
		b := s.pending[0]
		s.pending = s.pending[1:]
		s.inFlight++

		s.queueDepth.Store(int64(len(s.pending)))
		s.inFlightN.Store(int64(s.inFlight))
		s.admitted.Add(1)

		s.publish("build.admitted", map[string]any{"build_id": b.ID, "in_flight": s.inFlight})
		s.logger.Info("build admitted", "build_id", b.ID,
			"in_flight", s.inFlight, "queue_depth", len(s.pending))

		s.runs.Add(1)
		go func(b export.Build) {
			defer s.runs.Done()
			// The slot is released whatever path Run exits by.
			defer func() { s.releaseCh <- b.ID }()
			s.runner.Run(ctx, b)
		}(b)
	}
}

func (s *Scheduler) publish(eventType string, data map[string]any) {
	if s.hub != nil {
		s.hub.Publish(eventType, data)
	}
}
