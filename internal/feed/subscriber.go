// Package feed subscribes to the long-lived build announcement stream and
// hands each announced build to the admission scheduler.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/log"
	"github.com/mattjoyce/buildtap/internal/scheduler"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Enqueuer admits announced builds. Satisfied by *scheduler.Scheduler.
type Enqueuer interface {
	Enqueue(ctx context.Context, b export.Build) error
}

// Subscriber consumes the announcement feed for the life of the process.
// Connection drops are logged and followed by a reconnect with capped
// exponential backoff, resuming from the last seen event ID.
type Subscriber struct {
	client *export.Client
	sched  Enqueuer
	marker string
	logger *slog.Logger
}

// New creates a Subscriber starting from marker ("now" or epoch millis).
func New(client *export.Client, sched Enqueuer, marker string) *Subscriber {
	return &Subscriber{
		client: client,
		sched:  sched,
		marker: marker,
		logger: log.WithComponent("feed"),
	}
}

// Run blocks until ctx is cancelled. The subscription itself never
// terminates the process: stream failures reconnect, malformed
// announcements are skipped.
func (s *Subscriber) Run(ctx context.Context) error {
	var lastEventID string
	backoff := initialBackoff

	for {
		s.logger.Info("subscribing to build announcements",
			"marker", s.marker, "last_event_id", lastEventID)

		sawEvent := false
		outcome := s.client.BuildsSince(ctx, s.marker, lastEventID, func(m export.Message) {
			sawEvent = true
			if m.ID != "" {
				lastEventID = m.ID
			}
			s.handleAnnouncement(ctx, m)
		})

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if sawEvent {
			backoff = initialBackoff
		}
		s.logger.Warn("announcement stream ended, reconnecting",
			"outcome", outcome.String(), "backoff", backoff.String())

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Subscriber) handleAnnouncement(ctx context.Context, m export.Message) {
	b, err := export.ParseBuild(m.Data)
	if err != nil {
		s.logger.Warn("malformed build announcement, skipping", "error", err)
		return
	}
	if b.ID == "" {
		s.logger.Warn("build announcement without buildId, skipping")
		return
	}

	err = s.sched.Enqueue(ctx, b)
	switch {
	case err == nil:
		s.logger.Debug("build enqueued", "build_id", b.ID)
	case errors.Is(err, scheduler.ErrQueueFull):
		s.logger.Warn("build dropped, pending queue full", "build_id", b.ID)
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, context.Canceled):
		// Shutting down; the stream read will notice ctx soon.
	default:
		s.logger.Error("failed to enqueue build", "build_id", b.ID, "error", err)
	}
}
