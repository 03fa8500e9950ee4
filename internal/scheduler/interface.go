package scheduler

import (
	"context"

	"github.com/mattjoyce/buildtap/internal/export"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/buildtap/internal/scheduler BuildRunner

// BuildRunner processes one admitted build and returns when its event
// stream has reached a terminal state. The scheduler holds the build's
// concurrency slot for exactly the duration of the call.
type BuildRunner interface {
	Run(ctx context.Context, b export.Build)
}
