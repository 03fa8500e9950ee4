package builtin

import (
	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/handler"
)

// DurationVariant computes wall-clock build duration from the BuildStarted
// and BuildFinished event timestamps.
type DurationVariant struct{}

func (DurationVariant) Name() string { return "build_duration" }

func (DurationVariant) EventTypes() []string {
	return []string{"BuildStarted", "BuildFinished"}
}

func (DurationVariant) NewProcessor(b export.Build) handler.Processor {
	return &durationProcessor{build: b}
}

type durationProcessor struct {
	build    export.Build
	started  int64
	finished int64
	sawStart bool
	sawEnd   bool
}

func (p *durationProcessor) Handlers() map[string]handler.EventFunc {
	return map[string]handler.EventFunc{
		"BuildStarted":  p.onBuildStarted,
		"BuildFinished": p.onBuildFinished,
	}
}

func (p *durationProcessor) onBuildStarted(ev export.BuildEvent) {
	p.started = ev.Timestamp
	p.sawStart = true
}

func (p *durationProcessor) onBuildFinished(ev export.BuildEvent) {
	p.finished = ev.Timestamp
	p.sawEnd = true
}

// DurationResult is the variant's final output for a build.
type DurationResult struct {
	BuildID    string `json:"build_id"`
	DurationMS int64  `json:"duration_ms"`
	Complete   bool   `json:"complete"`
}

func (p *durationProcessor) Complete() (any, error) {
	res := DurationResult{
		BuildID:  p.build.ID,
		Complete: p.sawStart && p.sawEnd,
	}
	if res.Complete {
		res.DurationMS = p.finished - p.started
	}
	return res, nil
}
