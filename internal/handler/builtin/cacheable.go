package builtin

import (
	"encoding/json"

	"github.com/mattjoyce/buildtap/internal/export"
	"github.com/mattjoyce/buildtap/internal/handler"
	"github.com/mattjoyce/buildtap/internal/log"
)

// CacheableVariant counts finished tasks and how many of them were
// cacheable, from TaskFinished events.
type CacheableVariant struct{}

func (CacheableVariant) Name() string { return "cacheable_tasks" }

func (CacheableVariant) EventTypes() []string {
	return []string{"TaskFinished"}
}

func (CacheableVariant) NewProcessor(b export.Build) handler.Processor {
	return &cacheableProcessor{build: b}
}

type cacheableProcessor struct {
	build     export.Build
	tasks     int
	cacheable int
}

func (p *cacheableProcessor) Handlers() map[string]handler.EventFunc {
	return map[string]handler.EventFunc{
		"TaskFinished": p.onTaskFinished,
	}
}

func (p *cacheableProcessor) onTaskFinished(ev export.BuildEvent) {
	var payload struct {
		Cacheable bool `json:"cacheable"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		log.WithHandler("cacheable_tasks").Warn("bad TaskFinished payload",
			"build_id", p.build.ID, "error", err)
		return
	}
	p.tasks++
	if payload.Cacheable {
		p.cacheable++
	}
}

// CacheableResult is the variant's final output for a build.
type CacheableResult struct {
	BuildID        string `json:"build_id"`
	Tasks          int    `json:"tasks"`
	CacheableTasks int    `json:"cacheable_tasks"`
}

func (p *cacheableProcessor) Complete() (any, error) {
	return CacheableResult{
		BuildID:        p.build.ID,
		Tasks:          p.tasks,
		CacheableTasks: p.cacheable,
	}, nil
}
