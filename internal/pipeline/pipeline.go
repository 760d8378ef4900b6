// Package pipeline runs captured events through an ordered chain of stages.
//
// A Stage is a list-to-list transform that may drop, mutate or add events.
// The canonical chain is dedup → enrich → persist: dedup first so known
// events never reach the writer, persist last so every surviving event lands
// exactly once per fingerprint.
package pipeline

import (
	"context"

	"infoflow/internal/feed"
	logx "infoflow/pkg/logx"
)

// Stage transforms one batch of events.
type Stage interface {
	Name() string
	Process(ctx context.Context, events []feed.RawEvent) ([]feed.RawEvent, error)
}

// Pipeline applies its stages in order to the output of one consumer
// execution. A stage error keeps that stage's input and moves on, so one
// misbehaving stage degrades the batch instead of dropping it.
type Pipeline struct {
	log    logx.Logger
	stages []Stage
}

func New(log logx.Logger, stages ...Stage) *Pipeline {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{log: log, stages: stages}
}

// Run satisfies the scheduler's event sink contract.
func (p *Pipeline) Run(ctx context.Context, events []feed.RawEvent) []feed.RawEvent {
	for _, st := range p.stages {
		if len(events) == 0 {
			break
		}
		out, err := st.Process(ctx, events)
		if err != nil {
			p.log.Error("[fail] pipeline stage", logx.String("stage", st.Name()), logx.Int("events", len(events)), logx.Err(err))
			continue
		}
		events = out
	}
	return events
}
