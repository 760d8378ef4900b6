package task

import (
	"context"
	"time"

	"infoflow/internal/feed"
)

// ParamJob is one logical schedule of a parameterized consumer.
//
// Either Every or Cron must be set. A cron spec, when present, wins over the
// fixed interval; both are realized as the same one-shot task chain.
type ParamJob struct {
	Param string
	Every time.Duration
	Cron  string
}

// Consumer is a named task source: it builds Tasks and executes the work they
// represent.
//
// Simple consumers return nil from ParamJobs and run on a single schedule
// with an empty parameter. Parameterized consumers enumerate one ParamJob per
// logical schedule; the adapter creates an independent resumable job for each.
//
// Execute returns the raw events captured by one run. A quota/rate-limit
// condition is reported by returning a *QuotaExceededError, which the adapter
// handles separately from generic failures.
type Consumer interface {
	Name() string
	ConcurrencyLimit() int
	Produce(args map[string]any) Task
	Execute(ctx context.Context, t Task) ([]feed.RawEvent, error)
	ParamJobs() []ParamJob
}

// Well-known argument keys.
//
// ArgTriggerAt is consulted by Base.Produce for an explicit trigger time.
// ArgParam carries the job parameter of a parameterized consumer.
// ArgManual marks a manually triggered task; the adapter updates state for
// it but never chains a next occurrence (the job's own chain keeps running).
const (
	ArgTriggerAt = "trigger_at"
	ArgParam     = "param"
	ArgManual    = "manual"
)

// Base supplies the boilerplate half of the Consumer contract. Embed it and
// implement Execute (and ParamJobs for parameterized consumers).
type Base struct {
	name  string
	limit int
}

// NewBase builds the embeddable consumer core. A limit below 1 is coerced to 1.
func NewBase(name string, concurrencyLimit int) Base {
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}
	return Base{name: name, limit: concurrencyLimit}
}

func (b Base) Name() string          { return b.name }
func (b Base) ConcurrencyLimit() int { return b.limit }

// Produce builds a Task for this source. args[ArgTriggerAt] (a time.Time)
// sets the trigger; otherwise the task is due immediately.
func (b Base) Produce(args map[string]any) Task {
	var at time.Time
	if args != nil {
		if v, ok := args[ArgTriggerAt].(time.Time); ok {
			at = v
			delete(args, ArgTriggerAt)
		}
	}
	return New(b.name, args, at)
}

// ParamJobs marks the consumer as simple. Parameterized consumers shadow this.
func (b Base) ParamJobs() []ParamJob { return nil }
