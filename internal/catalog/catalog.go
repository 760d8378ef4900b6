// Package catalog exposes a read-side view of the configured jobs: what
// exists, when it last ran, when it runs next. It backs the manual trigger
// surface and diagnostics; all data derives from the adapter's job table,
// the execution state store and the scheduler snapshot.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"infoflow/internal/storage"
	"infoflow/internal/task"
	"infoflow/internal/task/adapter"
	"infoflow/internal/task/scheduler"
	logx "infoflow/pkg/logx"
)

// Instance is one job as seen from outside.
type Instance struct {
	ID       string        `json:"instance_id"`
	Source   string        `json:"source"`
	Param    string        `json:"param,omitempty"`
	Every    time.Duration `json:"every,omitempty"`
	Cron     string        `json:"cron,omitempty"`
	RunCount int64         `json:"run_count"`
	LastRun  time.Time     `json:"last_run,omitzero"`
	NextRun  time.Time     `json:"next_run,omitzero"`
}

// Overview aggregates scheduler and storage counters.
type Overview struct {
	Queue     scheduler.Snapshot
	Jobs      int
	ItemCount int
}

type Catalog struct {
	log   logx.Logger
	ad    *adapter.Service
	sched *scheduler.Service
	store storage.Store
	now   func() time.Time
}

func New(ad *adapter.Service, sched *scheduler.Service, store storage.Store, log logx.Logger) *Catalog {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Catalog{log: log, ad: ad, sched: sched, store: store, now: time.Now}
}

// Instances lists every configured job with its durable run history, sorted
// by instance id. A state read failure leaves the history fields zero.
func (c *Catalog) Instances(ctx context.Context) []Instance {
	jobs := c.ad.Jobs()
	now := c.now().UTC()

	out := make([]Instance, 0, len(jobs))
	for _, j := range jobs {
		in := Instance{
			ID:     j.InstanceID(),
			Source: j.Source,
			Param:  j.Param,
			Every:  j.Every,
			Cron:   j.Cron,
		}
		if c.store != nil {
			st, ok, err := c.store.GetExecState(ctx, j.Source, j.Param)
			if err != nil {
				c.log.Warn("exec state read failed", logx.String("job", in.ID), logx.Err(err))
			} else if ok {
				in.RunCount = st.RunCount
				in.LastRun = st.LastExecution
				if next := j.Next(st.LastExecution); next.After(now) {
					in.NextRun = next
				} else {
					in.NextRun = now
				}
			}
		}
		out = append(out, in)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// TriggerInstance runs a configured job immediately, bypassing its schedule.
func (c *Catalog) TriggerInstance(instanceID string) (task.Task, error) {
	j, ok := c.ad.FindJob(instanceID)
	if !ok {
		return task.Task{}, fmt.Errorf("trigger %q: unknown instance", instanceID)
	}
	return c.sched.TriggerNow(j.Source, j.Param)
}

// Overview reports queue and storage counters for diagnostics.
func (c *Catalog) Overview(ctx context.Context) Overview {
	ov := Overview{Jobs: len(c.ad.Jobs())}
	if c.sched != nil {
		ov.Queue = c.sched.Snapshot()
	}
	if c.store != nil {
		if n, err := c.store.CountItems(ctx, ""); err == nil {
			ov.ItemCount = n
		}
	}
	return ov
}
