package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"infoflow/internal/eventbus"
	"infoflow/internal/storage"
	"infoflow/internal/task"
	logx "infoflow/pkg/logx"
)

// Submitter is the slice of the scheduler the adapter needs.
type Submitter interface {
	Submit(t task.Task)
}

// Job is one logical schedule: a (source, param) pair plus either a fixed
// interval or a cron spec (cron wins when both are set).
type Job struct {
	Source string
	Param  string
	Every  time.Duration
	Cron   string

	sched cron.Schedule
}

// InstanceID is the stable, human-readable job identifier exposed by the
// catalog and the manual trigger surface.
func (j *Job) InstanceID() string {
	if j.Param == "" {
		return j.Source
	}
	return j.Source + ":" + j.Param
}

// Next returns the occurrence following from.
func (j *Job) Next(from time.Time) time.Time {
	if j.sched != nil {
		return j.sched.Next(from)
	}
	return from.Add(j.Every)
}

// QuotaRetryEvent is the bus payload for TopicQuotaRetry.
type QuotaRetryEvent struct {
	Source  string        `json:"source"`
	Param   string        `json:"param,omitempty"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	At      time.Time     `json:"at"`
	Reason  string        `json:"reason,omitempty"`
}

// Options tune the adapter. Zero values get defaults.
type Options struct {
	// DefaultEvery is the interval of a simple consumer added without an
	// explicit schedule. Default 30m.
	DefaultEvery time.Duration
	// RetryMin / RetryMax bound the quota backoff delay. Defaults 60s / 1h.
	RetryMin time.Duration
	RetryMax time.Duration
}

func (o *Options) fill() {
	if o.DefaultEvery <= 0 {
		o.DefaultEvery = 30 * time.Minute
	}
	if o.RetryMin <= 0 {
		o.RetryMin = time.Minute
	}
	if o.RetryMax <= 0 {
		o.RetryMax = time.Hour
	}
	if o.RetryMax < o.RetryMin {
		o.RetryMax = o.RetryMin
	}
}

type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
	sub   Submitter
	reg   *task.Registry
	opts  Options

	mu          sync.Mutex
	jobs        map[string]*Job // key: source \x00 param
	quotaStreak map[string]int  // consecutive quota hits per job

	now  func() time.Time
	rand func() float64
}

func New(reg *task.Registry, store storage.Store, sub Submitter, log logx.Logger, bus eventbus.Bus, opts Options) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	opts.fill()
	return &Service{
		log:         log,
		bus:         bus,
		store:       store,
		sub:         sub,
		reg:         reg,
		opts:        opts,
		jobs:        map[string]*Job{},
		quotaStreak: map[string]int{},
		now:         time.Now,
		rand:        rand.Float64,
	}
}

func jobKey(source, param string) string { return source + "\x00" + param }

// AddConsumer registers the consumer and materializes its jobs. Parameterized
// consumers bring their own ParamJobs; a simple consumer becomes one job with
// an empty param using the given schedule (every, or cron when non-empty),
// falling back to Options.DefaultEvery.
func (s *Service) AddConsumer(c task.Consumer, every time.Duration, cronSpec string) error {
	if err := s.reg.Register(c); err != nil {
		return err
	}

	var jobs []*Job
	if pjs := c.ParamJobs(); pjs != nil {
		for _, pj := range pjs {
			jobs = append(jobs, &Job{Source: c.Name(), Param: pj.Param, Every: pj.Every, Cron: pj.Cron})
		}
	} else {
		jobs = append(jobs, &Job{Source: c.Name(), Every: every, Cron: cronSpec})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range jobs {
		if j.Cron != "" {
			sched, err := cron.ParseStandard(j.Cron)
			if err != nil {
				return fmt.Errorf("job %s: bad cron spec %q: %w", j.InstanceID(), j.Cron, err)
			}
			j.sched = sched
		} else if j.Every <= 0 {
			j.Every = s.opts.DefaultEvery
		}
		s.jobs[jobKey(j.Source, j.Param)] = j
	}
	return nil
}

// Jobs returns a snapshot of the configured jobs.
func (s *Service) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out
}

// FindJob resolves an instance id ("source" or "source:param").
func (s *Service) FindJob(instanceID string) (*Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.InstanceID() == instanceID {
			cp := *j
			return &cp, true
		}
	}
	return nil, false
}

// Bootstrap submits the first occurrence of every job, resuming from the
// execution state: a job that is absent or overdue runs immediately, an
// on-track job runs at its next computed occurrence. It also prunes state
// rows of parameters no longer configured.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.jobs))
	keepBySource := map[string]map[string]bool{}
	for _, j := range s.jobs {
		jobs = append(jobs, j)
		if keepBySource[j.Source] == nil {
			keepBySource[j.Source] = map[string]bool{}
		}
		keepBySource[j.Source][j.Param] = true
	}
	s.mu.Unlock()

	for _, j := range jobs {
		at := s.initialTrigger(ctx, j)
		s.submitOccurrence(j, at)
	}

	if s.store != nil {
		for source, keep := range keepBySource {
			removed, err := s.store.PruneExecStates(ctx, source, keep)
			if err != nil {
				s.log.Warn("exec state prune failed", logx.String("source", source), logx.Err(err))
				continue
			}
			if removed > 0 {
				s.log.Info("pruned stale exec states", logx.String("source", source), logx.Int("removed", removed))
			}
		}
	}
	s.log.Info("jobs bootstrapped", logx.Int("jobs", len(jobs)))
	return nil
}

// initialTrigger computes the first occurrence of a job from durable state.
// A state read failure degrades to "first run" with a warning.
func (s *Service) initialTrigger(ctx context.Context, j *Job) time.Time {
	now := s.now().UTC()
	if s.store == nil {
		return now
	}
	st, ok, err := s.store.GetExecState(ctx, j.Source, j.Param)
	if err != nil {
		s.log.Warn("exec state read failed, treating as first run",
			logx.String("job", j.InstanceID()), logx.Err(err))
		return now
	}
	if !ok {
		return now
	}
	next := j.Next(st.LastExecution)
	if !next.After(now) {
		return now
	}
	s.log.Debug("job resumes on schedule",
		logx.String("job", j.InstanceID()),
		logx.Time("last", st.LastExecution),
		logx.Time("next", next),
	)
	return next
}

func (s *Service) submitOccurrence(j *Job, at time.Time) {
	c := s.reg.Find(j.Source)
	if c == nil {
		s.log.Error("job has no registered consumer", logx.String("job", j.InstanceID()))
		return
	}
	args := map[string]any{task.ArgTriggerAt: at}
	if j.Param != "" {
		args[task.ArgParam] = j.Param
	}
	s.sub.Submit(c.Produce(args))
}

// AfterRun is the scheduler completion hook. It drives the per-job state
// machine: success upserts the execution state and chains the next
// occurrence, quota-exceeded schedules a delayed catch-up without touching
// the state, and any other failure chains the next occurrence as-is.
//
// Manually triggered tasks (ArgManual) update state on success but never
// submit anything: the job's one chain occurrence is already in the queue,
// and chaining here would add a second chain for every manual run.
func (s *Service) AfterRun(ctx context.Context, t task.Task, err error) {
	param, _ := t.Args[task.ArgParam].(string)
	manual, _ := t.Args[task.ArgManual].(bool)

	s.mu.Lock()
	j := s.jobs[jobKey(t.Source, param)]
	s.mu.Unlock()
	if j == nil {
		// Ad-hoc task outside the configured schedules; nothing to chain.
		return
	}

	if qe, ok := task.AsQuotaExceeded(err); ok {
		if manual {
			s.log.Warn("manual run hit quota, not retrying", logx.String("job", j.InstanceID()), logx.String("reason", qe.Reason))
			return
		}
		s.scheduleQuotaRetry(j, qe)
		return
	}

	now := s.now().UTC()
	if err == nil {
		if s.store != nil {
			if uerr := s.store.UpsertExecState(ctx, j.Source, j.Param, now); uerr != nil {
				s.log.Warn("exec state write failed", logx.String("job", j.InstanceID()), logx.Err(uerr))
			}
		}
		s.resetQuotaStreak(j)
	}
	if manual {
		return
	}
	// Success and generic failure both continue the chain; only the state
	// update above distinguishes them.
	s.submitOccurrence(j, j.Next(now))
}

func (s *Service) resetQuotaStreak(j *Job) {
	s.mu.Lock()
	delete(s.quotaStreak, jobKey(j.Source, j.Param))
	s.mu.Unlock()
}

// scheduleQuotaRetry submits a delayed catch-up task. The delay grows
// exponentially with consecutive quota hits, honors an upstream RetryAfter
// hint, stays within [RetryMin, RetryMax] and carries up to 20% jitter.
func (s *Service) scheduleQuotaRetry(j *Job, qe *task.QuotaExceededError) {
	key := jobKey(j.Source, j.Param)
	s.mu.Lock()
	s.quotaStreak[key]++
	attempt := s.quotaStreak[key]
	s.mu.Unlock()

	delay := s.opts.RetryMin << (attempt - 1)
	if attempt > 30 || delay <= 0 || delay > s.opts.RetryMax {
		delay = s.opts.RetryMax
	}
	if qe.RetryAfter > delay {
		delay = qe.RetryAfter
	}
	if delay > s.opts.RetryMax {
		delay = s.opts.RetryMax
	}
	// Jitter in [0.9, 1.1] keeps retries of many jobs from aligning.
	delay = time.Duration(float64(delay) * (0.9 + 0.2*s.rand()))
	if delay < s.opts.RetryMin {
		delay = s.opts.RetryMin
	}

	at := s.now().UTC().Add(delay)
	s.submitOccurrence(j, at)

	s.log.Warn("quota retry scheduled",
		logx.String("job", j.InstanceID()),
		logx.Int("attempt", attempt),
		logx.Duration("delay", delay),
		logx.String("reason", qe.Reason),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicQuotaRetry, Data: QuotaRetryEvent{
			Source:  j.Source,
			Param:   j.Param,
			Attempt: attempt,
			Delay:   delay,
			At:      at,
			Reason:  qe.Reason,
		}})
	}
}
