package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"infoflow/internal/eventbus"
	"infoflow/internal/feed"
	"infoflow/internal/task"
	logx "infoflow/pkg/logx"
)

// EventSink receives the raw events of one successful execution. In the full
// application this is the processing pipeline (dedup → enrich → persist).
type EventSink interface {
	Run(ctx context.Context, events []feed.RawEvent) []feed.RawEvent
}

// AfterRunFunc observes the outcome of one dispatched execution. The adapter
// uses it to update execution state and submit the next occurrence. It is
// called from the execution goroutine, while the source semaphore is still
// held, for every resolved task (not for unknown-source drops).
type AfterRunFunc func(ctx context.Context, t task.Task, err error)

// TaskEvent is the bus payload for task lifecycle topics.
type TaskEvent struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	TriggerAt time.Time     `json:"trigger_at"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Events    int           `json:"events"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running   bool
	QueueLen  int
	Submitted uint64
	InFlight  int
	NextAt    time.Time // zero when the queue is empty
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	reg *task.Registry

	mu   sync.Mutex
	heap taskHeap
	seq  uint64

	// wake carries at most one pending token. Submitting a task sets it;
	// the dispatch loop consumes it when waiting. A stale token only costs
	// one spurious loop iteration.
	wake chan struct{}

	running  bool
	stopCh   chan struct{}
	loopDone chan struct{}

	sems map[string]chan struct{}

	sink     EventSink
	afterRun AfterRunFunc

	inFlight atomic.Int64

	// now is swappable for tests.
	now func() time.Time
}

func New(reg *task.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:  log,
		bus:  bus,
		reg:  reg,
		wake: make(chan struct{}, 1),
		sems: map[string]chan struct{}{},
		now:  time.Now,
	}
}

// SetSink installs the pipeline fed with execution output. Call before Start.
func (s *Service) SetSink(sink EventSink) { s.sink = sink }

// SetAfterRun installs the completion observer. Call before Start.
func (s *Service) SetAfterRun(fn AfterRunFunc) { s.afterRun = fn }

// Submit queues a task. O(log n); safe to call from any goroutine, including
// execution goroutines resubmitting their next occurrence. The task's source
// is not validated here: unknown sources are detected at dispatch time.
func (s *Service) Submit(t task.Task) {
	s.mu.Lock()
	e := &entry{at: t.TriggerAt.UTC(), seq: s.seq, task: t}
	s.seq++
	pushEntry(&s.heap, e)
	queued := len(s.heap)
	s.mu.Unlock()

	// Wake the loop: an earlier-due task may have jumped the queue.
	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.log.Debug("task submitted",
		logx.String("task", t.ID),
		logx.String("source", t.Source),
		logx.Time("trigger_at", t.TriggerAt),
		logx.Int("queue", queued),
	)
}

// TriggerNow builds and submits an immediate task for a known (source, param)
// pair, bypassing the regular schedule. The task carries the manual marker so
// its completion does not chain another occurrence on top of the job's own.
func (s *Service) TriggerNow(source, param string) (task.Task, error) {
	c := s.reg.Find(source)
	if c == nil {
		return task.Task{}, fmt.Errorf("trigger %q: unknown source", source)
	}
	args := map[string]any{task.ArgManual: true}
	if param != "" {
		args[task.ArgParam] = param
	}
	t := c.Produce(args)
	t.TriggerAt = s.now().UTC()
	s.Submit(t)
	s.log.Info("manual trigger", logx.String("source", source), logx.String("param", param), logx.String("task", t.ID))
	return t, nil
}

// Start spawns the dispatch loop. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	stopCh := s.stopCh
	done := s.loopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.loop(ctx, stopCh)
	}()
	s.log.Info("scheduler started")
}

// Stop halts new dispatches: it stops the loop, wakes any pending wait, and
// returns once the loop has exited. In-flight executions are not canceled;
// they run to completion in their own goroutines.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.log.Warn("scheduler not running")
		return
	}
	s.running = false
	stopCh := s.stopCh
	done := s.loopDone
	s.stopCh = nil
	s.loopDone = nil
	s.mu.Unlock()

	close(stopCh)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-done
	s.log.Info("scheduler stopped", logx.Int64("in_flight", s.inFlight.Load()))
}

// Snapshot reports queue diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Running:   s.running,
		QueueLen:  len(s.heap),
		Submitted: s.seq,
		InFlight:  int(s.inFlight.Load()),
	}
	if top := s.heap.peek(); top != nil {
		snap.NextAt = top.at
	}
	return snap
}

// loop is the dispatch loop: time-driven, wake-interruptible, never blocking
// on consumer work.
func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	s.log.Debug("dispatch loop started")
	defer s.log.Debug("dispatch loop stopped")

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		top := s.heap.peek()
		if top == nil {
			s.mu.Unlock()
			// Empty queue: suspend until something is submitted.
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		delay := top.at.Sub(s.now())
		if delay > 0 {
			s.mu.Unlock()
			// Not due yet: race the timer against the wake signal so an
			// earlier-due submission preempts the sleep. Either way the
			// iteration restarts and re-peeks.
			tmr := time.NewTimer(delay)
			select {
			case <-stopCh:
				tmr.Stop()
				return
			case <-ctx.Done():
				tmr.Stop()
				return
			case <-s.wake:
				tmr.Stop()
			case <-tmr.C:
			}
			continue
		}

		// Due: pop and dispatch without awaiting the execution.
		e := popEntry(&s.heap)
		s.mu.Unlock()

		s.inFlight.Add(1)
		go func(t task.Task) {
			defer s.inFlight.Add(-1)
			s.execute(t)
		}(e.task)
	}
}

// semFor lazily creates the per-source semaphore, sized on first use from the
// consumer's declared limit. The first-seen limit sticks.
func (s *Service) semFor(source string, limit int) chan struct{} {
	if limit < 1 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sem := s.sems[source]
	if sem == nil {
		sem = make(chan struct{}, limit)
		s.sems[source] = sem
		s.log.Debug("semaphore created", logx.String("source", source), logx.Int("limit", limit))
	}
	return sem
}

// execute resolves and runs one dispatched task. All failures are contained
// here; nothing propagates back to the loop.
func (s *Service) execute(t task.Task) {
	c := s.reg.Find(t.Source)
	if c == nil {
		s.log.Error("[drop] unknown task source", logx.String("source", t.Source), logx.Any("task", t.ToMap()))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskDropped, Data: TaskEvent{ID: t.ID, Source: t.Source, TriggerAt: t.TriggerAt, Error: "unknown_source"}})
		}
		return
	}

	sem := s.semFor(t.Source, c.ConcurrencyLimit())
	sem <- struct{}{}
	defer func() { <-sem }()

	start := s.now()
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskDispatched, Time: start, Data: TaskEvent{ID: t.ID, Source: t.Source, TriggerAt: t.TriggerAt, Started: start}})
	}

	// Executions deliberately get a background context: Stop() halts new
	// dispatches but never cancels work already in flight.
	ctx := context.Background()

	events, err := s.runExecutor(ctx, c, t)
	if err == nil && len(events) > 0 && s.sink != nil {
		events = s.sink.Run(ctx, events)
	}

	dur := s.now().Sub(start)
	ev := TaskEvent{ID: t.ID, Source: t.Source, TriggerAt: t.TriggerAt, Started: start, Duration: dur, Events: len(events)}
	if err != nil {
		ev.Error = err.Error()
		if _, quota := task.AsQuotaExceeded(err); quota {
			s.log.Warn("task hit quota", logx.String("task", t.ID), logx.String("source", t.Source), logx.Err(err))
		} else {
			s.log.Error("[fail] task execution", logx.String("task", t.ID), logx.String("source", t.Source), logx.Duration("dur", dur), logx.Err(err))
		}
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskFailed, Data: ev})
		}
	} else {
		s.log.Debug("task completed", logx.String("task", t.ID), logx.String("source", t.Source), logx.Duration("dur", dur), logx.Int("events", len(events)))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskCompleted, Data: ev})
		}
	}

	if s.afterRun != nil {
		s.afterRun(ctx, t, err)
	}
}

// runExecutor calls the consumer with a panic guard so one bad source cannot
// take down the process.
func (s *Service) runExecutor(ctx context.Context, c task.Consumer, t task.Task) (events []feed.RawEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", t.ID), logx.String("source", t.Source), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return c.Execute(ctx, t)
}
