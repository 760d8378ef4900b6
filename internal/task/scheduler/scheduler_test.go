package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"infoflow/internal/eventbus"
	"infoflow/internal/feed"
	"infoflow/internal/task"
	logx "infoflow/pkg/logx"
)

type fakeConsumer struct {
	task.Base
	execute func(ctx context.Context, t task.Task) ([]feed.RawEvent, error)
}

func (c *fakeConsumer) Execute(ctx context.Context, t task.Task) ([]feed.RawEvent, error) {
	if c.execute == nil {
		return nil, nil
	}
	return c.execute(ctx, t)
}

func newFake(name string, limit int, fn func(ctx context.Context, t task.Task) ([]feed.RawEvent, error)) *fakeConsumer {
	return &fakeConsumer{Base: task.NewBase(name, limit), execute: fn}
}

func newTestService(t *testing.T, consumers ...task.Consumer) (*Service, *task.Registry) {
	t.Helper()
	reg := task.NewRegistry()
	for _, c := range consumers {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.Name(), err)
		}
	}
	return New(reg, logx.Nop(), nil), reg
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestDispatchDueTask(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	c := newFake("src", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		ran.Add(1)
		return nil, nil
	})
	s, _ := newTestService(t, c)
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(task.New("src", nil, time.Time{}))

	waitFor(t, 2*time.Second, func() bool { return ran.Load() == 1 })
}

func TestHeapOrdering(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var h taskHeap

	// Mixed trigger times; equal times must dequeue in submission order.
	pushEntry(&h, &entry{at: base.Add(time.Minute), seq: 0, task: task.New("a", nil, base.Add(time.Minute))})
	pushEntry(&h, &entry{at: base, seq: 1, task: task.New("b", nil, base)})
	pushEntry(&h, &entry{at: base, seq: 2, task: task.New("c", nil, base)})
	pushEntry(&h, &entry{at: base.Add(-time.Minute), seq: 3, task: task.New("d", nil, base.Add(-time.Minute))})
	pushEntry(&h, &entry{at: base, seq: 4, task: task.New("e", nil, base)})

	want := []string{"d", "b", "c", "e", "a"}
	for i, w := range want {
		e := popEntry(&h)
		if e.task.Source != w {
			t.Fatalf("pop %d = %q, want %q", i, e.task.Source, w)
		}
	}
	if h.Len() != 0 {
		t.Fatalf("heap not drained, %d left", h.Len())
	}
}

func TestEarlierSubmissionPreemptsWait(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []string
	c := newFake("src", 1, func(_ context.Context, tk task.Task) ([]feed.RawEvent, error) {
		mu.Lock()
		got = append(got, tk.Args["n"].(string))
		mu.Unlock()
		return nil, nil
	})
	s, _ := newTestService(t, c)
	s.Start(context.Background())
	defer s.Stop()

	// The loop goes to sleep on the far-future task; the near-immediate one
	// must interrupt that sleep instead of waiting an hour.
	s.Submit(task.New("src", map[string]any{"n": "late"}, time.Now().Add(time.Hour)))
	time.Sleep(50 * time.Millisecond)
	s.Submit(task.New("src", map[string]any{"n": "early"}, time.Now()))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "early"
	})

	if snap := s.Snapshot(); snap.QueueLen != 1 {
		t.Fatalf("queue len = %d, want 1 (the far-future task)", snap.QueueLen)
	}
}

func TestPerSourceConcurrencyLimitSerializes(t *testing.T) {
	t.Parallel()

	var cur, peak atomic.Int64
	var done atomic.Int64
	c := newFake("serial", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		cur.Add(-1)
		done.Add(1)
		return nil, nil
	})
	s, _ := newTestService(t, c)
	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 4; i++ {
		s.Submit(task.New("serial", nil, time.Time{}))
	}

	waitFor(t, 5*time.Second, func() bool { return done.Load() == 4 })
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency = %d, want 1", p)
	}
}

func TestSlowSourceDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	slowRelease := make(chan struct{})
	slow := newFake("slow", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		<-slowRelease
		return nil, nil
	})
	var fastRan atomic.Int64
	fast := newFake("fast", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		fastRan.Add(1)
		return nil, nil
	})
	s, _ := newTestService(t, slow, fast)
	s.Start(context.Background())
	defer s.Stop()
	defer close(slowRelease)

	s.Submit(task.New("slow", nil, time.Time{}))
	s.Submit(task.New("fast", nil, time.Time{}))

	waitFor(t, 2*time.Second, func() bool { return fastRan.Load() == 1 })
}

func TestUnknownSourceDropped(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	reg := task.NewRegistry()
	s := New(reg, logx.Nop(), bus)
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(task.New("ghost", nil, time.Time{}))

	select {
	case e := <-events:
		if e.Type != eventbus.TopicTaskDropped {
			t.Fatalf("event type = %q, want %q", e.Type, eventbus.TopicTaskDropped)
		}
		te, ok := e.Data.(TaskEvent)
		if !ok {
			t.Fatalf("event data is %T, want TaskEvent", e.Data)
		}
		if te.Source != "ghost" {
			t.Fatalf("dropped source = %q, want %q", te.Source, "ghost")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no drop event published")
	}
}

func TestStopWaitsForLoopNotExecutions(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan struct{})
	c := newFake("src", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		close(started)
		<-release
		close(finished)
		return nil, nil
	})
	s, _ := newTestService(t, c)
	s.Start(context.Background())

	s.Submit(task.New("src", nil, time.Time{}))
	<-started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// Stop must return while the execution is still blocked.
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on an in-flight execution")
	}
	select {
	case <-finished:
		t.Fatal("execution finished before release; test is not exercising in-flight stop")
	default:
	}

	close(release)
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight execution was canceled by Stop")
	}
}

func TestStopPreventsFurtherDispatch(t *testing.T) {
	t.Parallel()

	var ran atomic.Int64
	c := newFake("src", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		ran.Add(1)
		return nil, nil
	})
	s, _ := newTestService(t, c)
	s.Start(context.Background())
	s.Stop()

	s.Submit(task.New("src", nil, time.Time{}))
	time.Sleep(100 * time.Millisecond)

	if n := ran.Load(); n != 0 {
		t.Fatalf("ran %d tasks after Stop, want 0", n)
	}
	if snap := s.Snapshot(); snap.QueueLen != 1 {
		t.Fatalf("queue len = %d, want the submitted task retained", snap.QueueLen)
	}
}

func TestExecutionPanicIsContained(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	c := newFake("boom", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		if calls.Add(1) == 1 {
			panic("kaboom")
		}
		return nil, nil
	})
	s, _ := newTestService(t, c)

	var failures atomic.Int64
	s.SetAfterRun(func(_ context.Context, _ task.Task, err error) {
		if err != nil {
			failures.Add(1)
		}
	})
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(task.New("boom", nil, time.Time{}))
	s.Submit(task.New("boom", nil, time.Time{}))

	waitFor(t, 2*time.Second, func() bool { return calls.Load() == 2 })
	if f := failures.Load(); f != 1 {
		t.Fatalf("afterRun failures = %d, want 1", f)
	}
}

func TestAfterRunReceivesExecutionError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("upstream down")
	c := newFake("src", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		return nil, wantErr
	})
	s, _ := newTestService(t, c)

	got := make(chan error, 1)
	s.SetAfterRun(func(_ context.Context, _ task.Task, err error) {
		got <- err
	})
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(task.New("src", nil, time.Time{}))

	select {
	case err := <-got:
		if !errors.Is(err, wantErr) {
			t.Fatalf("afterRun error = %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("afterRun not invoked")
	}
}

func TestSinkReceivesEvents(t *testing.T) {
	t.Parallel()

	c := newFake("src", 1, func(context.Context, task.Task) ([]feed.RawEvent, error) {
		return []feed.RawEvent{feed.New("src", map[string]any{"url": "https://example.com/1"})}, nil
	})
	s, _ := newTestService(t, c)

	var sunk atomic.Int64
	s.SetSink(sinkFunc(func(_ context.Context, evs []feed.RawEvent) []feed.RawEvent {
		sunk.Add(int64(len(evs)))
		return evs
	}))
	s.Start(context.Background())
	defer s.Stop()

	s.Submit(task.New("src", nil, time.Time{}))

	waitFor(t, 2*time.Second, func() bool { return sunk.Load() == 1 })
}

type sinkFunc func(ctx context.Context, events []feed.RawEvent) []feed.RawEvent

func (f sinkFunc) Run(ctx context.Context, events []feed.RawEvent) []feed.RawEvent {
	return f(ctx, events)
}

func TestTriggerNow(t *testing.T) {
	t.Parallel()

	params := make(chan string, 1)
	c := newFake("src", 1, func(_ context.Context, tk task.Task) ([]feed.RawEvent, error) {
		p, _ := tk.Args[task.ArgParam].(string)
		params <- p
		return nil, nil
	})
	s, _ := newTestService(t, c)
	s.Start(context.Background())
	defer s.Stop()

	if _, err := s.TriggerNow("nope", ""); err == nil {
		t.Fatal("TriggerNow with unknown source: want error")
	}

	tk, err := s.TriggerNow("src", "query=golang")
	if err != nil {
		t.Fatalf("TriggerNow: %v", err)
	}
	if tk.Source != "src" {
		t.Fatalf("task source = %q, want %q", tk.Source, "src")
	}
	if manual, _ := tk.Args[task.ArgManual].(bool); !manual {
		t.Fatal("triggered task is not marked manual")
	}

	select {
	case p := <-params:
		if p != "query=golang" {
			t.Fatalf("param = %q, want %q", p, "query=golang")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("triggered task did not run")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	c := newFake("src", 1, nil)
	s, _ := newTestService(t, c)

	at := time.Now().Add(time.Hour).UTC()
	s.Submit(task.New("src", nil, at))
	s.Submit(task.New("src", nil, at.Add(time.Hour)))

	snap := s.Snapshot()
	if snap.Running {
		t.Fatal("Running = true before Start")
	}
	if snap.QueueLen != 2 {
		t.Fatalf("QueueLen = %d, want 2", snap.QueueLen)
	}
	if !snap.NextAt.Equal(at) {
		t.Fatalf("NextAt = %v, want %v", snap.NextAt, at)
	}
}
