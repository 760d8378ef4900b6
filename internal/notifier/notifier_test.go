package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"infoflow/internal/eventbus"
	"infoflow/internal/pipeline"
	logx "infoflow/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, fmt.Sprint(what))
	return &tele.Message{}, nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestService(bus eventbus.Bus, window time.Duration) (*Service, *fakeSender) {
	fs := &fakeSender{}
	s := &Service{
		log: logx.Nop(),
		bus: bus,
		cfg: Config{Enabled: true, ChatID: 7, DigestWindow: window},
		bot: fs,
	}
	return s, fs
}

func TestNewDisabled(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Enabled: false}, eventbus.New(), logx.Nop())
	if err != nil || s != nil {
		t.Fatalf("s=%v err=%v, want nil/nil", s, err)
	}
}

func TestDigestBatchesAcrossEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s, fs := newTestService(bus, 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	// Give the subscriber a moment to attach.
	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.TopicItemsPersisted, Data: []pipeline.PersistedEvent{
		{Source: "rss", Identifier: "url:a", Title: "first", URL: "https://x.test/a"},
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TopicItemsPersisted, Data: []pipeline.PersistedEvent{
		{Source: "rss", Identifier: "url:b", Title: "second"},
	}})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fs.messages()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	msgs := fs.messages()
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want one digest", len(msgs))
	}
	if !strings.Contains(msgs[0], "2 new item(s)") {
		t.Fatalf("digest = %q", msgs[0])
	}
	if !strings.Contains(msgs[0], "first — https://x.test/a") || !strings.Contains(msgs[0], "second [rss]") {
		t.Fatalf("digest = %q", msgs[0])
	}

	cancel()
	<-done
}

func TestFlushOnShutdown(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	s, fs := newTestService(bus, time.Hour) // window never fires

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.TopicItemsPersisted, Data: []pipeline.PersistedEvent{
		{Source: "rss", Identifier: "url:a", Title: "pending"},
	}})
	time.Sleep(50 * time.Millisecond)

	cancel()
	<-done
	if msgs := fs.messages(); len(msgs) != 1 || !strings.Contains(msgs[0], "pending") {
		t.Fatalf("messages = %v, want the buffered digest", msgs)
	}
}

func TestEmptyWindowSendsNothing(t *testing.T) {
	t.Parallel()

	s, fs := newTestService(eventbus.New(), time.Hour)
	s.flush()
	if len(fs.messages()) != 0 {
		t.Fatal("flush without items sent a message")
	}
}

func TestFormatDigestTruncates(t *testing.T) {
	t.Parallel()

	var items []pipeline.PersistedEvent
	for i := 0; i < 30; i++ {
		items = append(items, pipeline.PersistedEvent{Source: "rss", Identifier: fmt.Sprintf("url:%d", i), Title: fmt.Sprintf("item %d", i)})
	}
	text := formatDigest(items)
	if !strings.Contains(text, "30 new item(s)") {
		t.Fatalf("header missing: %q", text)
	}
	if !strings.Contains(text, "and 10 more") {
		t.Fatalf("truncation marker missing: %q", text)
	}
}
