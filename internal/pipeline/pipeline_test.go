package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"infoflow/internal/eventbus"
	"infoflow/internal/feed"
	"infoflow/internal/storage"
	logx "infoflow/pkg/logx"
)

func ev(source string, raw map[string]any) feed.RawEvent {
	e := feed.New(source, raw)
	e.FetchedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return e
}

func TestFingerprintPriority(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  map[string]any
		want string
	}{
		{"post id wins", map[string]any{"post_id": "42", "url": "https://x.test/a"}, "src|pid:42"},
		{"url fallback", map[string]any{"url": "https://x.test/a"}, "src|url:https://x.test/a"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Fingerprint(ev("src", tc.raw)); got != tc.want {
				t.Fatalf("fingerprint = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFingerprintContentHashIsStable(t *testing.T) {
	t.Parallel()

	a := Fingerprint(ev("src", map[string]any{"content": "hello", "author": "ray"}))
	b := Fingerprint(ev("src", map[string]any{"author": "ray", "content": "hello"}))
	if a != b {
		t.Fatalf("equal payloads hash differently: %q vs %q", a, b)
	}
	c := Fingerprint(ev("src", map[string]any{"content": "other"}))
	if a == c {
		t.Fatal("different payloads share a fingerprint")
	}
}

func TestFingerprintIsSourceScoped(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"post_id": "42"}
	if Fingerprint(ev("a", raw)) == Fingerprint(ev("b", raw)) {
		t.Fatal("same post id from different sources must not collide")
	}
}

func TestDedupDropsRepeats(t *testing.T) {
	t.Parallel()

	st := NewDedupStage(NewLRUSet(16), logx.Nop())
	batch := []feed.RawEvent{
		ev("src", map[string]any{"post_id": "1"}),
		ev("src", map[string]any{"post_id": "2"}),
		ev("src", map[string]any{"post_id": "1"}),
	}
	out, err := st.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("kept %d events, want 2", len(out))
	}
	// First occurrence wins.
	if out[0].PostID() != "1" || out[1].PostID() != "2" {
		t.Fatalf("kept order = %s, %s", out[0].PostID(), out[1].PostID())
	}

	// A later run of the same source sees the same set.
	out, _ = st.Process(context.Background(), batch[:1])
	if len(out) != 0 {
		t.Fatal("dedup state did not survive across runs")
	}
}

func TestDedupLRUBound(t *testing.T) {
	t.Parallel()

	set := NewLRUSet(4)
	st := NewDedupStage(set, logx.Nop())
	var batch []feed.RawEvent
	for i := 0; i < 10; i++ {
		batch = append(batch, ev("src", map[string]any{"post_id": fmt.Sprint(i)}))
	}
	if _, err := st.Process(context.Background(), batch); err != nil {
		t.Fatalf("process: %v", err)
	}
	if set.Len() != 4 {
		t.Fatalf("set size = %d, want the bound 4", set.Len())
	}

	// The oldest fingerprints aged out and are admitted again.
	out, _ := st.Process(context.Background(), batch[:1])
	if len(out) != 1 {
		t.Fatal("evicted fingerprint still treated as seen")
	}
}

func TestEnrichNormalizes(t *testing.T) {
	t.Parallel()

	st := NewEnrichStage()
	batch := []feed.RawEvent{
		ev("src", map[string]any{"title": "  padded  ", "url": "HTTPS://x.test/Path?Q=CaseMatters"}),
		ev("src", map[string]any{"content": "First line becomes the title\nrest of body"}),
	}
	out, err := st.Process(context.Background(), batch)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := out[0].Title(); got != "padded" {
		t.Fatalf("title = %q", got)
	}
	if got := out[0].URL(); got != "https://x.test/Path?Q=CaseMatters" {
		t.Fatalf("url = %q (query must keep its case)", got)
	}
	if got := out[1].Title(); got != "First line becomes the title" {
		t.Fatalf("derived title = %q", got)
	}
}

func TestDerivedTitleTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	// 3-byte runes straddling the cap: the cut must not split a rune.
	long := strings.Repeat("资", maxDerivedTitle)
	st := NewEnrichStage()
	out, err := st.Process(context.Background(), []feed.RawEvent{
		ev("src", map[string]any{"content": long}),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	title := out[0].Title()
	if title == "" || len(title) > maxDerivedTitle {
		t.Fatalf("title length = %d, want 1..%d", len(title), maxDerivedTitle)
	}
	if !utf8.ValidString(title) {
		t.Fatalf("truncated title is not valid UTF-8: %q", title)
	}
}

func openStoreForTest(t *testing.T, dir string) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "data.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func TestPersistUpsertsAndAnnounces(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := openStoreForTest(t, dir)
	defer store.Close()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	st := NewPersistStage(store, logx.Nop(), bus)
	batch := []feed.RawEvent{
		ev("src", map[string]any{"post_id": "1", "title": "one", "url": "https://x.test/1"}),
		ev("src", map[string]any{"post_id": "2", "title": "two"}),
	}
	if _, err := st.Process(context.Background(), batch); err != nil {
		t.Fatalf("process: %v", err)
	}

	n, err := store.CountItems(context.Background(), "src")
	if err != nil || n != 2 {
		t.Fatalf("count = %d err=%v, want 2", n, err)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TopicItemsPersisted {
			t.Fatalf("event type = %q", e.Type)
		}
		pe, ok := e.Data.([]PersistedEvent)
		if !ok || len(pe) != 2 {
			t.Fatalf("payload = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no persist event published")
	}

	// Redelivery is a no-op row-wise and is not announced.
	if _, err := st.Process(context.Background(), batch); err != nil {
		t.Fatalf("process again: %v", err)
	}
	if n, _ := store.CountItems(context.Background(), "src"); n != 2 {
		t.Fatalf("count after redelivery = %d, want 2", n)
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected event after redelivery: %#v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPersistSkipsDebugEvents(t *testing.T) {
	t.Parallel()

	store := openStoreForTest(t, t.TempDir())
	defer store.Close()
	st := NewPersistStage(store, logx.Nop(), nil)

	dbg := ev("src", map[string]any{"post_id": "1"})
	dbg.Debug = true
	out, err := st.Process(context.Background(), []feed.RawEvent{dbg})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(out) != 1 {
		t.Fatal("debug event must pass through the stage")
	}
	if n, _ := store.CountItems(context.Background(), ""); n != 0 {
		t.Fatalf("debug event persisted (%d rows)", n)
	}
}

func TestPipelineOrderAndErrorTolerance(t *testing.T) {
	t.Parallel()

	var order []string
	mk := func(name string, fail bool) Stage {
		return stageFunc{name: name, fn: func(_ context.Context, evs []feed.RawEvent) ([]feed.RawEvent, error) {
			order = append(order, name)
			if fail {
				return nil, errors.New("stage broke")
			}
			return evs, nil
		}}
	}
	p := New(logx.Nop(), mk("first", false), mk("second", true), mk("third", false))
	out := p.Run(context.Background(), []feed.RawEvent{ev("src", map[string]any{"post_id": "1"})})

	if len(out) != 1 {
		t.Fatalf("failing stage dropped the batch (%d out)", len(out))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestPipelineShortCircuitsOnEmpty(t *testing.T) {
	t.Parallel()

	ran := false
	p := New(logx.Nop(),
		stageFunc{name: "drop", fn: func(context.Context, []feed.RawEvent) ([]feed.RawEvent, error) {
			return nil, nil
		}},
		stageFunc{name: "after", fn: func(_ context.Context, evs []feed.RawEvent) ([]feed.RawEvent, error) {
			ran = true
			return evs, nil
		}},
	)
	p.Run(context.Background(), []feed.RawEvent{ev("src", map[string]any{"post_id": "1"})})
	if ran {
		t.Fatal("stage ran on an empty batch")
	}
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, events []feed.RawEvent) ([]feed.RawEvent, error)
}

func (s stageFunc) Name() string { return s.name }
func (s stageFunc) Process(ctx context.Context, events []feed.RawEvent) ([]feed.RawEvent, error) {
	return s.fn(ctx, events)
}
