package pipeline

import (
	"context"
	"time"

	"infoflow/internal/eventbus"
	"infoflow/internal/feed"
	"infoflow/internal/storage"
	logx "infoflow/pkg/logx"
)

// PersistedEvent is the bus payload for TopicItemsPersisted: one entry per
// newly created item (refreshed rows are not announced).
type PersistedEvent struct {
	Source     string    `json:"source"`
	Identifier string    `json:"identifier"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// PersistStage upserts events into durable storage keyed by
// (source, fingerprint), so redelivery refreshes instead of duplicating.
// Debug events pass through untouched and are never written.
type PersistStage struct {
	log   logx.Logger
	bus   eventbus.Bus
	store storage.Store
}

func NewPersistStage(store storage.Store, log logx.Logger, bus eventbus.Bus) *PersistStage {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &PersistStage{log: log, bus: bus, store: store}
}

func (s *PersistStage) Name() string { return "persist" }

func (s *PersistStage) Process(ctx context.Context, events []feed.RawEvent) ([]feed.RawEvent, error) {
	if s.store == nil {
		return events, nil
	}

	var announce []PersistedEvent
	written, skipped := 0, 0
	for _, e := range events {
		if e.Debug {
			skipped++
			continue
		}
		it := storage.Item{
			Source:     e.Source,
			Identifier: Fingerprint(e),
			URL:        e.URL(),
			Title:      e.Title(),
			Payload:    e.Raw,
			FetchedAt:  e.FetchedAt,
		}
		created, err := s.store.UpsertItem(ctx, it)
		if err != nil {
			s.log.Error("[fail] item upsert", logx.String("source", e.Source), logx.String("id", it.Identifier), logx.Err(err))
			continue
		}
		written++
		if created {
			announce = append(announce, PersistedEvent{
				Source:     it.Source,
				Identifier: it.Identifier,
				URL:        it.URL,
				Title:      it.Title,
				FetchedAt:  it.FetchedAt,
			})
		}
	}

	if written > 0 || skipped > 0 {
		s.log.Debug("batch persisted", logx.Int("written", written), logx.Int("debug_skipped", skipped), logx.Int("new", len(announce)))
	}
	if s.bus != nil && len(announce) > 0 {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicItemsPersisted, Data: announce})
	}
	return events, nil
}
