// Package notifier pushes digests of newly persisted items to a Telegram
// chat. It observes the event bus; nothing in the core depends on it.
package notifier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"infoflow/internal/eventbus"
	"infoflow/internal/pipeline"
	logx "infoflow/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
	// DigestWindow batches items before pushing. Default 30s.
	DigestWindow time.Duration
}

// sender is the slice of the Telegram bot the service uses.
type sender interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
}

type Service struct {
	log logx.Logger
	bus eventbus.Bus
	cfg Config
	bot sender

	mu      sync.Mutex
	pending []pipeline.PersistedEvent
}

// New builds the digest notifier, connecting to Telegram with the configured
// token. Returns nil when disabled.
func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.DigestWindow <= 0 {
		cfg.DigestWindow = 30 * time.Second
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	return &Service{log: log, bus: bus, cfg: cfg, bot: bot}, nil
}

// Run accumulates persisted-item events and flushes a digest every window.
// It blocks until ctx ends; the supervisor hosts it.
func (s *Service) Run(ctx context.Context) error {
	events, unsub := s.bus.Subscribe(64)
	defer unsub()

	tick := time.NewTicker(s.cfg.DigestWindow)
	defer tick.Stop()

	s.log.Info("notifier started", logx.Duration("window", s.cfg.DigestWindow))
	for {
		select {
		case <-ctx.Done():
			s.flush() // push whatever is buffered before shutdown
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if e.Type != eventbus.TopicItemsPersisted {
				continue
			}
			items, ok := e.Data.([]pipeline.PersistedEvent)
			if !ok {
				continue
			}
			s.mu.Lock()
			s.pending = append(s.pending, items...)
			s.mu.Unlock()
		case <-tick.C:
			s.flush()
		}
	}
}

const (
	digestMaxLines = 20
	digestMaxRunes = 3500
)

func (s *Service) flush() {
	s.mu.Lock()
	items := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(items) == 0 {
		return
	}

	text := formatDigest(items)
	if _, err := s.bot.Send(tele.ChatID(s.cfg.ChatID), text); err != nil {
		s.log.Warn("digest send failed", logx.Int("items", len(items)), logx.Err(err))
		return
	}
	s.log.Debug("digest sent", logx.Int("items", len(items)))
}

func formatDigest(items []pipeline.PersistedEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d new item(s)\n", len(items))
	lines := 0
	for _, it := range items {
		if lines >= digestMaxLines || b.Len() > digestMaxRunes {
			fmt.Fprintf(&b, "… and %d more", len(items)-lines)
			break
		}
		title := it.Title
		if title == "" {
			title = it.Identifier
		}
		if it.URL != "" {
			fmt.Fprintf(&b, "• %s — %s\n", title, it.URL)
		} else {
			fmt.Fprintf(&b, "• %s [%s]\n", title, it.Source)
		}
		lines++
	}
	return strings.TrimRight(b.String(), "\n")
}
