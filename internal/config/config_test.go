package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

const validYAML = `
logging:
  level: debug
storage:
  driver: file
  path: ./store
scheduler:
  default_every: 30m
dedup:
  max_entries: 1024
fetch:
  contexts: 2
  rate_per_host: 0.5
  timeout: 10s
collectors:
  - source: websearch
    url: "https://x.test/search?q={param}"
    limit: 2
    params:
      - {param: "golang scheduler", every: 30m}
      - {param: "sqlite wal", cron: "0 */2 * * *"}
  - source: home.feed
    url: "https://x.test/feed"
    every: 15m
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Fatalf("level = %q", cfg.Logging.Level)
	}
	if !cfg.Logging.ConsoleEnabled() {
		t.Fatal("console should default on")
	}
	if !cfg.Scheduler.IsEnabled() {
		t.Fatal("scheduler should default on")
	}
	if len(cfg.Collectors) != 2 {
		t.Fatalf("collectors = %d", len(cfg.Collectors))
	}
	ws := cfg.Collectors[0]
	if ws.Source != "websearch" || len(ws.Params) != 2 {
		t.Fatalf("websearch = %#v", ws)
	}
	if ws.Params[1].Cron != "0 */2 * * *" {
		t.Fatalf("cron = %q", ws.Params[1].Cron)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get returned a different snapshot")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.json",
		`{"logging":{"level":"info"},"storage":{"driver":"none"},"scheduler":{},"collectors":[]}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "none" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", "loging:\n  level: debug\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("typo field accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		yaml string
	}{
		{"bad duration", "collectors:\n  - source: a\n    url: u\n    every: soon\n"},
		{"missing source", "collectors:\n  - url: u\n"},
		{"missing url", "collectors:\n  - source: a\n"},
		{"duplicate source", "collectors:\n  - {source: a, url: u}\n  - {source: a, url: v}\n"},
		{"param without name", "collectors:\n  - source: a\n    url: u\n    params:\n      - every: 5m\n"},
		{"notifier without token", "notifier:\n  enabled: true\n  chat_id: 7\n"},
		{"notifier without chat", "notifier:\n  enabled: true\n  token: t\n"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeConfig(t, "config.yaml", tc.yaml))
			if _, err := m.Load(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()

	if d, err := ParseDurationField("x", " 90s "); err != nil || d != 90*time.Second {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative accepted")
	}
	if _, err := ParseDurationField("x", "5 parsecs"); err == nil {
		t.Fatal("garbage accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("default: d=%v err=%v", d, err)
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()

	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("wrong snapshot delivered")
		}
	default:
		t.Fatal("nothing delivered")
	}

	// Latest wins on a full buffer.
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-ch; got != b {
		t.Fatal("stale snapshot retained")
	}
}
