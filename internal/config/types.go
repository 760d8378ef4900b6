package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full configuration file. All durations are Go duration
// strings (e.g. "30m", "15s"); collector schedules may use a cron spec
// instead, which wins when both are present.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    StorageConfig     `json:"storage"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Dedup      DedupConfig       `json:"dedup,omitempty"`
	Notifier   *NotifierConfig   `json:"notifier,omitempty"`
	Fetch      FetchConfig       `json:"fetch,omitempty"`
	Collectors []CollectorConfig `json:"collectors"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console *bool  `json:"console,omitempty"` // nil means on
	File    struct {
		Enabled bool   `json:"enabled,omitempty"`
		Path    string `json:"path,omitempty"`
	} `json:"file,omitempty"`
}

func (c LoggingConfig) ConsoleEnabled() bool { return c.Console == nil || *c.Console }

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"` // file | sqlite | none
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Enabled *bool `json:"enabled,omitempty"` // nil means on
	// DefaultEvery applies to collectors without an explicit schedule.
	DefaultEvery string `json:"default_every,omitempty"`
}

func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

type DedupConfig struct {
	// MaxEntries bounds the in-memory fingerprint set. Default 4096.
	MaxEntries int `json:"max_entries,omitempty"`
}

type NotifierConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
	// DigestWindow batches persisted items before pushing. Default 30s.
	DigestWindow string `json:"digest_window,omitempty"`
}

type FetchConfig struct {
	Contexts    int     `json:"contexts,omitempty"`
	RatePerHost float64 `json:"rate_per_host,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

type CollectorConfig struct {
	Source string        `json:"source"`
	URL    string        `json:"url"`
	Every  string        `json:"every,omitempty"`
	Cron   string        `json:"cron,omitempty"`
	Limit  int           `json:"limit,omitempty"`
	Debug  bool          `json:"debug,omitempty"`
	Params []ParamConfig `json:"params,omitempty"`
}

type ParamConfig struct {
	Param string `json:"param"`
	Every string `json:"every,omitempty"`
	Cron  string `json:"cron,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.default_every", c.Scheduler.DefaultEvery); err != nil {
		return err
	}
	if _, err := ParseDurationField("fetch.timeout", c.Fetch.Timeout); err != nil {
		return err
	}
	if c.Notifier != nil {
		if _, err := ParseDurationField("notifier.digest_window", c.Notifier.DigestWindow); err != nil {
			return err
		}
		if c.Notifier.Enabled && strings.TrimSpace(c.Notifier.Token) == "" {
			return fmt.Errorf("notifier.token is required when the notifier is enabled")
		}
		if c.Notifier.Enabled && c.Notifier.ChatID == 0 {
			return fmt.Errorf("notifier.chat_id is required when the notifier is enabled")
		}
	}

	seen := map[string]bool{}
	for i, col := range c.Collectors {
		where := fmt.Sprintf("collectors[%d]", i)
		if strings.TrimSpace(col.Source) == "" {
			return fmt.Errorf("%s: source is required", where)
		}
		if seen[col.Source] {
			return fmt.Errorf("%s: duplicate source %q", where, col.Source)
		}
		seen[col.Source] = true
		if strings.TrimSpace(col.URL) == "" {
			return fmt.Errorf("%s (%s): url is required", where, col.Source)
		}
		if _, err := ParseDurationField(where+".every", col.Every); err != nil {
			return err
		}
		for k, p := range col.Params {
			pw := fmt.Sprintf("%s.params[%d]", where, k)
			if strings.TrimSpace(p.Param) == "" {
				return fmt.Errorf("%s: param is required", pw)
			}
			if _, err := ParseDurationField(pw+".every", p.Every); err != nil {
				return err
			}
		}
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
