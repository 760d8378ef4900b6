package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ExecState is the resumable schedule position of one job. A job is a
// (source, param_key) pair; simple sources use an empty param_key.
type ExecState struct {
	Source        string
	ParamKey      string
	LastExecution time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	RunCount      int64
}

// Item is one persisted event. (Source, Identifier) is the upsert key;
// Identifier is the event's dedup fingerprint, so re-persisting the same
// event refreshes the row instead of duplicating it.
type Item struct {
	Source     string
	Identifier string
	URL        string
	Title      string
	Payload    map[string]any
	FetchedAt  time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
