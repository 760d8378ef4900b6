package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "infoflow/pkg/logx"
)

// Store is the persistence API used by the adapter and the pipeline.
type Store interface {
	// GetExecState returns the state for a job, reporting absence via ok.
	GetExecState(ctx context.Context, source, paramKey string) (st ExecState, ok bool, err error)

	// UpsertExecState records a completed run: it sets LastExecution, bumps
	// RunCount and UpdatedAt, and creates the row if missing.
	UpsertExecState(ctx context.Context, source, paramKey string, lastExecution time.Time) error

	// ListExecStates returns all states for a source (all sources when
	// source is empty).
	ListExecStates(ctx context.Context, source string) ([]ExecState, error)

	// PruneExecStates deletes states of a source whose param_key is not in
	// keep, returning the number removed. Configuration edits call this so
	// retired parameters do not leave stale rows behind.
	PruneExecStates(ctx context.Context, source string, keep map[string]bool) (int, error)

	// UpsertItem stores an item by (source, identifier), reporting whether
	// the row was created rather than refreshed.
	UpsertItem(ctx context.Context, it Item) (created bool, err error)

	// CountItems returns the number of stored items for a source (all
	// sources when source is empty).
	CountItems(ctx context.Context, source string) (int, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
