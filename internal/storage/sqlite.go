//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "infoflow/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetExecState(ctx context.Context, source, paramKey string) (ExecState, bool, error) {
	if s == nil || s.db == nil {
		return ExecState{}, false, ErrDisabled
	}
	var last, created, updated, runs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_exec, created_at, updated_at, runs FROM exec_state WHERE source = ? AND param_key = ?`,
		source, paramKey,
	).Scan(&last, &created, &updated, &runs)
	if errors.Is(err, sql.ErrNoRows) {
		return ExecState{}, false, nil
	}
	if err != nil {
		return ExecState{}, false, err
	}
	return ExecState{
		Source:        source,
		ParamKey:      paramKey,
		LastExecution: time.UnixMilli(last),
		CreatedAt:     time.UnixMilli(created),
		UpdatedAt:     time.UnixMilli(updated),
		RunCount:      runs,
	}, true, nil
}

func (s *sqliteStore) UpsertExecState(ctx context.Context, source, paramKey string, lastExecution time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exec_state(source, param_key, last_exec, created_at, updated_at, runs)
		 VALUES(?,?,?,?,?,1)
		 ON CONFLICT(source, param_key) DO UPDATE SET
		   last_exec=excluded.last_exec, updated_at=excluded.updated_at, runs=runs+1`,
		source, paramKey, lastExecution.UnixMilli(), now, now,
	)
	return err
}

func (s *sqliteStore) ListExecStates(ctx context.Context, source string) ([]ExecState, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT source, param_key, last_exec, created_at, updated_at, runs FROM exec_state`
	args := []any{}
	if source != "" {
		q += ` WHERE source = ?`
		args = append(args, source)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecState
	for rows.Next() {
		var st ExecState
		var last, created, updated int64
		if err := rows.Scan(&st.Source, &st.ParamKey, &last, &created, &updated, &st.RunCount); err != nil {
			return nil, err
		}
		st.LastExecution = time.UnixMilli(last)
		st.CreatedAt = time.UnixMilli(created)
		st.UpdatedAt = time.UnixMilli(updated)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneExecStates(ctx context.Context, source string, keep map[string]bool) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	states, err := s.ListExecStates(ctx, source)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, st := range states {
		if keep[st.ParamKey] {
			continue
		}
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM exec_state WHERE source = ? AND param_key = ?`, source, st.ParamKey)
		if err != nil {
			return removed, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			removed += int(n)
		}
	}
	return removed, nil
}

func (s *sqliteStore) UpsertItem(ctx context.Context, it Item) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	if it.Identifier == "" {
		return false, errors.New("item identifier is required")
	}
	var payload any
	if len(it.Payload) > 0 {
		b, err := json.Marshal(it.Payload)
		if err != nil {
			return false, err
		}
		payload = string(b)
	}
	now := time.Now().UnixMilli()

	// changes() counts both upsert paths and timestamps collide within one
	// millisecond, so existence is checked inside the same transaction.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM items WHERE source = ? AND identifier = ?`,
		it.Source, it.Identifier,
	).Scan(&one)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO items(source, identifier, url, title, payload, fetched_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(source, identifier) DO UPDATE SET
		   url=excluded.url, title=excluded.title, payload=excluded.payload,
		   fetched_at=excluded.fetched_at, updated_at=excluded.updated_at`,
		it.Source, it.Identifier, nullStr(it.URL), nullStr(it.Title), payload,
		it.FetchedAt.UnixMilli(), now, now,
	); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return created, nil
}

func (s *sqliteStore) CountItems(ctx context.Context, source string) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	var n int
	var err error
	if source == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE source = ?`, source).Scan(&n)
	}
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
