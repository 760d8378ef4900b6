package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "infoflow/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.state.snapshot.json (periodic snapshot of exec states)
//   - <prefix>.state.journal.jsonl (append-only exec state journal)
//   - <prefix>.items.jsonl         (append-only item records; last wins)
//
// The state journal is periodically compacted into the snapshot. Item
// payloads stay on disk; only a small per-item index is held in memory.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	stateSnapshotPath string
	stateJournalFile  *os.File
	states            map[string]stateRecord // key: source \x00 param
	stateWrites       int

	itemsFile *os.File
	items     map[string]itemMeta // key: source \x00 identifier
}

type stateRecord struct {
	Source  string `json:"source"`
	Param   string `json:"param"`
	Last    int64  `json:"last"` // unix milli
	Created int64  `json:"created"`
	Updated int64  `json:"updated"`
	Runs    int64  `json:"runs"`
}

type itemRecord struct {
	Source  string         `json:"source"`
	ID      string         `json:"id"`
	URL     string         `json:"url,omitempty"`
	Title   string         `json:"title,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Fetched int64          `json:"fetched"`
	Created int64          `json:"created"`
	Updated int64          `json:"updated"`
}

type itemMeta struct {
	created int64
}

const stateCompactEvery = 500

func storeKey(source, param string) string { return source + "\x00" + param }

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"
	itemsPath := prefix + ".items.jsonl"

	states := map[string]stateRecord{}
	_ = loadStateSnapshot(snapPath, states)
	_ = replayStateJournal(journalPath, states)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	items := map[string]itemMeta{}
	_ = replayItems(itemsPath, items)

	itf, err := os.OpenFile(itemsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		stateSnapshotPath: snapPath,
		stateJournalFile:  jf,
		states:            states,
		itemsFile:         itf,
		items:             items,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.stateJournalFile != nil {
		err1 = s.stateJournalFile.Close()
		s.stateJournalFile = nil
	}
	if s.itemsFile != nil {
		err2 = s.itemsFile.Close()
		s.itemsFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) GetExecState(ctx context.Context, source, paramKey string) (ExecState, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.states[storeKey(source, paramKey)]
	if !ok {
		return ExecState{}, false, nil
	}
	return r.toExecState(), true, nil
}

func (s *fileStore) UpsertExecState(ctx context.Context, source, paramKey string, lastExecution time.Time) error {
	_ = ctx
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stateJournalFile == nil {
		return errors.New("state journal closed")
	}

	key := storeKey(source, paramKey)
	r, ok := s.states[key]
	if !ok {
		r = stateRecord{Source: source, Param: paramKey, Created: now}
	}
	r.Last = lastExecution.UnixMilli()
	r.Updated = now
	r.Runs++
	s.states[key] = r

	if err := json.NewEncoder(s.stateJournalFile).Encode(r); err != nil {
		return err
	}
	s.stateWrites++
	if s.stateWrites%stateCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListExecStates(ctx context.Context, source string) ([]ExecState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecState, 0, len(s.states))
	for _, r := range s.states {
		if source != "" && r.Source != source {
			continue
		}
		out = append(out, r.toExecState())
	}
	return out, nil
}

func (s *fileStore) PruneExecStates(ctx context.Context, source string, keep map[string]bool) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, r := range s.states {
		if r.Source != source || keep[r.Param] {
			continue
		}
		delete(s.states, key)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	// The journal has no delete records; rewrite the snapshot instead.
	if err := s.compactLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) UpsertItem(ctx context.Context, it Item) (bool, error) {
	_ = ctx
	if it.Identifier == "" {
		return false, errors.New("item identifier is required")
	}
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.itemsFile == nil {
		return false, errors.New("items file closed")
	}

	key := storeKey(it.Source, it.Identifier)
	meta, exists := s.items[key]
	created := now
	if exists {
		created = meta.created
	}

	r := itemRecord{
		Source:  it.Source,
		ID:      it.Identifier,
		URL:     it.URL,
		Title:   it.Title,
		Payload: it.Payload,
		Fetched: it.FetchedAt.UnixMilli(),
		Created: created,
		Updated: now,
	}
	if err := json.NewEncoder(s.itemsFile).Encode(r); err != nil {
		return false, err
	}
	s.items[key] = itemMeta{created: created}
	return !exists, nil
}

func (s *fileStore) CountItems(ctx context.Context, source string) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if source == "" {
		return len(s.items), nil
	}
	prefix := source + "\x00"
	n := 0
	for key := range s.items {
		if strings.HasPrefix(key, prefix) {
			n++
		}
	}
	return n, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.stateSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.states); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.stateSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.stateJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.stateJournalFile.Seek(0, 2)
	return err
}

func (r stateRecord) toExecState() ExecState {
	return ExecState{
		Source:        r.Source,
		ParamKey:      r.Param,
		LastExecution: time.UnixMilli(r.Last),
		CreatedAt:     time.UnixMilli(r.Created),
		UpdatedAt:     time.UnixMilli(r.Updated),
		RunCount:      r.Runs,
	}
}

func loadStateSnapshot(path string, out map[string]stateRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]stateRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayStateJournal(path string, out map[string]stateRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r stateRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Source == "" {
			continue
		}
		out[storeKey(r.Source, r.Param)] = r
	}
	return sc.Err()
}

func replayItems(path string, out map[string]itemMeta) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r itemRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out[storeKey(r.Source, r.ID)] = itemMeta{created: r.Created}
	}
	return sc.Err()
}
