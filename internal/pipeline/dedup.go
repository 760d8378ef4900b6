package pipeline

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"infoflow/internal/feed"
	logx "infoflow/pkg/logx"
)

// FingerprintSet is the dedup memory. It must answer "seen before?" and
// record new fingerprints; boundedness is the implementation's concern.
type FingerprintSet interface {
	Seen(fp string) bool
	Add(fp string)
	Len() int
}

// lruSet bounds the dedup memory: when full, the least recently seen
// fingerprints age out and their events may be re-admitted. For feeds this
// trades a rare duplicate (absorbed by the persist upsert anyway) for a
// fixed memory ceiling.
type lruSet struct {
	c *lru.Cache[string, struct{}]
}

// NewLRUSet returns a bounded fingerprint set. size < 1 falls back to 4096.
func NewLRUSet(size int) FingerprintSet {
	if size < 1 {
		size = 4096
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		// Only reachable with a non-positive size, which is guarded above.
		panic(fmt.Sprintf("lru.New(%d): %v", size, err))
	}
	return &lruSet{c: c}
}

func (s *lruSet) Seen(fp string) bool { _, ok := s.c.Get(fp); return ok }
func (s *lruSet) Add(fp string)       { s.c.Add(fp, struct{}{}) }
func (s *lruSet) Len() int            { return s.c.Len() }

// DedupStage drops events whose fingerprint has been seen before. The set
// lives for the process lifetime, so a source re-fetching the same items on
// its next scheduled run contributes nothing downstream.
type DedupStage struct {
	log  logx.Logger
	seen FingerprintSet
}

func NewDedupStage(seen FingerprintSet, log logx.Logger) *DedupStage {
	if seen == nil {
		seen = NewLRUSet(0)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DedupStage{log: log, seen: seen}
}

func (s *DedupStage) Name() string { return "dedup" }

func (s *DedupStage) Process(ctx context.Context, events []feed.RawEvent) ([]feed.RawEvent, error) {
	_ = ctx
	out := events[:0:0]
	dropped := 0
	for _, e := range events {
		fp := Fingerprint(e)
		if s.seen.Seen(fp) {
			dropped++
			continue
		}
		s.seen.Add(fp)
		out = append(out, e)
	}
	if dropped > 0 {
		s.log.Debug("duplicates dropped", logx.Int("dropped", dropped), logx.Int("kept", len(out)))
	}
	return out, nil
}

// Fingerprint derives a stable identifier for an event: the platform post id
// when present, else the URL, else a hash of the raw payload.
func Fingerprint(e feed.RawEvent) string {
	if pid := e.PostID(); pid != "" {
		return e.Source + "|pid:" + pid
	}
	if url := e.URL(); url != "" {
		return e.Source + "|url:" + url
	}
	return e.Source + "|sha:" + contentHash(e.Raw)
}

func contentHash(raw map[string]any) string {
	// json.Marshal sorts map keys, so equal payloads hash equally.
	b, err := json.Marshal(raw)
	if err != nil {
		b = []byte(fmt.Sprint(raw))
	}
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
