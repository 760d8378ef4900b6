package pipeline

import (
	"context"
	"strings"
	"unicode/utf8"

	"infoflow/internal/feed"
)

// EnrichStage normalizes the fields the persist stage and readers rely on:
// it trims title/url whitespace, backfills a title from the first line of a
// "content" field, and lower-cases the URL scheme. Events pass through
// mutated, never dropped.
type EnrichStage struct{}

func NewEnrichStage() *EnrichStage { return &EnrichStage{} }

func (s *EnrichStage) Name() string { return "enrich" }

const maxDerivedTitle = 120

func (s *EnrichStage) Process(ctx context.Context, events []feed.RawEvent) ([]feed.RawEvent, error) {
	_ = ctx
	for i := range events {
		raw := events[i].Raw
		if raw == nil {
			continue
		}
		if t, ok := raw["title"].(string); ok {
			raw["title"] = strings.TrimSpace(t)
		}
		if u, ok := raw["url"].(string); ok {
			raw["url"] = normalizeURL(u)
		}
		if title, _ := raw["title"].(string); title == "" {
			if derived := deriveTitle(raw); derived != "" {
				raw["title"] = derived
			}
		}
	}
	return events, nil
}

func deriveTitle(raw map[string]any) string {
	content, _ := raw["content"].(string)
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if i := strings.IndexByte(content, '\n'); i >= 0 {
		content = strings.TrimSpace(content[:i])
	}
	if len(content) > maxDerivedTitle {
		cut := maxDerivedTitle
		// Back up to a rune boundary so the cut never leaves invalid UTF-8.
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}
	return content
}

func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	// Lower-case only the scheme; hosts are case-insensitive but query
	// strings are not, so a full lowering would corrupt identifiers.
	if i := strings.Index(u, "://"); i > 0 {
		u = strings.ToLower(u[:i]) + u[i:]
	}
	return u
}
