// Package feed defines the raw event unit produced by collectors.
//
// A RawEvent lives for exactly one pipeline run: it is produced inside a
// consumer's Execute call, flows through the processing stages, and is
// discarded. Only the persist stage's output survives, keyed by the event's
// stable identifier.
package feed

import (
	"fmt"
	"time"
)

// RawEvent is one freshly captured, unprocessed unit of content.
//
// Raw holds the platform's original/semi-structured payload; no early
// normalization happens here. Events marked Debug are never persisted.
type RawEvent struct {
	Source    string
	Raw       map[string]any
	FetchedAt time.Time
	Debug     bool
}

// New builds a RawEvent stamped with the current time.
func New(source string, raw map[string]any) RawEvent {
	return RawEvent{Source: source, Raw: raw, FetchedAt: time.Now().UTC()}
}

// PostID returns the stable per-event identifier, if the payload carries one.
func (e RawEvent) PostID() string {
	return stringField(e.Raw, "post_id")
}

// URL returns the payload's link field, if present.
func (e RawEvent) URL() string {
	return stringField(e.Raw, "url")
}

// Title returns the payload's title field, if present.
func (e RawEvent) Title() string {
	return stringField(e.Raw, "title")
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
