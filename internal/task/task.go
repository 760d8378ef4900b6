// Package task defines the scheduling unit, the consumer contract, and the
// consumer registry.
package task

import (
	"time"

	"github.com/google/uuid"
)

// Task is the smallest unit the scheduler dispatches.
//
// Every consumer shares this one type. A Task carries its own identity, the
// name of the consumer that will execute it, an argument bag opaque to the
// scheduler, and an absolute trigger time. Tasks are one-shot: once
// dispatched they are discarded, and periodic behavior is realized by
// submitting the next occurrence (see the adapter package).
type Task struct {
	ID        string
	Source    string
	Args      map[string]any
	TriggerAt time.Time
}

// New builds a Task with a fresh ID. A zero triggerAt means "now".
// Trigger times are always normalized to UTC so heap ordering compares a
// single absolute reference.
func New(source string, args map[string]any, triggerAt time.Time) Task {
	if args == nil {
		args = map[string]any{}
	}
	if triggerAt.IsZero() {
		triggerAt = time.Now()
	}
	return Task{
		ID:        uuid.NewString(),
		Source:    source,
		Args:      args,
		TriggerAt: triggerAt.UTC(),
	}
}

// ToMap renders the task as a plain mapping for logging or persistence.
func (t Task) ToMap() map[string]any {
	return map[string]any{
		"id":         t.ID,
		"source":     t.Source,
		"args":       t.Args,
		"trigger_at": t.TriggerAt.Format(time.RFC3339Nano),
	}
}

// FromMap restores a Task from a mapping produced by ToMap.
func FromMap(m map[string]any) (Task, error) {
	t := Task{}
	if v, ok := m["id"].(string); ok {
		t.ID = v
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if v, ok := m["source"].(string); ok {
		t.Source = v
	}
	if v, ok := m["args"].(map[string]any); ok {
		t.Args = v
	} else {
		t.Args = map[string]any{}
	}
	if v, ok := m["trigger_at"].(string); ok {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Task{}, err
		}
		t.TriggerAt = at.UTC()
	} else {
		t.TriggerAt = time.Now().UTC()
	}
	return t, nil
}

func (t Task) String() string {
	id := t.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "task(" + id + " " + t.Source + ")"
}
