// Package scheduler implements the time-driven task dispatcher.
//
// Tasks sit in a min-heap ordered by trigger time (submission order breaks
// ties). A single dispatch loop peeks the earliest entry and either pops and
// dispatches it, or sleeps until it is due. The sleep is a race between a
// timer and a wake signal, so submitting an earlier-due task while the loop
// sleeps preempts the wait immediately; an idle loop costs nothing.
//
// Dispatched executions run in their own goroutines, gated by a lazily
// created per-source semaphore sized to the consumer's concurrency limit, so
// a slow source never blocks the loop or other sources. Stop halts new
// dispatches and waits for the loop to exit; in-flight executions run to
// completion.
package scheduler
