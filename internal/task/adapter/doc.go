// Package adapter glues consumers, the scheduler and the execution state
// store into resumable periodic jobs.
//
// Each configured (source, param) pair is one logical job. Periodicity is a
// self-perpetuating chain of one-shot tasks: a run's completion submits the
// next occurrence, and the trigger time of the first occurrence after a
// restart is computed from the durable execution state, so schedules resume
// where they left off instead of starting over.
//
// Only quota-exceeded outcomes get a retry (delayed catch-up task with
// exponential backoff, never touching the periodic state). Generic failures
// are not retried; the job simply continues at its next occurrence.
package adapter
