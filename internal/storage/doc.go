// Package storage persists the two durable data sets of the aggregator:
//
//   - Execution state: one row per (source, param_key) job recording when it
//     last ran, so schedules resume across restarts instead of starting over.
//   - Items: the deduplicated events themselves, upserted by
//     (source, identifier).
//
// Two drivers share the Store interface: a dependency-free file backend
// (JSON Lines journal + periodic snapshot) and an optional SQLite backend
// behind the "sqlite" build tag.
package storage
