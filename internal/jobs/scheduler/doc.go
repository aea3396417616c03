// Package scheduler drains the in-memory job registry on a fixed interval.
//
// # Cycles
//
// Every tick runs one dispatch cycle: the pending jobs are snapshotted oldest
// first and executed one after another on the cycle goroutine. Jobs enqueued
// while a cycle runs are picked up by the next one.
//
// A cycle is single-flight. The cron entry is wrapped in SkipIfStillRunning and
// RunOnce is guarded by an atomic flag, so a tick that fires while a cycle is
// still running is dropped and counted in Snapshot().SkippedTicks.
//
// # Failures
//
// A job whose kind has no handler is failed straight from pending. A handler
// error or panic fails the job with the error text. There are no retries on this
// path; work that must survive failures belongs on the durable task queue.
//
// # Lifecycle
//
// Start and Stop are idempotent and may be toggled at runtime (config hot
// reload). Stop waits for an in-flight cycle, bounded by its context.
package scheduler
