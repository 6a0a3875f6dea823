// Package engine runs one job body at a time on the caller's goroutine.
//
// A Runner converts panics into errors, applies a per-job timeout, retries
// failures with capped exponential backoff (off by default), records a
// bounded run history and publishes task.started / task.finished /
// task.failed events. It never lets a job failure escape as a panic, so the
// scheduler loop that calls it keeps running.
package engine
