// Package scheduler runs registered jobs on daily HH:MM triggers and on
// demand ("run now").
//
// All job bodies execute sequentially on a single background loop. The loop
// is demand-driven: it is spawned when there is a daily entry or a queued
// instant task, holds the runner guard while alive, and exits (releasing the
// guard) as soon as both sets are empty. Loop exit and loop spawn decisions
// are taken under Service.mu together with queue/entry mutations, so an
// enqueue can never be stranded by a concurrently exiting loop.
package scheduler
