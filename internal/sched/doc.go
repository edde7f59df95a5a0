// Package sched runs one periodic job with timeout enforcement, bounded
// retry, and running statistics, independent of what the job does.
//
// A Scheduler owns a single cron trigger. Each tick spawns the retrying
// execution loop fire-and-forget so the trigger's own timer is never
// blocked. There is no mutual exclusion between overlapping ticks; the
// per-run timeout bounds each run's lifetime and trigger intervals are
// expected to exceed worst-case run durations.
package sched
