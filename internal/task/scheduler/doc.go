// Package scheduler is the in-process deferred-execution scheduler.
//
// It arms one-shot wake-ups keyed by job id and hosts periodic schedules
// (cron or fixed interval). It never executes work itself: when a trigger
// fires, a task is queued on the engine.
package scheduler
