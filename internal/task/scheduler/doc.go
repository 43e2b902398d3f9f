// Package scheduler turns schedule definitions (cron, interval, one-shot)
// into trigger times and enqueues a task into the engine on every trigger.
// It never runs work itself.
package scheduler
