// Package producer turns cron schedules into work on a tick loop.
//
// Each job fires on its schedule, enqueues a built-in action onto the loop and
// logs the future's outcome. A job whose previous item is still queued or
// running skips the trigger.
package producer
