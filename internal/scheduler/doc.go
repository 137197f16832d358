// Package scheduler drives recurring background tasks for every tenant hosted
// in the process.
//
// # Overview
//
// A control loop periodically snapshots the running tenant shells, discovers
// each tenant's registered task implementations, and fires a task when its
// cron schedule next elapses. Per (tenant, task) bookkeeping lives in a
// concurrent registry of scheduler entries; each entry carries the task's
// settings, a small state machine (idle/running/faulted/disabled) and the
// reference time its cadence is computed from.
//
// # Schedules
//
// Schedules are standard 5-field cron expressions (minute, hour, day-of-month,
// month, day-of-week), evaluated in UTC. Descriptors ("@hourly") and seconds
// fields are not accepted. An unparseable schedule faults the entry until its
// settings change.
//
// # Concurrency
//
// Tenants fan out onto a bounded worker pool; tasks within one tenant run
// sequentially so two tasks never collide in the tenant's service scope. A
// given (tenant, task) never has two runs in flight. External callers interact
// through the management API (Update, Command, snapshot getters), which is
// safe to use concurrently with the loop and only ever returns clones.
//
// # Lifecycle
//
// The loop idles until the host reports at least one running tenant, then
// ticks at most every PollingTime. An update signal (management API, config
// reload, released shell) cuts the inter-tick wait short. Cancellation of the
// Start context stops the loop after the in-flight task invocations drain.
package scheduler
