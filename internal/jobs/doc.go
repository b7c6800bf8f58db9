// Package jobs implements the durable job scheduler.
//
// Jobs are persisted rows keyed by name; callbacks are resolved late through
// the Registry so a job can outlive a restart and reattach to its function.
// The claim (a single conditional UPDATE on state) is the only concurrency
// primitive: at most one execution of a job is in flight at any time.
//
// Execution modes:
//   - immediate: the callback runs synchronously right after the claim.
//   - normal: the claim only marks the job queued; a single sequential
//     drainer picks queued jobs up oldest-first, one at a time.
//
// Recurring jobs with catch_up set have their most recent missed cron
// occurrence executed once at Init() after downtime.
package jobs
