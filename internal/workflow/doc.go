// Package workflow runs the pipeline orchestrator: it claims queue entries,
// drives each through the configured stage handlers, and reports the outcome
// back to the queue.
//
// Responsibilities:
//   - Poll the queue for work with an idle backoff, waking early on notify
//     events when Redis is configured.
//   - Bound concurrent entries by workers.max_in_flight and each stage by its
//     pool (convert or transfer).
//   - Commit derived artifacts in the same transaction that completes the
//     claim, so a worker that lost its claim cannot record results.
//   - Route stage failures to queue.Fail, which applies the retry policy.
//   - Sweep stale claims on an interval; this is the only crash recovery.
//   - Persist a log entry for every stage transition and failure.
//
// Entries in flight when the manager stops are abandoned to the stale sweep.
package workflow
