// Package queue owns the lifecycle of pipeline work items.
//
// Every status change is a conditional update against the metadata store:
// a claim succeeds only if the row is still pending, and completion or failure
// succeed only while the caller still holds the claim token it was issued.
// Workers on separate hosts therefore coordinate through the database alone,
// with no in-process locks.
//
// Positions come from a counter row incremented in the same transaction that
// inserts the entry, so they are unique, strictly increasing with enqueue
// order, and never reused. PositionOf derives a submitter's rank from those
// stored positions on every read.
//
// Crashed workers are recovered only by ReleaseStale, which treats a claim
// older than the stale timeout as a failed attempt.
package queue
