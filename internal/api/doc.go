// Package api defines wire-format types and converters for the HTTP API and
// the CLI's JSON output. It translates queue entries, derived artifacts, and
// workflow diagnostics into transport-friendly DTOs so consumers never couple
// to internal types.
//
// # Key Types
//
// QueueEntry: transport representation of a queue entry, including its rank
// among active entries when known.
//
// EntryDetail: one entry with its dataset, artifacts, and persisted logs.
//
// WorkflowStatus: worker state, queue stats, stage health, and last entry.
//
// DaemonStatus: aggregated runtime information including dependencies.
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Statuses and artifact kinds are exposed as
// lowercase strings. Timestamps use RFC3339 with milliseconds. Artifact
// details are passed through as a JSON object.
package api
