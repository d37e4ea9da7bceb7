// Package daemon coordinates the long-running worker process.
//
// It wires configuration, the metadata store, the queue, and the workflow
// manager into a single lifecycle with flock-based locking so one host never
// runs two workers under the same identity. The daemon runs preflight checks
// at startup, exposes queue maintenance helpers for the CLI, and serves the
// read-only status API (plus /metrics when enabled).
//
// Keep orchestration logic here: pipeline steps live in their own packages
// while the daemon focuses on startup, shutdown, and high level coordination.
package daemon
