// Package services defines shared utilities consumed by the pipeline stage
// handlers and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp queue entry IDs, dataset IDs, stage names,
//     worker identities, and correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper. Each marker carries a
//     classification (permanent, transient, user) that the queue uses to
//     decide between retry and dead-lettering.
//
// Use these helpers when wiring new stage logic so failure handling stays
// uniform across the pipeline.
package services
