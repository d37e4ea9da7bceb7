// Package metastore is the typed client for the relational metadata store.
//
// It opens either an embedded SQLite database (modernc.org/sqlite) or a
// PostgreSQL database through pgx's database/sql driver, applies the embedded
// per-dialect migrations, and exposes the tables the pipeline reads and writes:
// datasets, derived artifacts, and the append-only log. The queue package
// builds its compare-and-swap transitions on top of the Exec/QueryRow/InTx
// helpers here, which rebind placeholders for the active dialect and retry on
// lock contention.
//
// Timestamps are stored as fixed-width UTC text so lexical comparison in SQL
// matches chronological order on both backends.
package metastore
