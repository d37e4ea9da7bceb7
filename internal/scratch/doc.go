// Package scratch manages the per-entry working directories under the
// configured scratch root.
package scratch
