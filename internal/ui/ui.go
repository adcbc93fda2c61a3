// Package ui implements the progress / curses UI collaborator (spec.md §1,
// §6): the core never renders anything itself, it only reports progress
// ticks and round summaries through the Collaborator interface. Full
// curses rendering is out of scope; this package provides the two
// in-scope analogs: a plain dot-per-32-KiB writer for --no-curses, and a
// determinate progress bar for the probes.
package ui

// RoundSummary is what the engine reports at a round boundary, for display
// rather than for the telemetry shipper (internal/telemetry.RoundSummary is
// the persisted-elsewhere twin of this, with the same counters plus a
// timestamp and the device UUID).
type RoundSummary struct {
	Round        uint64
	BytesWritten uint64
	BytesRead    uint64
	BadSectors   uint64
	AbortReason  string
}

// Collaborator is the external UI surface the engine drives. The
// orchestrator reports each probe as a single step (current 0 of total 1,
// then 1 of 1); the endurance loop reports only round summaries.
type Collaborator interface {
	ReportProgress(label string, current, total int64)
	ReportRoundSummary(RoundSummary)
}
