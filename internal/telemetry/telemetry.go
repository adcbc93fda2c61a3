// Package telemetry implements the optional SQL telemetry shipper (spec.md
// §1, §6): a collaborator the engine pushes one RoundSummary into at every
// round boundary. The core only ever depends on the Sink interface --
// never on *SQLSink or any driver package -- so a run with no telemetry
// configured costs nothing beyond a NopSink.
package telemetry

import (
	"context"
	"time"
)

// RoundSummary is what the engine reports at the end of each round.
type RoundSummary struct {
	Timestamp       time.Time
	DeviceUUID      string
	Round           uint64
	BytesWritten    uint64
	BytesRead       uint64
	BadSectors      uint64
	AbortReason     string // empty while the run is still going
}

// Sink records round summaries somewhere durable outside the process.
type Sink interface {
	Record(ctx context.Context, s RoundSummary) error
	Close() error
}

// NopSink discards every summary. It is the default when no telemetry
// backend is configured.
type NopSink struct{}

func (NopSink) Record(context.Context, RoundSummary) error { return nil }
func (NopSink) Close() error                                { return nil }
