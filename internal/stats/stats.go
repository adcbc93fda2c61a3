// Package stats implements the optional stats emitters (spec.md §6): a flat
// CSV file, ticked at --stats-interval, and an optional websocket live-push
// mode for a local dashboard. Both consume the same Snapshot and Writer
// interface, so the orchestrator picks an implementation from the
// --stats-file value without the engine ever knowing which one is wired in.
package stats

import (
	"strings"
	"time"
)

// Snapshot is the cumulative-counter state at one stats tick.
type Snapshot struct {
	Timestamp       time.Time
	RoundsCompleted uint64
	BytesWritten    uint64
	BytesRead       uint64
	BadSectors      uint64
}

// Writer emits one stats tick. Implementations must tolerate being called
// at most once per --stats-interval; Close flushes and releases any
// underlying resource.
type Writer interface {
	Write(Snapshot) error
	Close() error
}

// NewWriter picks the Writer implementation for the --stats-file value: a
// "ws://host:port" address starts a live-push websocket server, anything
// else is treated as a CSV file path.
func NewWriter(statsFile string) (Writer, error) {
	if addr, ok := strings.CutPrefix(statsFile, "ws://"); ok {
		return NewLiveWriter(addr)
	}
	return NewCSVWriter(statsFile)
}

// counters tracks the previous tick's cumulative values so each Write call
// can compute deltas and per-second rates, mirroring the original program's
// stats_file_counters_type bookkeeping (spec.md §6 lists only the column
// names, not this bookkeeping, but it is needed to produce them).
type counters struct {
	have            bool
	lastTime        time.Time
	lastBytesWrit   uint64
	lastBytesRead   uint64
	lastBadSectors  uint64
}

// row is the fully computed per-tick record, shared by both Writer
// implementations so CSV and live-push stay in lockstep on column meaning.
type row struct {
	Snapshot
	DeltaBytesWritten uint64
	WriteRate         float64
	DeltaBytesRead    uint64
	ReadRate          float64
	DeltaBadSectors   uint64
	BadSectorRate     float64
}

func (c *counters) tick(s Snapshot) row {
	r := row{Snapshot: s}
	if !c.have {
		c.have = true
		c.lastTime = s.Timestamp
		c.lastBytesWrit = s.BytesWritten
		c.lastBytesRead = s.BytesRead
		c.lastBadSectors = s.BadSectors
		return r
	}

	elapsed := s.Timestamp.Sub(c.lastTime).Seconds()
	r.DeltaBytesWritten = s.BytesWritten - c.lastBytesWrit
	r.DeltaBytesRead = s.BytesRead - c.lastBytesRead
	r.DeltaBadSectors = s.BadSectors - c.lastBadSectors
	if elapsed > 0 {
		r.WriteRate = float64(r.DeltaBytesWritten) / elapsed
		r.ReadRate = float64(r.DeltaBytesRead) / elapsed
		r.BadSectorRate = float64(r.DeltaBadSectors) / elapsed
	}

	c.lastTime = s.Timestamp
	c.lastBytesWrit = s.BytesWritten
	c.lastBytesRead = s.BytesRead
	c.lastBadSectors = s.BadSectors
	return r
}
