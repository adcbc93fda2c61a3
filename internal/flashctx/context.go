// Package flashctx defines the engine context object: a single struct
// holding everything the capacity probe, block-size probe, performance
// probe, endurance loop, and state persistence layer all need, passed by
// reference through each in turn.
//
// Grounded on original_source/device_testing_context.h: the reference
// implementation keeps device_info_type, capacity_test_info_type,
// performance_test_info_type, and endurance_test_info_type as fields of one
// context threaded through every phase, rather than having each phase
// return a fresh, larger state object. The teacher's own
// conf.MenderConfig/store.Store-by-reference wiring (device.DeviceManager
// holds *conf.MenderConfig and store.Store for its whole lifetime rather
// than copying them phase to phase) is the idiomatic Go analog adopted
// here: one struct, passed by pointer, its fields filled in as each phase
// of main.go / internal/orchestrator runs.
package flashctx

import (
	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/mendersoftware/flashburn/internal/sectormap"
	"github.com/mendersoftware/flashburn/internal/state"
)

// Context is the engine's global, process-scoped state. There is exactly
// one Context per run; it is never copied by value after construction
// (every component that needs it takes *Context).
type Context struct {
	// DeviceUUID identifies this device across restarts and
	// disconnect/reconnect cycles, persisted in the state document.
	DeviceUUID string

	// Geometry is filled in by the enumerator (component 4) and refined
	// by the capacity probe (component 6): PhysicalSize starts equal to
	// ReportedSize and is narrowed once the capacity probe runs.
	Geometry device.Geometry

	// BlockSize is the request size the endurance loop issues, chosen by
	// the block-size probe (component 7) or, if that probe is skipped,
	// derived from Geometry as SectorSize * MaxSectorsPerRequest.
	BlockSize uint64

	// Seed is S0, the run's initial RNG seed, chosen once at the start of
	// a fresh run. It is not part of the persisted state: LoadState leaves
	// it unchanged, so a resumed run keeps whatever value it had before.
	Seed uint32

	// Speeds holds the four measured performance figures from the
	// performance probe (component 8), persisted for reporting only -- no component
	// reads them back to make a decision.
	Speeds state.Speeds

	// Slot is the mutable device-handle holder the retry layer updates
	// in place across a disconnect/reconnect or reset.
	Slot *device.Slot

	// Retrier implements the escalating recovery policy every I/O
	// issued by the endurance loop (and nothing before round 0) goes
	// through.
	Retrier *device.Retrier

	// SectorMap and Identity are the two pieces of durable per-device
	// state that mutate on nearly every write: which logical sectors
	// have ever failed, and the BOD/MOD snapshots used to recognize this
	// device again after it disappears.
	SectorMap *sectormap.Map
	Identity  *identity.Buffers

	// RoundsCompleted, BytesRead, BytesWritten, and the three threshold
	// markers mirror internal/endurance.Engine's own counters; the
	// orchestrator keeps them here too so the stats emitter and
	// telemetry shipper can read them without reaching into the engine
	// directly, and so they survive being rebuilt from a resumed
	// state.State.
	RoundsCompleted uint64
	BytesRead       uint64
	BytesWritten    uint64

	FirstFailureRound             *uint64
	TenPercentFailureRound        *uint64
	TwentyFivePercentFailureRound *uint64

	// Options is the subset of CLI flags worth persisting and worth
	// every component being able to see without threading them through
	// individually.
	Options state.ProgramOptions

	Log *logrus.Entry
}

// New creates an empty Context with a ready-to-use Log entry. Every other
// field is filled in by the orchestrator as each phase of the run
// completes.
func New(log *logrus.Entry) *Context {
	return &Context{Log: log}
}

// LoadState copies a resumed state.State into the context, restoring
// everything a prior run had discovered or accumulated. The caller is
// expected to still run the phases that have not yet completed (tracked
// separately by the orchestrator, not by Context itself).
func (c *Context) LoadState(s state.State) {
	c.DeviceUUID = s.DeviceUUID
	c.Geometry = s.Geometry
	c.BlockSize = s.BlockSize
	c.Speeds = s.Speeds
	c.Options = s.ProgramOptions
	c.SectorMap = s.SectorMap
	id := s.Identity
	c.Identity = &id
	c.RoundsCompleted = s.RoundsCompleted
	c.BytesRead = s.BytesRead
	c.BytesWritten = s.BytesWritten
	c.FirstFailureRound = s.FirstFailureRound
	c.TenPercentFailureRound = s.TenPercentFailureRound
	c.TwentyFivePercentFailureRound = s.TwentyFivePercentFailureRound
}

// Snapshot builds a state.State from the context's current fields, the
// form internal/state.Save writes to disk. Called at every round boundary
// and whenever BOD/MOD mutate, per spec.md §4.10.
func (c *Context) Snapshot() state.State {
	var identityCopy identity.Buffers
	if c.Identity != nil {
		identityCopy = *c.Identity
	}
	return state.State{
		DeviceUUID:                    c.DeviceUUID,
		Geometry:                      c.Geometry,
		BlockSize:                     c.BlockSize,
		Speeds:                        c.Speeds,
		ProgramOptions:                c.Options,
		SectorMap:                     c.SectorMap,
		Identity:                      identityCopy,
		RoundsCompleted:               c.RoundsCompleted,
		BytesRead:                     c.BytesRead,
		BytesWritten:                  c.BytesWritten,
		FirstFailureRound:             c.FirstFailureRound,
		TenPercentFailureRound:        c.TenPercentFailureRound,
		TwentyFivePercentFailureRound: c.TwentyFivePercentFailureRound,
	}
}
