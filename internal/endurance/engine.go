// Package endurance implements the core round-based write/verify loop
// (spec.md §4.9): the per-round 16-slice shuffled write phase and shuffled
// read-verify phase that drive every other component (RNG, sector map,
// identity buffers, the retriable I/O layer) until a termination predicate
// fires.
package endurance

import (
	"context"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/mendersoftware/flashburn/internal/sectormap"
)

// NumSlices is the fixed number of slices a device is divided into, per
// spec.md §4.9.
const NumSlices = 16

// AbortReason classifies why the round loop stopped, per spec.md §4.9's
// termination list plus the operator-cancel reason §5 adds.
type AbortReason int

const (
	// AbortNone means the loop is still running (or stopped cleanly via
	// the 50%-failure predicate, which is reported as
	// AbortFiftyPercentFailure, never AbortNone, once Run returns).
	AbortNone AbortReason = iota
	AbortReadError
	AbortWriteError
	AbortSeekError
	AbortFiftyPercentFailure
	AbortDeviceRemoved
	// AbortOperatorRequest is additive to spec.md §4.9's five reasons,
	// per §5's cooperative-cancellation contract.
	AbortOperatorRequest
)

func (a AbortReason) String() string {
	switch a {
	case AbortReadError:
		return "read-error"
	case AbortWriteError:
		return "write-error"
	case AbortSeekError:
		return "seek-error"
	case AbortFiftyPercentFailure:
		return "fifty-percent-failure"
	case AbortDeviceRemoved:
		return "device-removed"
	case AbortOperatorRequest:
		return "operator-request"
	default:
		return "none"
	}
}

// Saver persists the engine's durable state. Run calls it at every round
// boundary and the write phase calls it whenever a BOD/MOD mutation occurs,
// per spec.md §4.9/§4.10. A save failure is logged, never fatal to the
// loop -- state persistence is best-effort crash resumability, not a
// correctness requirement of any single run.
type Saver interface {
	Save() error
}

// Engine owns everything the round loop needs: the device geometry and
// handle slot, the sector map, the identity buffers, and the running
// counters that make up the persisted state's "progress" fields.
type Engine struct {
	Geometry  device.Geometry
	BlockSize uint64
	Seed      uint32 // S0, the run's initial RNG seed

	Retrier *device.Retrier
	Slot    *device.Slot

	SectorMap *sectormap.Map
	Identity  *identity.Buffers

	Saver Saver

	RoundsCompleted uint64
	BytesRead       uint64
	BytesWritten    uint64

	FirstFailureRound             *uint64
	TenPercentFailureRound        *uint64
	TwentyFivePercentFailureRound *uint64

	Log *logrus.Entry
}

// Run drives round after round until the 50%-failure termination predicate
// fires or a fatal, unrecoverable error occurs.
func (e *Engine) Run(ctx context.Context) (AbortReason, error) {
	for {
		abort, err := e.RunRound(ctx)
		if abort != AbortNone {
			return abort, err
		}
	}
}

// RunRound executes exactly one round: write phase, read-verify phase,
// round-end bookkeeping, and a state save. It returns AbortNone if the loop
// should keep going, or the reason it should stop (including
// AbortFiftyPercentFailure, the ordinary termination condition, which is
// not itself an error). The per-round sector flags and GoodThisRound are
// cleared at the start of the round, so after RunRound returns they still
// describe the round that just finished.
func (e *Engine) RunRound(ctx context.Context) (AbortReason, error) {
	perm := rand.New(rand.NewSource(int64(e.Seed) + int64(e.RoundsCompleted) + 1))
	e.SectorMap.ResetPerRoundFlags()

	if abort, err := e.writePhase(ctx, perm); abort != AbortNone {
		return abort, err
	}
	if abort, err := e.readVerifyPhase(ctx, perm); abort != AbortNone {
		return abort, err
	}

	e.endRound()
	if e.Saver != nil {
		if err := e.Saver.Save(); err != nil {
			e.Log.WithError(err).Warn("state save failed at round boundary")
		}
	}

	if e.SectorMap.CountBad() >= e.Geometry.NumLogicalSectors()/2 {
		return AbortFiftyPercentFailure, nil
	}
	if cErr := ctxErr(ctx); cErr != nil {
		return AbortOperatorRequest, cErr
	}
	return AbortNone, nil
}

// endRound runs the round-bookkeeping steps from spec.md §4.9: record each
// threshold crossing exactly once and advance the round counter.
func (e *Engine) endRound() {
	numBad := e.SectorMap.CountBad()
	numLogical := e.Geometry.NumLogicalSectors()
	round := e.RoundsCompleted

	if e.FirstFailureRound == nil && numBad > 0 {
		r := round
		e.FirstFailureRound = &r
	}
	if e.TenPercentFailureRound == nil && numLogical > 0 && numBad*10 >= numLogical {
		r := round
		e.TenPercentFailureRound = &r
	}
	if e.TwentyFivePercentFailureRound == nil && numLogical > 0 && numBad*4 >= numLogical {
		r := round
		e.TwentyFivePercentFailureRound = &r
	}

	e.RoundsCompleted++
}

// sliceBounds returns the [start, end) logical-sector range slice covers.
// Per Design Notes §9's N_L/N_P unification, the endurance loop divides the
// device's *physical* sector count (N_P) into NumSlices, never touching
// sectors beyond the capacity probe's detected size; slice NumSlices-1 is
// extended to the exact end rather than truncated by integer division.
func (e *Engine) sliceBounds(slice int) (start, end uint64) {
	n := e.Geometry.NumPhysicalSectors()
	base := n / NumSlices
	start = base * uint64(slice)
	if slice == NumSlices-1 {
		end = n
	} else {
		end = base * uint64(slice+1)
	}
	return start, end
}

// blockLenAt returns how many bytes the next I/O at byte offset off within
// [off, endOff) should cover: BlockSize, or less at the slice's tail.
func (e *Engine) blockLenAt(off, endOff uint64) uint64 {
	if off+e.BlockSize > endOff {
		return endOff - off
	}
	return e.BlockSize
}

// newPermutation draws a uniform random permutation of {0..NumSlices-1}
// from r, per spec.md §4.9's π_w / π_r.
func newPermutation(r *rand.Rand) [NumSlices]int {
	var p [NumSlices]int
	for i := range p {
		p[i] = i
	}
	r.Shuffle(NumSlices, func(i, j int) { p[i], p[j] = p[j], p[i] })
	return p
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
