package device

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Tier escalation limits, per spec.md §4.6.
const (
	MaxOpRetries    = 5
	MaxResetRetries = 5
)

// Outcome is the result variant returned by a retriable operation, replacing
// the boolean out-parameter the reference implementation threads through
// every write call (see SPEC_FULL.md / Design Notes §9).
type Outcome int

const (
	// OutcomeOK: the operation succeeded, first try or after in-tier retry.
	OutcomeOK Outcome = iota
	// OutcomeRecovered: the device was lost and successfully reconnected
	// mid-operation. The caller must restart whatever unit of work (a
	// write-phase slice) was in flight; a read-verify phase instead just
	// continues, since already-verified sectors remain correct.
	OutcomeRecovered
	// OutcomeSectorError: every recovery tier available was exhausted
	// (or unavailable) while the device remained present; this is a
	// permanent, sector-scoped failure. The handle is still valid. The
	// caller should mark the sector bad and move on.
	OutcomeSectorError
	// OutcomeFatal: the operation cannot be recovered at all (round-0
	// error, or reconnect/reset exhausted with no path forward). The
	// caller must abort with a reason.
	OutcomeFatal
)

// Slot is the mutable device-handle holder the retry layer updates in
// place on recovery -- the explicit out-parameter design notes call for,
// in place of the source's boolean flag threaded through every call site.
type Slot struct {
	Handle Handle
	Major  uint32
	Minor  uint32
	Path   string
}

// Retrier implements the three-tier op-retry / device-reset / reconnect
// escalation policy of spec.md §4.6.
type Retrier struct {
	Lister   Lister
	Opener   Opener
	Resetter Resetter // optional; nil means reset tier is unavailable
	Params   SearchParams

	// RoundsCompleted reports the engine's current round counter. Per
	// §4.6, recovery (any tier) is only permitted once at least one
	// round has completed -- before that, BOD/MOD don't yet reflect
	// committed data and identity cannot be trusted.
	RoundsCompleted func() uint64

	Log *logrus.Entry
}

// Resetter performs a bus-level reset (e.g. USB unbind/rebind) on a device
// identified by (major, minor).
type Resetter interface {
	CanReset(major, minor uint32) bool
	Reset(major, minor uint32) error
}

// Write performs a retriable positional write through slot, escalating
// through op-retry, device-reset, and reconnect tiers as needed.
func (r *Retrier) Write(ctx context.Context, slot *Slot, off uint64, data []byte) (Outcome, error) {
	return r.do(ctx, slot, func() (int, error) {
		return slot.Handle.WriteAt(data, int64(off))
	})
}

// Read performs a retriable positional read through slot.
func (r *Retrier) Read(ctx context.Context, slot *Slot, off uint64, data []byte) (Outcome, error) {
	return r.do(ctx, slot, func() (int, error) {
		return slot.Handle.ReadAt(data, int64(off))
	})
}

func (r *Retrier) do(ctx context.Context, slot *Slot, op func() (int, error)) (Outcome, error) {
	roundZero := r.RoundsCompleted() == 0
	recoveredOnce := false
	opRetries := 0
	resetRetries := 0

	for {
		if r.deviceAbsent(slot) {
			if roundZero {
				return OutcomeFatal, ErrRoundZeroFatal
			}
			if err := r.reconnect(ctx, slot); err != nil {
				return OutcomeFatal, err
			}
			recoveredOnce = true
			opRetries = 0
			continue
		}

		_, err := op()
		if err == nil {
			if recoveredOnce {
				return OutcomeRecovered, nil
			}
			return OutcomeOK, nil
		}

		if roundZero {
			return OutcomeFatal, err
		}

		opRetries++
		if opRetries < MaxOpRetries {
			continue
		}

		if r.Resetter != nil && r.Resetter.CanReset(slot.Major, slot.Minor) && resetRetries < MaxResetRetries {
			resetRetries++
			if rErr := r.Resetter.Reset(slot.Major, slot.Minor); rErr != nil {
				r.Log.WithError(rErr).Warn("bus reset failed")
			}
			found, findErr := FindDevice(r.Lister, r.Opener, r.Params, r.Log)
			if findErr != nil {
				return OutcomeFatal, findErr
			}
			slot.Handle.Close()
			slot.Handle = found.Handle
			slot.Major = found.Major
			slot.Minor = found.Minor
			slot.Path = found.Path
			opRetries = 0
			recoveredOnce = true
			continue
		}

		// Every available recovery tier is exhausted (or reset is
		// unsupported) while the device is still present: this is a
		// permanent, sector-scoped failure.
		return OutcomeSectorError, err
	}
}

// deviceAbsent reports whether the device appears to have disconnected:
// its path no longer shows up among present candidates, or its reported
// size has dropped to zero.
func (r *Retrier) deviceAbsent(slot *Slot) bool {
	candidates, err := r.Lister.List()
	if err != nil {
		return false
	}
	for _, c := range candidates {
		if c.Path == slot.Path {
			return c.ReportedSize == 0
		}
	}
	return true
}

func (r *Retrier) reconnect(ctx context.Context, slot *Slot) error {
	slot.Handle.Close()
	found, err := WaitForReconnect(ctx, r.Lister, r.Opener, r.Params, r.Log)
	if err != nil {
		return err
	}
	slot.Handle = found.Handle
	slot.Major = found.Major
	slot.Minor = found.Minor
	slot.Path = found.Path
	return nil
}
