package endurance

import (
	"bytes"
	"context"
	"math/rand"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/rng"
)

// writePhase performs the write half of one round: a fresh permutation of
// slices, each written sequentially with a payload regenerated from
// slice_seed(round, slice).
func (e *Engine) writePhase(ctx context.Context, source *rand.Rand) (AbortReason, error) {
	perm := newPermutation(source)
	for k := 0; k < NumSlices; k++ {
		if abort, err := e.writeSlice(ctx, perm[k]); abort != AbortNone {
			return abort, err
		}
	}
	return AbortNone, nil
}

// writeSlice writes slice in full, restarting from its beginning (same seed,
// same bounds, not re-shuffling, not advancing k) every time the retrier
// reports a disconnect-recovery mid-slice, per spec.md §4.9 step 3.
func (e *Engine) writeSlice(ctx context.Context, slice int) (AbortReason, error) {
	for {
		recovered, abort, err := e.writeSliceOnce(ctx, slice)
		if abort != AbortNone {
			return abort, err
		}
		if !recovered {
			return AbortNone, nil
		}
		e.Log.WithField("slice", slice).Info("write phase: restarting slice after reconnect")
	}
}

func (e *Engine) writeSliceOnce(ctx context.Context, slice int) (recovered bool, abort AbortReason, err error) {
	seed := rng.SliceSeed(e.Seed, e.RoundsCompleted, slice)
	gen := rng.New(seed)

	startSector, endSector := e.sliceBounds(slice)
	sectorSize := uint64(e.Geometry.SectorSize)
	sector := startSector
	off := startSector * sectorSize
	endOff := endSector * sectorSize

	for off < endOff {
		if cErr := ctxErr(ctx); cErr != nil {
			return false, AbortOperatorRequest, cErr
		}

		blockLen := e.blockLenAt(off, endOff)
		buf := make([]byte, blockLen)
		gen.Fill(buf)

		outcome, wErr := e.Retrier.Write(ctx, e.Slot, off, buf)
		switch outcome {
		case device.OutcomeRecovered:
			return true, AbortNone, nil
		case device.OutcomeSectorError:
			e.SectorMap.MarkBad(sector)
			off += sectorSize
			sector++
			continue
		case device.OutcomeFatal:
			return false, AbortWriteError, wErr
		}

		blockSectors := blockLen / sectorSize
		e.SectorMap.MarkWritten(sector, blockSectors)
		e.BytesWritten += blockLen

		if e.Identity.MirrorWrite(off, buf, e.Geometry.PhysicalSize) && e.Saver != nil {
			if sErr := e.Saver.Save(); sErr != nil {
				e.Log.WithError(sErr).Warn("state save failed after identity buffer mutation")
			}
		}

		off += blockLen
		sector += blockSectors
	}
	return false, AbortNone, nil
}

// readVerifyPhase performs the read-verify half of one round: a fresh
// permutation, each slice read and compared against the regenerated
// expected payload.
func (e *Engine) readVerifyPhase(ctx context.Context, source *rand.Rand) (AbortReason, error) {
	perm := newPermutation(source)
	for k := 0; k < NumSlices; k++ {
		if abort, err := e.readVerifySlice(ctx, perm[k]); abort != AbortNone {
			return abort, err
		}
	}
	return AbortNone, nil
}

// readVerifySlice reads slice in full. Unlike the write phase, a
// reconnect-recovery mid-slice does not restart the slice -- already-read
// sectors verified correctly and remain correct -- it simply re-seeks and
// continues at the current offset, per spec.md §4.9's read-verify phase.
func (e *Engine) readVerifySlice(ctx context.Context, slice int) (AbortReason, error) {
	seed := rng.SliceSeed(e.Seed, e.RoundsCompleted, slice)
	gen := rng.New(seed)

	startSector, endSector := e.sliceBounds(slice)
	sectorSize := uint64(e.Geometry.SectorSize)
	sector := startSector
	off := startSector * sectorSize
	endOff := endSector * sectorSize

	for off < endOff {
		if cErr := ctxErr(ctx); cErr != nil {
			return AbortOperatorRequest, cErr
		}

		blockLen := e.blockLenAt(off, endOff)
		expected := make([]byte, blockLen)
		gen.Fill(expected)
		actual := make([]byte, blockLen)

		outcome, rErr := e.Retrier.Read(ctx, e.Slot, off, actual)
		switch outcome {
		case device.OutcomeSectorError:
			e.SectorMap.MarkBad(sector)
			off += sectorSize
			sector++
			continue
		case device.OutcomeFatal:
			return AbortReadError, rErr
		}
		// OutcomeOK or OutcomeRecovered both fall through here: a
		// reconnect during read resumes at the current offset rather
		// than restarting the slice.

		blockSectors := blockLen / sectorSize
		e.SectorMap.MarkRead(sector, blockSectors)
		e.BytesRead += blockLen
		e.verifyBlock(sector, sectorSize, expected, actual)

		off += blockLen
		sector += blockSectors
	}
	return AbortNone, nil
}

// verifyBlock compares expected against actual at sector granularity,
// marking mismatching sectors bad and counting previously-bad sectors that
// now verify correctly toward the round's good_this_round counter.
func (e *Engine) verifyBlock(startSector, sectorSize uint64, expected, actual []byte) {
	for lo := uint64(0); lo < uint64(len(expected)); lo += sectorSize {
		hi := lo + sectorSize
		if hi > uint64(len(expected)) {
			hi = uint64(len(expected))
		}
		sector := startSector + lo/sectorSize

		if bytes.Equal(expected[lo:hi], actual[lo:hi]) {
			e.SectorMap.MarkGoodThisRound(sector)
			continue
		}

		if isAllZero(actual[lo:hi]) {
			e.Log.WithField("sector", sector).Warn("verify mismatch: sector read back all-zero")
		}
		e.SectorMap.MarkBad(sector)
	}
}

func isAllZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
