// Package capacity implements the bisecting capacity probe that discovers
// a device's real writable size, exposing "fake flash" media whose
// advertised capacity exceeds what it can actually store.
package capacity

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/rng"
)

const (
	sliceSize       = 4 << 20  // 4 MiB, per spec.md §4.7 stage 1
	numSpreadSlices = 9
	bisectPayload   = 36 << 20 // 36 MiB write burst in stage 2
	bisectReadback  = 16 << 20 // 4x4 MiB reads
	bisectFloor     = 32 << 20 // stop bisecting once (high-low) <= this
)

// Writer is the minimal surface the probe needs: positional writes and
// reads on the open device handle. The probe runs before round 0, so any
// I/O failure here is reported to the caller rather than retried through
// device.Retrier -- per spec.md §4.6, recovery is only permitted once
// rounds_completed >= 1.
type Writer interface {
	WriteAt(p []byte, off int64) (int, error)
	ReadAt(p []byte, off int64) (int, error)
}

// Result is the outcome of Probe.
type Result struct {
	PhysicalSize uint64
	FakeFlash    bool
	// FirstSectorUnstable is set when slice 0 itself failed to verify at
	// offset 0 -- the probe could not establish any reliable capacity and
	// the caller must fall back to the reported size, per spec.md §4.7.
	FirstSectorUnstable bool
}

// Probe implements spec.md §4.7: a two-stage bisecting write-read-verify
// probe. g describes the device as enumerated (ReportedSize/SectorSize);
// the probe writes and reads directly through h, which must already be the
// open read-write device handle.
func Probe(ctx context.Context, h Writer, g device.Geometry, seed uint32, log *logrus.Entry) (Result, error) {
	sectorSize := uint64(g.SectorSize)
	numLogical := g.NumLogicalSectors()
	sliceSectors := uint64(sliceSize) / sectorSize

	if numLogical < sliceSectors*2 {
		// Device too small for the spread layout; trust the reported size
		// outright rather than attempting a probe that cannot fit.
		return Result{PhysicalSize: g.ReportedSize}, nil
	}

	offsets := spreadOffsets(numLogical, sliceSectors, numSpreadSlices)

	gen := rng.New(seed)
	payloads := make([][]byte, numSpreadSlices)
	for i := range payloads {
		payloads[i] = make([]byte, sliceSize)
		gen.Fill(payloads[i])
	}

	// Write last-to-first to evict any read-ahead/write-behind caching
	// that might otherwise make a late slice falsely appear to verify.
	for i := numSpreadSlices - 1; i >= 0; i-- {
		if err := ctxErr(ctx); err != nil {
			return Result{}, err
		}
		off := int64(offsets[i] * sectorSize)
		if _, err := h.WriteAt(payloads[i], off); err != nil {
			return Result{}, err
		}
	}

	for i := 0; i < numSpreadSlices; i++ {
		if err := ctxErr(ctx); err != nil {
			return Result{}, err
		}
		off := int64(offsets[i] * sectorSize)
		readBack := make([]byte, sliceSize)
		if _, err := h.ReadAt(readBack, off); err != nil {
			return Result{}, err
		}

		mismatch, found := firstMismatchOffset(payloads[i], readBack, sectorSize)
		if !found {
			continue // this slice verified in full
		}

		if i == 0 {
			if mismatch == 0 {
				log.Warn("capacity probe: first sector unstable, falling back to reported size")
				return Result{FirstSectorUnstable: true, PhysicalSize: g.ReportedSize}, nil
			}
			return sizeResult(offsets[i]*sectorSize+mismatch, g.ReportedSize), nil
		}

		if mismatch == 0 {
			low := offsets[i-1] + sliceSectors
			high := offsets[i]
			return bisect(ctx, h, g, seed, low, high, log)
		}
		return sizeResult(offsets[i]*sectorSize+mismatch, g.ReportedSize), nil
	}

	// All nine slices verified in full.
	return Result{PhysicalSize: g.ReportedSize}, nil
}

// bisect implements stage 2: narrow [low, high) sector bounds until the
// gap is within bisectFloor, refining on the first mismatch exactly as
// stage 1 does.
func bisect(ctx context.Context, h Writer, g device.Geometry, seed uint32, low, high uint64, log *logrus.Entry) (Result, error) {
	sectorSize := uint64(g.SectorSize)
	payloadSectors := uint64(bisectPayload) / sectorSize
	readbackSectors := uint64(bisectReadback) / sectorSize

	floorSectors := uint64(bisectFloor) / sectorSize
	for high-low > floorSectors {
		if err := ctxErr(ctx); err != nil {
			return Result{}, err
		}

		cur := low + (high-low)/2
		gen := rng.New(seed + uint32(cur)) // distinct payload per bisection step
		payload := make([]byte, payloadSectors*sectorSize)
		gen.Fill(payload)

		off := int64(cur * sectorSize)
		if _, err := h.WriteAt(payload, off); err != nil {
			return Result{}, err
		}

		readBack := make([]byte, readbackSectors*sectorSize)
		if _, err := h.ReadAt(readBack, off); err != nil {
			return Result{}, err
		}

		mismatch, found := firstMismatchOffset(payload[:len(readBack)], readBack, sectorSize)
		if !found {
			low = cur
		} else if mismatch == 0 {
			high = cur
		} else {
			return sizeResult(cur*sectorSize+mismatch, g.ReportedSize), nil
		}
	}

	// Final confirmation pass at cur = low, per spec.md §4.7: "repeat one
	// last time from cur = low and return low*S when no mismatch remains".
	gen := rng.New(seed + uint32(low))
	payload := make([]byte, payloadSectors*sectorSize)
	gen.Fill(payload)
	off := int64(low * sectorSize)
	if _, err := h.WriteAt(payload, off); err != nil {
		return Result{}, err
	}
	readBack := make([]byte, readbackSectors*sectorSize)
	if _, err := h.ReadAt(readBack, off); err != nil {
		return Result{}, err
	}
	if mismatch, found := firstMismatchOffset(payload[:len(readBack)], readBack, sectorSize); found {
		return sizeResult(low*sectorSize+mismatch, g.ReportedSize), nil
	}
	return sizeResult(low*sectorSize, g.ReportedSize), nil
}

func sizeResult(physicalSize, reportedSize uint64) Result {
	return Result{
		PhysicalSize: physicalSize,
		FakeFlash:    physicalSize < reportedSize,
	}
}

// firstMismatchOffset compares want and got sector by sector and returns
// the byte offset, relative to the start of the compared region, of the
// first sector that differs.
func firstMismatchOffset(want, got []byte, sectorSize uint64) (offset uint64, found bool) {
	n := uint64(len(want))
	if uint64(len(got)) < n {
		n = uint64(len(got))
	}
	for off := uint64(0); off < n; off += sectorSize {
		end := off + sectorSize
		if end > n {
			end = n
		}
		if !bytes.Equal(want[off:end], got[off:end]) {
			return off, true
		}
	}
	return 0, false
}

// spreadOffsets computes the nine stage-1 slice start sectors: slice 0 at
// the very start, slice numSlices-1 at the very end (aligned so it still
// spans sliceSectors sectors), and the rest at evenly-spaced positions
// through the remaining range, sector-aligned and non-overlapping.
func spreadOffsets(numLogical, sliceSectors uint64, numSlices int) []uint64 {
	offsets := make([]uint64, numSlices)
	offsets[0] = 0
	offsets[numSlices-1] = numLogical - sliceSectors

	span := offsets[numSlices-1] - sliceSectors // range available to interior slices
	interior := numSlices - 2
	partition := span / uint64(interior+1)

	for i := 1; i <= interior; i++ {
		pos := partition * uint64(i)
		// Align to the slice boundary so successive slices cannot overlap.
		pos -= pos % sliceSectors
		offsets[i] = pos
	}
	return offsets
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
