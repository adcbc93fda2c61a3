// Package blocksize implements the optimal-block-size probe: a timed
// sweep across power-of-two request sizes used to pick the smallest block
// size that reaches the device's throughput plateau.
package blocksize

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/rng"
)

// sweepSizes are the 18 powers of two from 512 B to 64 MiB, per spec.md
// §4.8.
var sweepSizes = func() []uint64 {
	sizes := make([]uint64, 0, 18)
	for s := uint64(512); s <= 64<<20; s <<= 1 {
		sizes = append(sizes, s)
	}
	return sizes
}()

// burstSize is the amount written per sweep iteration, per spec.md §4.8.
const burstSize = 256 << 20

// plateauMargin is the minimum relative improvement over the previous best
// needed to keep enlarging the block size, per spec.md §4.8.
const plateauMargin = 0.05

// Writer is the minimal I/O surface the probe needs. Probe runs before
// round 0, so it writes directly rather than through the retriable I/O
// layer, matching the capacity probe's treatment of §4.6.
type Writer interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Clock abstracts wall-clock timing so tests can fake throughput without
// waiting in real time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock, backed by time.Now.
var SystemClock Clock = systemClock{}

// Result is one admitted size's measured throughput.
type Result struct {
	BlockSize       uint64
	BytesPerSecond  float64
}

// Probe sweeps sweepSizes, skipping any size below g's sector size and any
// size whose sector count exceeds g.MaxSectorsPerRequest, and returns the
// selected optimal block size plus the full per-size measurement trace.
func Probe(ctx context.Context, w Writer, g device.Geometry, seed uint32, clock Clock, log *logrus.Entry) (uint64, []Result, error) {
	if clock == nil {
		clock = SystemClock
	}

	var trace []Result
	var best uint64
	var bestRate float64

	for i, size := range sweepSizes {
		if err := ctxErr(ctx); err != nil {
			return 0, trace, err
		}
		if !admitted(size, g) {
			continue
		}

		gen := rng.New(seed + uint32(i)) // reseed per iteration: no cache reuse across sizes
		buf := make([]byte, burstSize)
		gen.Fill(buf)

		rate, err := timedSequentialWrite(w, buf, size, clock)
		if err != nil {
			return 0, trace, err
		}
		trace = append(trace, Result{BlockSize: size, BytesPerSecond: rate})

		if best == 0 || rate > bestRate*(1+plateauMargin) {
			best = size
			bestRate = rate
		}
	}

	if best == 0 {
		log.Warn("block size probe: no admitted sizes, falling back to sector size")
		best = uint64(g.SectorSize)
	}
	return best, trace, nil
}

// admitted reports whether size is within [sectorSize, maxBytesPerRequest].
func admitted(size uint64, g device.Geometry) bool {
	if size < uint64(g.SectorSize) {
		return false
	}
	if g.MaxSectorsPerRequest > 0 {
		maxBytes := uint64(g.MaxSectorsPerRequest) * uint64(g.SectorSize)
		if size > maxBytes {
			return false
		}
	}
	return true
}

// timedSequentialWrite writes buf sequentially from offset 0 in chunks of
// blockSize, timing the whole burst, and returns bytes/second.
func timedSequentialWrite(w Writer, buf []byte, blockSize uint64, clock Clock) (float64, error) {
	start := clock.Now()
	var off int64
	for pos := uint64(0); pos < uint64(len(buf)); pos += blockSize {
		end := pos + blockSize
		if end > uint64(len(buf)) {
			end = uint64(len(buf))
		}
		n, err := w.WriteAt(buf[pos:end], off)
		if err != nil {
			return 0, err
		}
		off += int64(n)
	}
	elapsed := clock.Now().Sub(start)
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}
	return float64(len(buf)) / elapsed.Seconds(), nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
