// Package perf implements the fixed-duration sequential and random
// read/write benchmarks used to populate the persisted performance fields.
// No speed-tier classification is made from the results.
package perf

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/device"
	"github.com/mendersoftware/flashburn/internal/rng"
)

// randomIOSize is the fixed transfer size used for the random-access
// phases, 4 KiB, matching the original device speed test's random I/O
// granularity regardless of the device's optimal sequential block size.
const randomIOSize = 4096

// DefaultDuration is how long each of the four phases runs.
const DefaultDuration = 30 * time.Second

// ReadWriter is the minimal I/O surface the probe needs.
type ReadWriter interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
}

// Clock abstracts wall-clock timing so tests can bound phase length
// deterministically instead of waiting DefaultDuration in real time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock.
var SystemClock Clock = systemClock{}

// Result holds the four measured rates, matching the persisted
// performance_test_info fields.
type Result struct {
	SequentialReadBytesPerSec  float64
	SequentialWriteBytesPerSec float64
	RandomReadIOPS             float64
	RandomWriteIOPS            float64
}

// Probe runs the four fixed-duration phases in sequential-read,
// sequential-write, random-read, random-write order, matching the
// original's rd/wr loop nesting.
func Probe(ctx context.Context, rw ReadWriter, g device.Geometry, blockSize uint64, duration time.Duration, seed uint32, clock Clock, log *logrus.Entry) (Result, error) {
	if clock == nil {
		clock = SystemClock
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	if blockSize < 4096 {
		blockSize = 4096
	}

	var res Result
	var err error

	wrap := g.ReportedSize
	if wrap == 0 {
		wrap = uint64(blockSize)
	}

	res.SequentialReadBytesPerSec, err = sequentialPhase(ctx, rw, blockSize, wrap, duration, seed, clock, false)
	if err != nil {
		return Result{}, err
	}
	res.SequentialWriteBytesPerSec, err = sequentialPhase(ctx, rw, blockSize, wrap, duration, seed+1, clock, true)
	if err != nil {
		return Result{}, err
	}
	res.RandomReadIOPS, err = randomPhase(ctx, rw, g, duration, seed+2, clock, false)
	if err != nil {
		return Result{}, err
	}
	res.RandomWriteIOPS, err = randomPhase(ctx, rw, g, duration, seed+3, clock, true)
	if err != nil {
		return Result{}, err
	}

	log.WithFields(logrus.Fields{
		"sequential_read_bps":  res.SequentialReadBytesPerSec,
		"sequential_write_bps": res.SequentialWriteBytesPerSec,
		"random_read_iops":     res.RandomReadIOPS,
		"random_write_iops":    res.RandomWriteIOPS,
	}).Info("performance probe complete")

	return res, nil
}

// sequentialPhase performs blockSize-sized reads or writes from offset 0
// onward for duration, wrapping back to 0 before running past wrapAt, and
// returning bytes/second.
func sequentialPhase(ctx context.Context, rw ReadWriter, blockSize, wrapAt uint64, duration time.Duration, seed uint32, clock Clock, write bool) (float64, error) {
	gen := rng.New(seed) // payload contents are never verified here, unlike the endurance loop
	buf := make([]byte, blockSize)

	start := clock.Now()
	var off uint64
	var totalBytes uint64

	for clock.Now().Sub(start) < duration {
		if err := ctxErr(ctx); err != nil {
			return 0, err
		}
		if off+blockSize > wrapAt {
			off = 0
		}
		var err error
		if write {
			gen.Fill(buf)
			_, err = rw.WriteAt(buf, int64(off))
		} else {
			_, err = rw.ReadAt(buf, int64(off))
		}
		if err != nil {
			return 0, err
		}
		off += blockSize
		totalBytes += blockSize
	}

	secs := clock.Now().Sub(start).Seconds()
	if secs <= 0 {
		secs = duration.Seconds()
	}
	return float64(totalBytes) / secs, nil
}

// randomPhase performs fixed-size (randomIOSize) reads or writes at random
// 4 KiB-aligned offsets for duration, returning IOPS.
func randomPhase(ctx context.Context, rw ReadWriter, g device.Geometry, duration time.Duration, seed uint32, clock Clock, write bool) (float64, error) {
	gen := rng.New(seed)
	buf := make([]byte, randomIOSize)

	numSlots := g.PhysicalSize / randomIOSize
	if numSlots == 0 {
		numSlots = 1
	}

	start := clock.Now()
	var ops uint64

	for clock.Now().Sub(start) < duration {
		if err := ctxErr(ctx); err != nil {
			return 0, err
		}
		slot := uint64(gen.Next()) % numSlots
		off := int64(slot * randomIOSize)

		var err error
		if write {
			gen.Fill(buf)
			_, err = rw.WriteAt(buf, off)
		} else {
			_, err = rw.ReadAt(buf, off)
		}
		if err != nil {
			return 0, err
		}
		ops++
	}

	secs := clock.Now().Sub(start).Seconds()
	if secs <= 0 {
		secs = duration.Seconds()
	}
	return float64(ops) / secs, nil
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
