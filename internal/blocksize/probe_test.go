package blocksize_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/blocksize"
	"github.com/mendersoftware/flashburn/internal/device"
	fakedevice "github.com/mendersoftware/flashburn/internal/device/testing"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return logrus.NewEntry(l)
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeClock replays a fixed sequence of timestamps, letting a test dictate
// exactly how long each iteration of the sweep "took" without any real
// waiting.
type fakeClock struct {
	times []time.Time
	idx   int
}

func newFakeClockFromRates(burstSize uint64, rates []float64) *fakeClock {
	cur := time.Unix(0, 0)
	var times []time.Time
	for _, rate := range rates {
		times = append(times, cur)
		elapsed := time.Duration(float64(time.Second) * (float64(burstSize) / rate))
		cur = cur.Add(elapsed)
		times = append(times, cur)
	}
	return &fakeClock{times: times}
}

func (c *fakeClock) Now() time.Time {
	t := c.times[c.idx]
	c.idx++
	return t
}

func TestProbeSelectsPlateauBlockSize(t *testing.T) {
	disk := fakedevice.NewFakeDisk(1<<30, 512)
	bus := fakedevice.NewBus()
	bus.Attach("/dev/sda", 8, 0, disk)
	h, err := bus.OpenReadWrite("/dev/sda")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	// 18 rates, one per swept size (512B .. 64MiB): climbs steeply, plateaus
	// at index 5 (block size 16384), then never improves by more than 5%
	// again.
	rates := []float64{
		10, 12, 20, 20.5, 21, 25,
		25.5, 25.8, 25.0, 24, 23, 22,
		21, 20, 19, 18, 17, 16,
	}
	clock := newFakeClockFromRates(256<<20, rates)

	g := device.Geometry{SectorSize: 512, ReportedSize: disk.Size(), MaxSectorsPerRequest: 1 << 20}

	best, trace, err := blocksize.Probe(context.Background(), h, g, 1, clock, discardLog())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if best != 16384 {
		t.Fatalf("best = %d, want 16384", best)
	}
	if len(trace) != len(rates) {
		t.Fatalf("len(trace) = %d, want %d", len(trace), len(rates))
	}
}

func TestProbeSkipsSizesBelowSectorSize(t *testing.T) {
	disk := fakedevice.NewFakeDisk(1<<20, 4096)
	bus := fakedevice.NewBus()
	bus.Attach("/dev/sda", 8, 0, disk)
	h, err := bus.OpenReadWrite("/dev/sda")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	g := device.Geometry{SectorSize: 4096, ReportedSize: disk.Size(), MaxSectorsPerRequest: 16}

	// Admitted sizes: 4096 (1 sector) through 65536 (16 sectors) -- the
	// sector size sets the floor and 16 sectors * 4096 = 64KiB the cap.
	rates := make([]float64, 0)
	for size := uint64(512); size <= 64<<20; size <<= 1 {
		if size < 4096 {
			continue
		}
		if size > 16*4096 {
			continue
		}
		rates = append(rates, 10)
	}
	clock := newFakeClockFromRates(256<<20, rates)

	_, trace, err := blocksize.Probe(context.Background(), h, g, 1, clock, discardLog())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if len(trace) != len(rates) {
		t.Fatalf("len(trace) = %d, want %d (admitted sizes only)", len(trace), len(rates))
	}
	for _, r := range trace {
		if r.BlockSize < 4096 || r.BlockSize > 16*4096 {
			t.Fatalf("admitted size %d outside [4096, %d]", r.BlockSize, 16*4096)
		}
	}
}
