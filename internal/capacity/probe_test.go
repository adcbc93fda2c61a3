package capacity_test

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mendersoftware/flashburn/internal/capacity"
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

const testDeviceSize = 256 << 20 // 256 MiB: large enough to exercise 9 spread slices + bisection

func TestProbeHonestDeviceReturnsReportedSize(t *testing.T) {
	disk := fakedevice.NewFakeDisk(testDeviceSize, 512)
	bus := fakedevice.NewBus()
	bus.Attach("/dev/sda", 8, 0, disk)
	h, err := bus.OpenReadWrite("/dev/sda")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	g := device.Geometry{SectorSize: 512, ReportedSize: disk.Size(), PhysicalSize: disk.Size()}

	res, err := capacity.Probe(context.Background(), h, g, 12345, discardLog())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if res.FakeFlash {
		t.Fatal("expected an honest device to not be reported as fake flash")
	}
	if res.PhysicalSize != disk.Size() {
		t.Fatalf("PhysicalSize = %d, want %d", res.PhysicalSize, disk.Size())
	}
}

func TestProbeFakeFlashDeviceBisects(t *testing.T) {
	disk := fakedevice.NewFakeDisk(testDeviceSize, 512)
	const writableLimit = 200 << 20 // 200 MiB real capacity behind a 256 MiB advertised size
	disk.SetFakeFlashLimit(writableLimit)

	bus := fakedevice.NewBus()
	bus.Attach("/dev/sda", 8, 0, disk)
	h, err := bus.OpenReadWrite("/dev/sda")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	g := device.Geometry{SectorSize: 512, ReportedSize: disk.Size(), PhysicalSize: disk.Size()}

	res, err := capacity.Probe(context.Background(), h, g, 12345, discardLog())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !res.FakeFlash {
		t.Fatal("expected fake-flash device to be detected")
	}
	if res.PhysicalSize > writableLimit {
		t.Fatalf("PhysicalSize = %d must not exceed the real writable limit %d", res.PhysicalSize, writableLimit)
	}
	// Property 7 (spec.md §8): v >= P' - 2*32MiB once bisection converges.
	const slack = 2 * (32 << 20)
	if res.PhysicalSize+slack < writableLimit {
		t.Fatalf("PhysicalSize = %d too far below the real limit %d (slack %d)", res.PhysicalSize, writableLimit, slack)
	}
}

func TestProbeFirstSectorUnstableFallsBackToReportedSize(t *testing.T) {
	disk := fakedevice.NewFakeDisk(testDeviceSize, 512)
	disk.SetSectorBehavior(0, fakedevice.SectorWrongData)

	bus := fakedevice.NewBus()
	bus.Attach("/dev/sda", 8, 0, disk)
	h, err := bus.OpenReadWrite("/dev/sda")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	g := device.Geometry{SectorSize: 512, ReportedSize: disk.Size(), PhysicalSize: disk.Size()}

	res, err := capacity.Probe(context.Background(), h, g, 12345, discardLog())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !res.FirstSectorUnstable {
		t.Fatal("expected FirstSectorUnstable when sector 0 itself fails to verify")
	}
	if res.PhysicalSize != disk.Size() {
		t.Fatalf("PhysicalSize = %d, want fallback to reported size %d", res.PhysicalSize, disk.Size())
	}
}
