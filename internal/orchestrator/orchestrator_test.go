package orchestrator_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mendersoftware/flashburn/internal/endurance"
	"github.com/mendersoftware/flashburn/internal/orchestrator"
	fakedevice "github.com/mendersoftware/flashburn/internal/device/testing"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// TestRunStopsOnContextCancel exercises the whole fresh-run
// path (open, skip capacity probe, derive block size, measure performance,
// run rounds) against a small fully-healthy disk, and asserts it
// terminates for a reason other than 50%-failure within a bounded number
// of rounds -- the disk never fails so it won't hit that either; instead
// we cancel the context after a short, round-bounded period and expect a
// clean operator-abort.
func TestRunStopsOnContextCancel(t *testing.T) {
	bus := fakedevice.NewBus()
	disk := fakedevice.NewFakeDisk(4<<20, 512)
	bus.Attach("/dev/fake0", 8, 0, disk)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := orchestrator.Config{
		DevicePath:   "/dev/fake0",
		ForceSectors: disk.Size() / 512,
		PerfDuration: time.Millisecond,
		Lister:       bus,
		Opener:       bus,
		Resetter:     bus,
		Log:          quietLog(),
	}

	abort, err := orchestrator.Run(ctx, cfg)
	assert.Equal(t, endurance.AbortOperatorRequest, abort)
	require.Error(t, err)
}

func TestRunPersistsStateAcrossResume(t *testing.T) {
	bus := fakedevice.NewBus()
	disk := fakedevice.NewFakeDisk(4<<20, 512)
	bus.Attach("/dev/fake0", 8, 0, disk)

	dir := t.TempDir()
	stateFile := filepath.Join(dir, "flashburn.state")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	cfg := orchestrator.Config{
		DevicePath:   "/dev/fake0",
		ForceSectors: disk.Size() / 512,
		PerfDuration: time.Millisecond,
		StateFile:    stateFile,
		Lister:       bus,
		Opener:       bus,
		Resetter:     bus,
		Log:          quietLog(),
	}

	_, err := orchestrator.Run(ctx, cfg)
	require.Error(t, err) // context cancellation, not a real failure

	// A second run against the same state file should resume rather
	// than re-running the probes, and should not error out just because
	// a state file already exists.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	_, err = orchestrator.Run(ctx2, cfg)
	require.Error(t, err)
}
