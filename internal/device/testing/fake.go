// Package testing provides an in-memory block device harness used by
// every component's tests (capacity probe, block-size probe, endurance
// loop, enumerator) so they can run without real hardware, while still
// exercising disconnect/reconnect, bus reset, bad sectors, and fake-flash
// behavior end to end.
package testing

import (
	"sync"

	"github.com/mendersoftware/flashburn/internal/device"
)

// SectorBehavior controls how a FakeDisk responds to I/O at a given
// sector.
type SectorBehavior int

const (
	// SectorOK: normal read/write.
	SectorOK SectorBehavior = iota
	// SectorIOError: read or write at this sector returns an error, the
	// handle otherwise remains valid (a sector-level failure).
	SectorIOError
	// SectorWrongData: writes succeed, but reads return corrupted
	// (flipped) data -- simulates silent bit-rot / wear-out.
	SectorWrongData
)

// FakeDisk is the backing store for a simulated block device.
type FakeDisk struct {
	mu sync.Mutex

	data       []byte
	sectorSize uint32

	// writableLimit simulates "fake flash": writes at or past this byte
	// offset are accepted (no error) but silently dropped, so a
	// subsequent read returns whatever was there before (zero, for a
	// freshly created disk). Set to len(data) for a fully honest disk.
	writableLimit uint64

	behavior map[uint64]SectorBehavior // sector index -> behavior

	// resetCount/writeCount/readCount let tests assert on retry/reset
	// behavior without instrumenting the production code.
	resetCount int
	writeCount int
	readCount  int
}

// NewFakeDisk creates a disk of size bytes with the given sector size, no
// induced faults, and full write capacity (not fake flash).
func NewFakeDisk(size uint64, sectorSize uint32) *FakeDisk {
	return &FakeDisk{
		data:          make([]byte, size),
		sectorSize:    sectorSize,
		writableLimit: size,
		behavior:      map[uint64]SectorBehavior{},
	}
}

// SetFakeFlashLimit makes every byte at or past limit behave as if the
// media doesn't really have that capacity: writes there are accepted but
// never persisted.
func (d *FakeDisk) SetFakeFlashLimit(limit uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writableLimit = limit
}

// SetSectorBehavior configures how sector index behaves on subsequent I/O.
func (d *FakeDisk) SetSectorBehavior(sector uint64, b SectorBehavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behavior[sector] = b
}

func (d *FakeDisk) Size() uint64         { return uint64(len(d.data)) }
func (d *FakeDisk) SectorSize() uint32   { return d.sectorSize }
func (d *FakeDisk) ResetCount() int      { return d.resetCount }
func (d *FakeDisk) WriteCount() int      { return d.writeCount }
func (d *FakeDisk) ReadCount() int       { return d.readCount }
func (d *FakeDisk) bumpReset()           { d.resetCount++ }

func (d *FakeDisk) readAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readCount++

	if err := d.checkSectorBehaviorLocked(off, len(p), false); err != nil {
		return 0, err
	}

	n := copy(p, d.data[off:])
	// Corrupt the copy (not the backing store) for SectorWrongData sectors.
	d.corruptIfNeededLocked(p[:n], off)
	return n, nil
}

func (d *FakeDisk) writeAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeCount++

	if err := d.checkSectorBehaviorLocked(off, len(p), true); err != nil {
		return 0, err
	}

	end := uint64(off) + uint64(len(p))
	if uint64(off) >= d.writableLimit {
		// Entirely past the real capacity: accepted, dropped.
		return len(p), nil
	}
	if end > d.writableLimit {
		// Partially past the real capacity: only the leading part sticks.
		writable := d.writableLimit - uint64(off)
		copy(d.data[off:], p[:writable])
		return len(p), nil
	}
	copy(d.data[off:], p)
	return len(p), nil
}

func (d *FakeDisk) checkSectorBehaviorLocked(off int64, n int, isWrite bool) error {
	if d.sectorSize == 0 {
		return nil
	}
	first := uint64(off) / uint64(d.sectorSize)
	last := (uint64(off) + uint64(n) - 1) / uint64(d.sectorSize)
	for s := first; s <= last; s++ {
		if d.behavior[s] == SectorIOError {
			return errSimulatedIO
		}
	}
	return nil
}

func (d *FakeDisk) corruptIfNeededLocked(p []byte, off int64) {
	if d.sectorSize == 0 {
		return
	}
	for i := range p {
		sector := (uint64(off) + uint64(i)) / uint64(d.sectorSize)
		if d.behavior[sector] == SectorWrongData {
			p[i] ^= 0xFF
		}
	}
}

// FakeHandle implements device.Handle over a FakeDisk.
type FakeHandle struct {
	disk   *FakeDisk
	path   string
	closed bool
}

func (h *FakeHandle) ReadAt(p []byte, off int64) (int, error) {
	return h.disk.readAt(p, off)
}
func (h *FakeHandle) WriteAt(p []byte, off int64) (int, error) {
	return h.disk.writeAt(p, off)
}
func (h *FakeHandle) Close() error { h.closed = true; return nil }
func (h *FakeHandle) Path() string { return h.path }

var _ device.Handle = (*FakeHandle)(nil)
