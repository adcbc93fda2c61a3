package testing

import (
	"errors"
	"sync"

	"github.com/mendersoftware/flashburn/internal/device"
)

var errSimulatedIO = errors.New("fake device: simulated I/O error")

// busEntry is one device as currently known to the bus: which disk backs
// it, its path and (major, minor), and whether it's currently plugged in.
type busEntry struct {
	disk    *FakeDisk
	path    string
	major   uint32
	minor   uint32
	present bool
}

// Bus is a simulated collection of block devices, implementing
// device.Lister, device.Opener, and device.Resetter so tests can exercise
// the enumerator, reconnect watcher, and retry layer without real
// hardware.
type Bus struct {
	mu      sync.Mutex
	entries map[string]*busEntry
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{entries: map[string]*busEntry{}}
}

// Attach adds disk to the bus at path with the given device number,
// present from the start.
func (b *Bus) Attach(path string, major, minor uint32, disk *FakeDisk) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[path] = &busEntry{disk: disk, path: path, major: major, minor: minor, present: true}
}

// Disconnect marks the device at path as absent (simulating unplug): it
// stops appearing in List results entirely, matching a real device node
// vanishing from /sys/block.
func (b *Bus) Disconnect(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[path]; ok {
		e.present = false
	}
}

// Reconnect marks the device as present again, optionally under a new
// path (simulating the device re-enumerating under a different node,
// e.g. /dev/sdb -> /dev/sdc).
func (b *Bus) Reconnect(oldPath, newPath string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[oldPath]
	if !ok {
		return
	}
	delete(b.entries, oldPath)
	e.path = newPath
	e.present = true
	b.entries[newPath] = e
}

// List implements device.Lister.
func (b *Bus) List() ([]device.Candidate, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []device.Candidate
	for _, e := range b.entries {
		if !e.present {
			// A disconnected device simply doesn't show up in
			// enumeration, matching /sys/block on a real unplug.
			continue
		}
		out = append(out, device.Candidate{
			Path:         e.path,
			Major:        e.major,
			Minor:        e.minor,
			ReportedSize: e.disk.Size(),
		})
	}
	return out, nil
}

// OpenReadOnly implements device.Opener.
func (b *Bus) OpenReadOnly(path string) (device.Handle, error) {
	return b.open(path)
}

// OpenReadWrite implements device.Opener. The fake backend makes no
// read-only/read-write distinction.
func (b *Bus) OpenReadWrite(path string) (device.Handle, error) {
	return b.open(path)
}

func (b *Bus) open(path string) (device.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[path]
	if !ok || !e.present {
		return nil, errNoSuchDevice
	}
	return &FakeHandle{disk: e.disk, path: path}, nil
}

// Geometry implements device.Opener.
func (b *Bus) Geometry(h device.Handle) (device.Geometry, error) {
	fh, ok := h.(*FakeHandle)
	if !ok {
		return device.Geometry{}, errNotFakeHandle
	}
	return device.Geometry{
		SectorSize:           fh.disk.SectorSize(),
		ReportedSize:         fh.disk.Size(),
		PhysicalSize:         fh.disk.Size(),
		MaxSectorsPerRequest: 256,
	}, nil
}

// CanReset implements device.Resetter: every simulated device supports
// reset, and Reset() counts it on the backing disk for test assertions.
func (b *Bus) CanReset(major, minor uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.major == major && e.minor == minor {
			return true
		}
	}
	return false
}

// Reset implements device.Resetter.
func (b *Bus) Reset(major, minor uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.entries {
		if e.major == major && e.minor == minor {
			e.disk.bumpReset()
			return nil
		}
	}
	return errNoSuchDevice
}

var (
	errNoSuchDevice  = errors.New("fake bus: no such device")
	errNotFakeHandle = errors.New("fake bus: handle is not a *FakeHandle")
)

var (
	_ device.Lister   = (*Bus)(nil)
	_ device.Opener   = (*Bus)(nil)
	_ device.Resetter = (*Bus)(nil)
)
