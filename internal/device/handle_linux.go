//go:build linux

package device

import (
	"os"

	"golang.org/x/sys/unix"
)

// LinuxHandle wraps an *os.File opened against a Linux block device with
// direct, synchronous, large-file, read/write semantics, matching the
// external-interfaces contract in SPEC_FULL.md §6.
type LinuxHandle struct {
	f    *os.File
	path string
}

// OpenLinux opens path with O_DIRECT|O_SYNC, read-write when writable is
// true and read-only otherwise. Some filesystems/drivers (notably a
// handful of USB mass-storage bridges) don't support O_DIRECT, so if that
// open fails OpenLinux tries once more without O_DIRECT.
func OpenLinux(path string, writable bool) (*LinuxHandle, error) {
	flags := os.O_SYNC
	if writable {
		flags |= os.O_RDWR
	} else {
		flags |= os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags|unix.O_DIRECT, 0)
	if err != nil {
		// Retry without O_DIRECT: some block backends (loopback files
		// used in tests, certain USB bridges) reject it outright.
		f, err = os.OpenFile(path, flags, 0)
		if err != nil {
			return nil, err
		}
	}
	return &LinuxHandle{f: f, path: path}, nil
}

func (h *LinuxHandle) ReadAt(p []byte, off int64) (int, error)  { return h.f.ReadAt(p, off) }
func (h *LinuxHandle) WriteAt(p []byte, off int64) (int, error) { return h.f.WriteAt(p, off) }
func (h *LinuxHandle) Close() error                             { return h.f.Close() }
func (h *LinuxHandle) Path() string                             { return h.path }

// File exposes the underlying *os.File for ioctl-based geometry discovery.
func (h *LinuxHandle) File() *os.File { return h.f }

// LinuxOpener implements Opener against real Linux block devices.
type LinuxOpener struct{}

func (LinuxOpener) OpenReadOnly(path string) (Handle, error)  { return OpenLinux(path, false) }
func (LinuxOpener) OpenReadWrite(path string) (Handle, error) { return OpenLinux(path, true) }

func (LinuxOpener) Geometry(h Handle) (Geometry, error) {
	lh, ok := h.(*LinuxHandle)
	if !ok {
		return Geometry{}, errNotLinuxHandle
	}
	return discoverGeometryLinux(lh.f)
}
