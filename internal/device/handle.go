package device

import "io"

// Handle is the minimal device handle surface the retry layer and engine
// components need. The real implementation (LinuxHandle) wraps an *os.File
// opened direct+sync+large-file+read-write; the fake implementation in
// internal/device/testing implements the same interface over memory, for
// tests that must inject disconnects and bad sectors without real
// hardware.
//
// Per the data model, a Handle's identity as "the device under test" is
// established by the identity buffers, never by Path -- Path may change
// across a reconnect (e.g. /dev/sdb -> /dev/sdc).
type Handle interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Path returns the current filesystem path this handle was opened
	// from. Informational only.
	Path() string
}

// Opener opens a candidate block device for identity comparison
// (read-only) or for testing (read-write, direct+sync).
type Opener interface {
	OpenReadOnly(path string) (Handle, error)
	OpenReadWrite(path string) (Handle, error)
	Geometry(h Handle) (Geometry, error)
}
