// Package device implements device geometry discovery, the block-device
// enumerator/reconnect watcher, and the retriable I/O layer that together
// let the endurance engine survive disconnects, bus resets, and transient
// I/O errors.
package device

import "github.com/pkg/errors"

// Geometry is the immutable-after-discovery description of a block device
// under test.
//
//   - SectorSize (S) is a power of two.
//   - ReportedSize (R) is what the kernel/bus reports.
//   - PhysicalSize (P) is the real usable capacity as determined by the
//     capacity probe (P <= R always).
//   - S divides both R and P.
type Geometry struct {
	SectorSize           uint32
	ReportedSize         uint64
	PhysicalSize         uint64
	MaxSectorsPerRequest uint32
}

// NumLogicalSectors returns N_L = R/S.
func (g Geometry) NumLogicalSectors() uint64 {
	return g.ReportedSize / uint64(g.SectorSize)
}

// NumPhysicalSectors returns N_P = P/S.
func (g Geometry) NumPhysicalSectors() uint64 {
	return g.PhysicalSize / uint64(g.SectorSize)
}

// Validate checks the DeviceGeometry invariants from the data model: sector
// size is a power of two and divides both the reported and physical sizes.
func (g Geometry) Validate() error {
	if g.SectorSize == 0 || g.SectorSize&(g.SectorSize-1) != 0 {
		return errors.Errorf("device: sector size %d is not a power of two", g.SectorSize)
	}
	if g.ReportedSize%uint64(g.SectorSize) != 0 {
		return errors.Errorf("device: reported size %d is not a multiple of sector size %d",
			g.ReportedSize, g.SectorSize)
	}
	if g.PhysicalSize > g.ReportedSize {
		return errors.Errorf("device: physical size %d exceeds reported size %d",
			g.PhysicalSize, g.ReportedSize)
	}
	if g.PhysicalSize%uint64(g.SectorSize) != 0 {
		return errors.Errorf("device: physical size %d is not a multiple of sector size %d",
			g.PhysicalSize, g.SectorSize)
	}
	return nil
}

// IsFakeFlash reports whether the probed physical size is less than the
// reported size -- the device advertises more capacity than it truly has.
func (g Geometry) IsFakeFlash() bool {
	return g.PhysicalSize < g.ReportedSize
}

// OptimalBlockSizeValid checks the OptimalBlockSize invariants: a power of
// two, S <= B <= min(R, 64MiB), and B/S <= max sectors per request.
func (g Geometry) OptimalBlockSizeValid(b uint64) bool {
	if b == 0 || b&(b-1) != 0 {
		return false
	}
	const maxB = 64 << 20
	limit := g.ReportedSize
	if maxB < limit {
		limit = maxB
	}
	if b < uint64(g.SectorSize) || b > limit {
		return false
	}
	if g.MaxSectorsPerRequest > 0 && b/uint64(g.SectorSize) > uint64(g.MaxSectorsPerRequest) {
		return false
	}
	return true
}
