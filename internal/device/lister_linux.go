//go:build linux

package device

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsLister enumerates present block devices by walking /sys/block,
// reading each device's reported size (in 512-byte units, per the kernel's
// "size" sysfs attribute) and (major, minor) from "dev". It deliberately
// only considers whole-disk entries (no partitions), matching the spec's
// scope of removable flash media presented as a single block device.
type SysfsLister struct {
	SysBlockDir string // defaults to /sys/block if empty
}

func (l SysfsLister) List() ([]Candidate, error) {
	dir := l.SysBlockDir
	if dir == "" {
		dir = "/sys/block"
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, e := range entries {
		name := e.Name()
		devPath := filepath.Join("/dev", name)

		sizeSectors, err := readSysfsUint(filepath.Join(dir, name, "size"))
		if err != nil {
			continue
		}
		devNum, err := os.ReadFile(filepath.Join(dir, name, "dev"))
		if err != nil {
			continue
		}
		maj, min, err := parseMajorMinor(strings.TrimSpace(string(devNum)))
		if err != nil {
			continue
		}

		out = append(out, Candidate{
			Path:         devPath,
			Major:        maj,
			Minor:        min,
			ReportedSize: sizeSectors * 512,
		})
	}
	return out, nil
}

func readSysfsUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func parseMajorMinor(s string) (uint32, uint32, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errBadDevString
	}
	maj, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	min, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	return uint32(maj), uint32(min), nil
}
