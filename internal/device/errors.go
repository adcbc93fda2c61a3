package device

import "errors"

var (
	// ErrNotFound is returned by FindDevice when zero candidates match.
	ErrNotFound = errors.New("device: no matching device found")
	// ErrAmbiguous is returned by FindDevice when two or more candidates
	// match and none of them is the caller's preferred path. Per the
	// documented (not resolved) edge case in spec.md §4.4, two devices
	// seeded from the same wall-clock initial seed can legitimately
	// produce identical BOD/MOD content; this is surfaced to the
	// operator rather than silently picked.
	ErrAmbiguous = errors.New("device: ambiguous match, multiple candidates identified")

	errNotLinuxHandle = errors.New("device: handle is not a *LinuxHandle")

	// ErrRoundZeroFatal is returned when an I/O error occurs before the
	// first round has completed: no recovery is attempted, per spec.md
	// §4.6's round-0 contract.
	ErrRoundZeroFatal = errors.New("device: I/O error before round 0 completed, aborting without recovery")

	errNotUSB       = errors.New("device: not a USB device")
	errBadDevString = errors.New("device: malformed sysfs dev attribute")
)
