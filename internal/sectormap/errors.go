package sectormap

import "errors"

// ErrLengthMismatch is returned by Unpack when the packed data's length
// doesn't match ceil(n/8) bytes for the requested sector count.
var ErrLengthMismatch = errors.New("sectormap: packed data length does not match sector count")
