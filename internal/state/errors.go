package state

import "github.com/pkg/errors"

// ErrInvalid is returned by Load when the document fails validation. Per
// spec.md §4.10, validation failure rejects the whole file; the caller
// proceeds as if no state file existed.
var ErrInvalid = errors.New("state: invalid or incomplete state document")
