package device

import (
	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/sirupsen/logrus"
)

// SearchParams describes what FindDevice is looking for: a device whose
// geometry and identity buffers match, per spec.md §4.4.
type SearchParams struct {
	ExpectedReportedSize uint64
	ExpectedPhysicalSize uint64
	Identity             *identity.Buffers
	SectorSize           int
	PreferredPath        string
	MustMatchPreferred   bool
}

// Candidate is one block device FindDevice considers.
type Candidate struct {
	Path          string
	Major, Minor  uint32
	ReportedSize  uint64
}

// Lister enumerates present block devices. The real Linux implementation
// walks /sys/block; tests substitute an in-memory lister.
type Lister interface {
	List() ([]Candidate, error)
}

// FoundDevice is what FindDevice and WaitForReconnect return on success.
type FoundDevice struct {
	Path         string
	Major, Minor uint32
	Handle       Handle
}

// FindDevice implements spec.md §4.4: locate a block device matching a
// geometry+content fingerprint.
//
//  1. Build the candidate set (just the preferred path if
//     MustMatchPreferred, else every present block device whose reported
//     size equals ExpectedReportedSize).
//  2. Open each candidate read-only and run the identity acceptance test.
//  3. Zero matches -> ErrNotFound. Two or more matches -> prefer
//     PreferredPath if it's among them, else ErrAmbiguous. Exactly one
//     match -> reopen it read-write and return.
func FindDevice(lister Lister, opener Opener, params SearchParams, log *logrus.Entry) (*FoundDevice, error) {
	candidates, err := lister.List()
	if err != nil {
		return nil, err
	}

	var pool []Candidate
	if params.MustMatchPreferred {
		for _, c := range candidates {
			if c.Path == params.PreferredPath {
				pool = append(pool, c)
				break
			}
		}
	} else {
		for _, c := range candidates {
			if c.ReportedSize == params.ExpectedReportedSize {
				pool = append(pool, c)
			}
		}
	}

	var matches []Candidate
	for _, c := range pool {
		h, err := opener.OpenReadOnly(c.Path)
		if err != nil {
			log.WithError(err).WithField("path", c.Path).Warn("rejecting candidate: open failed")
			continue
		}
		result := identity.Compare(h, params.Identity, params.ExpectedPhysicalSize, params.SectorSize)
		h.Close()

		switch result {
		case identity.ExactBOD, identity.ExactMOD, identity.PartialMOD:
			matches = append(matches, c)
		default:
			log.WithField("path", c.Path).Debug("rejecting candidate: identity mismatch")
		}
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return reopenReadWrite(opener, matches[0])
	default:
		for _, m := range matches {
			if m.Path == params.PreferredPath {
				return reopenReadWrite(opener, m)
			}
		}
		return nil, ErrAmbiguous
	}
}

func reopenReadWrite(opener Opener, c Candidate) (*FoundDevice, error) {
	h, err := opener.OpenReadWrite(c.Path)
	if err != nil {
		return nil, err
	}
	return &FoundDevice{Path: c.Path, Major: c.Major, Minor: c.Minor, Handle: h}, nil
}
