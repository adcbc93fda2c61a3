package device

import (
	"context"
	"time"

	"github.com/mendersoftware/flashburn/internal/identity"
	"github.com/sirupsen/logrus"
)

// ReconnectPollInterval is the polling interval used while waiting for a
// hot-plug arrival, per spec.md §4.5 ("Polling interval for synthetic
// backends: 100ms"). Real udev/netlink backends would normally block on an
// event socket instead of polling, but this engine is only ever run
// against Linux block devices identified by (major, minor), and a short
// poll loop over the same Lister used by FindDevice keeps the reconnect
// watcher's acceptance logic identical to the initial enumeration, with no
// separate netlink wiring to keep in sync.
const ReconnectPollInterval = 100 * time.Millisecond

// WaitForReconnect blocks until a device matching params reappears, or ctx
// is cancelled. It implements spec.md §4.5: each polling cycle re-lists
// candidates and, for any not seen on the previous cycle, applies the same
// acceptance test as FindDevice (§4.4). There is no internal timeout;
// callers wrap this with context cancellation for external cancellation.
func WaitForReconnect(ctx context.Context, lister Lister, opener Opener, params SearchParams, log *logrus.Entry) (*FoundDevice, error) {
	seen := map[string]bool{}
	ticker := time.NewTicker(ReconnectPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		candidates, err := lister.List()
		if err != nil {
			log.WithError(err).Debug("reconnect poll: list failed, will retry")
			continue
		}

		current := map[string]bool{}
		for _, c := range candidates {
			current[c.Path] = true
			if seen[c.Path] {
				continue // not a new arrival this cycle
			}
			if params.MustMatchPreferred && c.Path != params.PreferredPath {
				continue
			}
			if !params.MustMatchPreferred && c.ReportedSize != params.ExpectedReportedSize {
				continue
			}

			h, err := opener.OpenReadOnly(c.Path)
			if err != nil {
				log.WithError(err).WithField("path", c.Path).Debug("reconnect candidate: open failed")
				continue
			}
			result := identity.Compare(h, params.Identity, params.ExpectedPhysicalSize, params.SectorSize)
			h.Close()

			switch result {
			case identity.ExactBOD, identity.ExactMOD, identity.PartialMOD:
				found, err := reopenReadWrite(opener, c)
				if err != nil {
					log.WithError(err).WithField("path", c.Path).Warn("reconnect: accepted candidate failed to reopen read-write")
					continue
				}
				return found, nil
			}
		}
		seen = current
	}
}
