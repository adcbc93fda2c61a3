// Package lockfile implements the cross-process advisory lock (spec.md §5,
// §6): a whole-file OS lock that the timing-sensitive capacity, block-size,
// and performance probes hold so two instances of the program never race
// each other's throughput measurements against the same device, while the
// long-running endurance writes release it so other instances aren't
// starved for the bulk of a run.
package lockfile

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PollInterval is how often Acquire retries a held lock, per spec.md §5's
// "busy-waits in 100 ms sleeps" suspension point. Polling (not blocking on
// the OS lock primitive) keeps the caller responsive to ctx cancellation
// and, in the full program, to UI input.
const PollInterval = 100 * time.Millisecond

// Lock is a held advisory lock on a file.
type Lock struct {
	file *os.File
	path string
}

// Acquire opens (creating if necessary) the lock file at path and polls for
// an exclusive advisory lock every PollInterval until it succeeds or ctx is
// done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "lockfile: open %s", path)
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &Lock{file: f, path: path}, nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return nil, errors.Wrapf(err, "lockfile: flock %s", path)
		}

		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release unlocks and closes the file. The lock file itself is left in
// place -- other processes use its continued existence to retry against.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return errors.Wrapf(unlockErr, "lockfile: unlock %s", l.path)
	}
	return closeErr
}

// WithLock acquires the lock, runs fn, and releases the lock before
// returning, regardless of whether fn succeeds -- the shape the capacity,
// block-size, and performance probes use to bracket their timing-sensitive
// sections (spec.md §5 suspension point 2).
func WithLock(ctx context.Context, path string, fn func() error) error {
	l, err := Acquire(ctx, path)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
