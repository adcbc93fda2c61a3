package lockfile_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mendersoftware/flashburn/internal/lockfile"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mfst.lock")

	l, err := lockfile.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestAcquireBlocksConcurrentHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mfst.lock")

	first, err := lockfile.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*lockfile.PollInterval)
	defer cancel()

	start := time.Now()
	_, err = lockfile.Acquire(ctx, path)
	if err == nil {
		t.Fatal("second Acquire() should have blocked on the held lock and then timed out")
	}
	if elapsed := time.Since(start); elapsed < lockfile.PollInterval {
		t.Fatalf("second Acquire() returned too quickly (%v), should have polled", elapsed)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mfst.lock")

	first, err := lockfile.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("first Acquire() error = %v", err)
	}

	released := make(chan struct{})
	go func() {
		time.Sleep(2 * lockfile.PollInterval)
		first.Release()
		close(released)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	second, err := lockfile.Acquire(ctx, path)
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	<-released
	if err := second.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mfst.lock")
	ran := false

	err := lockfile.WithLock(context.Background(), path, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock() error = %v", err)
	}
	if !ran {
		t.Fatal("WithLock() did not run fn")
	}

	// The lock must be free again: a fresh Acquire should succeed immediately.
	l, err := lockfile.Acquire(context.Background(), path)
	if err != nil {
		t.Fatalf("Acquire() after WithLock() error = %v", err)
	}
	l.Release()
}
