// Package lock serialises writers of pinned dispatcher state across
// processes with flock(2) on {base}/.lock.
//
// Code that mutates pinned maps takes a WriterScope, which can only be
// obtained inside Run, so forgetting the lock is a compile error.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// WriterScope proves that the writer lock is held.
type WriterScope interface {
	// Path is the lock file.
	Path() string
	// FD is the locked descriptor, for diagnostics.
	FD() int

	writerScope()
}

type scope struct {
	f *os.File
}

func (*scope) writerScope() {}

func (s *scope) Path() string { return s.f.Name() }

func (s *scope) FD() int { return int(s.f.Fd()) }

const (
	initialBackoff = 25 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
)

// Run takes the exclusive lock at path, runs fn and releases the lock.
// It retries with exponential backoff until the lock is free or ctx is
// done.
func Run(ctx context.Context, path string, fn func(context.Context, WriterScope) error) error {
	f, err := acquire(ctx, path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(ctx, &scope{f: f})
}

func acquire(ctx context.Context, path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	backoff := initialBackoff
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			f.Close()
			return nil, fmt.Errorf("waiting for %s: %w", path, ctx.Err())
		case <-t.C:
		}
		backoff = min(2*backoff, maxBackoff)
	}
}
