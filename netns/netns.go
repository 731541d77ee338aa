//go:build linux

// Package netns runs code inside another network namespace. A socket
// keeps the namespace it was created in, so listeners opened under Run
// receive that namespace's traffic after Run returns.
package netns

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

const self = "/proc/thread-self/ns/net"

// ID returns the inode of the namespace at path, or of the calling
// thread's namespace when path is empty.
func ID(path string) (uint64, error) {
	if path == "" {
		path = self
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Ino, nil
}

// Run calls fn on a thread switched into the namespace at path. An
// empty path runs fn in place.
func Run(path string, fn func() error) error {
	if path == "" {
		return fn()
	}

	runtime.LockOSThread()
	orig, err := os.Open(self)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("open current netns: %w", err)
	}
	defer orig.Close()

	target, err := os.Open(path)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("open netns %s: %w", path, err)
	}
	defer target.Close()

	if err := unix.Setns(int(target.Fd()), unix.CLONE_NEWNET); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("enter netns %s: %w", path, err)
	}
	defer func() {
		// A thread stuck in the wrong namespace stays locked and
		// exits with the goroutine.
		if unix.Setns(int(orig.Fd()), unix.CLONE_NEWNET) == nil {
			runtime.UnlockOSThread()
		}
	}()
	return fn()
}
