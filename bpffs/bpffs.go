// Package bpffs checks for, mounts and scans the BPF filesystem that
// holds pinned dispatcher maps.
package bpffs

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"syscall"
)

const (
	// DefaultMountInfoPath is the mountinfo file of the current process.
	DefaultMountInfoPath = "/proc/self/mountinfo"

	// maxMountInfoLine bounds a single mountinfo line. Some
	// runtimes produce very long option lists.
	maxMountInfoLine = 1024 * 1024
)

// IsMounted reports whether a bpf filesystem is mounted at
// mountPoint according to mountInfoPath.
//
// A mountinfo line (proc(5)) looks like:
//
//	30 22 0:27 / /sys/fs/bpf rw,nosuid shared:9 - bpf bpf rw,mode=700
//
// The mount point is the fifth field. The filesystem type is the
// first field after the " - " separator, which has to be searched for
// because a variable number of optional fields precede it.
func IsMounted(mountInfoPath, mountPoint string) (bool, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return false, fmt.Errorf("opening mountinfo: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxMountInfoLine)

	for sc.Scan() {
		before, after, found := strings.Cut(sc.Text(), " - ")
		if !found {
			continue
		}
		fields := strings.Fields(before)
		fsFields := strings.Fields(after)
		if len(fields) < 5 || len(fsFields) < 1 {
			continue
		}
		if fields[4] == mountPoint && fsFields[0] == "bpf" {
			return true, nil
		}
	}
	if err := sc.Err(); err != nil {
		return false, fmt.Errorf("reading mountinfo: %w", err)
	}
	return false, nil
}

// Mount mounts a bpf filesystem at mountPoint, creating the
// directory when missing.
func Mount(mountPoint string) error {
	fi, err := os.Stat(mountPoint)
	switch {
	case err == nil && !fi.IsDir():
		return fmt.Errorf("mount point %s is not a directory", mountPoint)
	case os.IsNotExist(err):
		if err := os.MkdirAll(mountPoint, 0755); err != nil {
			return fmt.Errorf("creating mount point directory: %w", err)
		}
	case err != nil:
		return fmt.Errorf("stat mount point: %w", err)
	}

	if err := syscall.Mount("bpffs", mountPoint, "bpf", 0, ""); err != nil {
		return fmt.Errorf("mount bpffs at %s: %w", mountPoint, err)
	}
	return nil
}

// Unmount unmounts the bpf filesystem at mountPoint.
func Unmount(mountPoint string) error {
	if err := syscall.Unmount(mountPoint, 0); err != nil {
		return fmt.Errorf("unmount %s: %w", mountPoint, err)
	}
	return nil
}

// EnsureMounted mounts a bpf filesystem at mountPoint unless one is
// already there. Mounting needs CAP_SYS_ADMIN; without it, pre-mount
// bpffs from the service manager or container runtime.
func EnsureMounted(mountInfoPath, mountPoint string) error {
	mounted, err := IsMounted(mountInfoPath, mountPoint)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	return Mount(mountPoint)
}
