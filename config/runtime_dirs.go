package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/frobware/go-reuseport/bpffs"
)

// DefaultRuntimeBase is the production runtime root.
const DefaultRuntimeBase = "/run/reuseport"

// RuntimeDirs lays out the runtime state of reuseportd:
//
//	{base}/            runtime root
//	{base}/fs/         bpffs mount
//	{base}/fs/{name}/  pinned maps of dispatcher {name}
//	{base}/.lock       writer lock
//
// Construct with NewRuntimeDirs.
type RuntimeDirs struct {
	base string
	fs   string
	lock string
}

// DefaultRuntimeDirs returns the directories under DefaultRuntimeBase.
func DefaultRuntimeDirs() RuntimeDirs {
	dirs, err := NewRuntimeDirs(DefaultRuntimeBase)
	if err != nil {
		panic(err)
	}
	return dirs
}

// NewRuntimeDirs roots the layout at base, which must be absolute.
func NewRuntimeDirs(base string) (RuntimeDirs, error) {
	if base == "" {
		return RuntimeDirs{}, fmt.Errorf("runtime base cannot be empty")
	}
	if !filepath.IsAbs(base) {
		return RuntimeDirs{}, fmt.Errorf("runtime base must be absolute, got %q", base)
	}
	base = filepath.Clean(base)
	return RuntimeDirs{
		base: base,
		fs:   filepath.Join(base, "fs"),
		lock: filepath.Join(base, ".lock"),
	}, nil
}

func (d RuntimeDirs) Base() string { return d.base }
func (d RuntimeDirs) FS() string   { return d.fs }
func (d RuntimeDirs) Lock() string { return d.lock }

// PinDir returns the pin directory of the named dispatcher.
func (d RuntimeDirs) PinDir(name string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}
	return filepath.Join(d.fs, name), nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return fmt.Errorf("invalid dispatcher name %q", name)
	}
	return nil
}

// EnsureDirectories creates the runtime root and mounts bpffs on
// {base}/fs if needed. Mounting requires CAP_SYS_ADMIN.
func (d RuntimeDirs) EnsureDirectories() error {
	if err := os.MkdirAll(d.base, 0755); err != nil {
		return fmt.Errorf("create %s: %w", d.base, err)
	}
	if err := bpffs.EnsureMounted(bpffs.DefaultMountInfoPath, d.fs); err != nil {
		return fmt.Errorf("bpffs at %s: %w", d.fs, err)
	}
	return nil
}

// Scanner returns a scanner over the pinned dispatchers.
func (d RuntimeDirs) Scanner() *bpffs.Scanner {
	return bpffs.NewScanner(d.fs)
}
