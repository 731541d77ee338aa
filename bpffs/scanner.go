package bpffs

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
)

// DispatcherPins names the map pins that make a directory a
// dispatcher. It matches the kernel package's map names.
var DispatcherPins = []string{"config", "counters", "sockets"}

// Scanner finds pinned dispatchers below a bpffs root.
type Scanner struct {
	root string
}

// NewScanner returns a scanner for root.
func NewScanner(root string) *Scanner {
	return &Scanner{root: root}
}

// Dispatcher is one pinned dispatcher directory.
type Dispatcher struct {
	Name string
	Dir  string
	// Complete is false when some of DispatcherPins are missing,
	// which happens when a process died while pinning.
	Complete bool
}

// Dispatchers yields every directory directly below the root that
// holds at least one dispatcher pin. A missing root yields nothing.
func (s *Scanner) Dispatchers(ctx context.Context) iter.Seq2[Dispatcher, error] {
	return func(yield func(Dispatcher, error) bool) {
		entries, err := os.ReadDir(s.root)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(Dispatcher{}, fmt.Errorf("read %s: %w", s.root, err))
			}
			return
		}

		for _, e := range entries {
			if ctx.Err() != nil {
				yield(Dispatcher{}, ctx.Err())
				return
			}
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(s.root, e.Name())
			found := 0
			for _, pin := range DispatcherPins {
				if _, err := os.Stat(filepath.Join(dir, pin)); err == nil {
					found++
				}
			}
			if found == 0 {
				continue
			}
			d := Dispatcher{Name: e.Name(), Dir: dir, Complete: found == len(DispatcherPins)}
			if !yield(d, nil) {
				return
			}
		}
	}
}
