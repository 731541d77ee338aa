//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cilium/ebpf"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/lock"
)

// pinSet tracks the pins created by Load so they can be removed.
type pinSet struct {
	dir  string
	maps []*ebpf.Map
}

func pinMaps(dir string, maps map[string]*ebpf.Map) (*pinSet, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create pin directory %s: %w", dir, err)
	}
	ps := &pinSet{dir: dir}
	for name, m := range maps {
		path := filepath.Join(dir, name)
		if err := m.Pin(path); err != nil {
			ps.remove()
			return nil, fmt.Errorf("pin map %s to %s: %w", name, path, err)
		}
		ps.maps = append(ps.maps, m)
	}
	return ps, nil
}

func (ps *pinSet) remove() error {
	var errs []error
	for _, m := range ps.maps {
		if err := m.Unpin(); err != nil {
			errs = append(errs, err)
		}
	}
	ps.maps = nil
	if err := os.Remove(ps.dir); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove pin directory: %w", err))
	}
	return errors.Join(errs...)
}

// Pinned is a dispatcher opened from its bpffs pins by another
// process. It can read state and change the replica count; it cannot
// register sockets, which requires owning their fds.
type Pinned struct {
	Dir      string
	config   *ebpf.Map
	counters *ebpf.Map
	sockets  *ebpf.Map
}

// OpenPinned opens the maps pinned under dir.
func OpenPinned(dir string) (*Pinned, error) {
	p := &Pinned{Dir: dir}
	for name, dst := range map[string]**ebpf.Map{
		ConfigMap:  &p.config,
		CounterMap: &p.counters,
		SocketMap:  &p.sockets,
	} {
		m, err := ebpf.LoadPinnedMap(filepath.Join(dir, name), nil)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open pinned map %s: %w", name, err)
		}
		*dst = m
	}
	return p, nil
}

// MaxSlots returns the socket map capacity.
func (p *Pinned) MaxSlots() uint32 { return p.sockets.MaxEntries() }

// ReplicaCount returns the current replica count.
func (p *Pinned) ReplicaCount() (uint32, error) {
	return readReplicaCount(p.config)
}

// Counters returns the per-CPU round-robin counters.
func (p *Pinned) Counters() ([]uint32, error) {
	return readCounters(p.counters)
}

// Populated returns the indices of the socket map that hold a socket.
func (p *Pinned) Populated() ([]uint32, error) {
	var out []uint32
	for i := range p.MaxSlots() {
		var cookie uint64
		err := p.sockets.Lookup(i, &cookie)
		switch {
		case err == nil:
			out = append(out, i)
		case errors.Is(err, ebpf.ErrKeyNotExist):
		default:
			return nil, fmt.Errorf("lookup slot %d: %w", i, err)
		}
	}
	return out, nil
}

// SetReplicaCount changes the replica count. The new count must not
// reach past the contiguous run of populated slots starting at 0.
// Other processes may write the same maps, hence the writer scope.
func (p *Pinned) SetReplicaCount(_ lock.WriterScope, n uint32) error {
	populated, err := p.Populated()
	if err != nil {
		return err
	}
	limit := contiguousPrefix(populated)
	if n > limit {
		return fmt.Errorf("replica count %d exceeds the %d contiguous registered sockets: %w",
			n, limit, reuseport.ErrReplicaCountOutOfRange{Count: n, Max: limit})
	}
	if err := p.config.Put(configReplicas, n); err != nil {
		return fmt.Errorf("set replica count to %d: %w", n, err)
	}
	return nil
}

// Close releases the map handles. The pins stay in place.
func (p *Pinned) Close() error {
	var errs []error
	for _, m := range []*ebpf.Map{p.config, p.counters, p.sockets} {
		if m == nil {
			continue
		}
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// contiguousPrefix returns the length of the run 0, 1, 2, ... at the
// start of sorted indices.
func contiguousPrefix(indices []uint32) uint32 {
	var n uint32
	for _, i := range indices {
		if i != n {
			break
		}
		n++
	}
	return n
}

func readReplicaCount(m *ebpf.Map) (uint32, error) {
	var n uint32
	if err := m.Lookup(configReplicas, &n); err != nil {
		return 0, fmt.Errorf("read replica count: %w", err)
	}
	return n, nil
}

func readCounters(m *ebpf.Map) ([]uint32, error) {
	var values []uint32
	if err := m.Lookup(uint32(0), &values); err != nil {
		return nil, fmt.Errorf("read per-CPU counters: %w", err)
	}
	return values, nil
}
