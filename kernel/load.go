//go:build linux

package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"

	"github.com/frobware/go-reuseport"
)

// Options configures Load.
type Options struct {
	Variant  reuseport.Variant
	MaxSlots uint32
	// PinDir, when set, pins the maps under this bpffs directory so
	// that other processes can inspect or rescale the dispatcher.
	PinDir string
	Logger *slog.Logger
}

// Program is a loaded dispatcher: the SK_REUSEPORT program and its
// maps. It is the kernel implementation of the control plane's write
// side. Writes are expected from a single control plane; the mutex
// only protects the attach bookkeeping.
type Program struct {
	variant  reuseport.Variant
	maxSlots uint32
	logger   *slog.Logger

	prog     *ebpf.Program
	config   *ebpf.Map
	counters *ebpf.Map
	sockets  *ebpf.Map

	pins *pinSet

	mu       sync.Mutex
	attached []int // socket fds the program was attached through
}

// objects is the assignment target for LoadAndAssign.
type objects struct {
	Program  *ebpf.Program `ebpf:"reuseport_select"`
	Config   *ebpf.Map     `ebpf:"config"`
	Counters *ebpf.Map     `ebpf:"counters"`
	Sockets  *ebpf.Map     `ebpf:"sockets"`
}

// Load loads the dispatcher into the kernel. The replica count starts
// at zero, so the program passes every packet through until the
// control plane registers sockets and raises it.
func Load(opts Options) (*Program, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kernel")

	spec, err := NewCollectionSpec(opts.Variant, opts.MaxSlots)
	if err != nil {
		return nil, err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Warn("failed to remove memlock limit", "error", err)
	}

	var objs objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			err = errors.New("operation not permitted (BPF capability missing or MEMLOCK too low)")
		}
		return nil, fmt.Errorf("load %s: %w", describe(opts.Variant, opts.MaxSlots), err)
	}

	p := &Program{
		variant:  opts.Variant,
		maxSlots: opts.MaxSlots,
		logger:   logger,
		prog:     objs.Program,
		config:   objs.Config,
		counters: objs.Counters,
		sockets:  objs.Sockets,
	}

	if err := p.config.Put(configReplicas, uint32(0)); err != nil {
		p.closeObjects()
		return nil, fmt.Errorf("initialise replica count: %w", err)
	}
	if err := p.config.Put(configVariant, uint32(opts.Variant)); err != nil {
		p.closeObjects()
		return nil, fmt.Errorf("record variant: %w", err)
	}

	if opts.PinDir != "" {
		pins, err := pinMaps(opts.PinDir, map[string]*ebpf.Map{
			ConfigMap:  p.config,
			CounterMap: p.counters,
			SocketMap:  p.sockets,
		})
		if err != nil {
			p.closeObjects()
			return nil, err
		}
		p.pins = pins
	}

	logger.Debug("loaded dispatcher",
		"variant", opts.Variant,
		"max_slots", opts.MaxSlots,
		"pin_dir", opts.PinDir,
	)
	return p, nil
}

// Variant returns the policy variant compiled into the program.
func (p *Program) Variant() reuseport.Variant { return p.variant }

// MaxSlots returns the socket map capacity.
func (p *Program) MaxSlots() uint32 { return p.maxSlots }

// FD returns the program file descriptor.
func (p *Program) FD() int { return p.prog.FD() }

// AttachSocket installs the program on the reuseport group that fd
// belongs to. Attaching through any one member covers the group.
func (p *Program) AttachSocket(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ATTACH_REUSEPORT_EBPF, p.prog.FD()); err != nil {
		return fmt.Errorf("attach to socket %d: %w", fd, err)
	}
	p.mu.Lock()
	p.attached = append(p.attached, fd)
	p.mu.Unlock()
	p.logger.Debug("attached to reuseport group", "fd", fd)
	return nil
}

// DetachSocket removes whatever reuseport program is installed on the
// group of fd. A socket that is already closed or has nothing
// attached is not an error.
func (p *Program) DetachSocket(fd int) error {
	err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DETACH_REUSEPORT_BPF, 0)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("detach from socket %d: %w", fd, err)
	}
	return nil
}

// SetReplicaCount publishes the number of active slots. A single
// 4-byte array update is atomic with respect to the program.
func (p *Program) SetReplicaCount(n uint32) error {
	if n > p.maxSlots {
		return reuseport.ErrReplicaCountOutOfRange{Count: n, Max: p.maxSlots}
	}
	if err := p.config.Put(configReplicas, n); err != nil {
		return fmt.Errorf("set replica count to %d: %w", n, err)
	}
	return nil
}

// ReplicaCount reads the replica count back from the kernel.
func (p *Program) ReplicaCount() (uint32, error) {
	return readReplicaCount(p.config)
}

// RegisterSocket stores the socket fd handle at index.
func (p *Program) RegisterSocket(index uint32, handle uint64) error {
	if index >= p.maxSlots {
		return reuseport.ErrSlotOutOfRange{Index: index, Max: p.maxSlots}
	}
	if err := p.sockets.Put(index, handle); err != nil {
		return fmt.Errorf("register socket %d at slot %d: %w", handle, index, err)
	}
	return nil
}

// UnregisterSocket clears index. An empty slot is not an error.
func (p *Program) UnregisterSocket(index uint32) error {
	if index >= p.maxSlots {
		return reuseport.ErrSlotOutOfRange{Index: index, Max: p.maxSlots}
	}
	if err := p.sockets.Delete(index); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("unregister slot %d: %w", index, err)
	}
	return nil
}

// Counters returns the round-robin counter of every possible CPU.
func (p *Program) Counters() ([]uint32, error) {
	return readCounters(p.counters)
}

// Detach removes the program from every group it was attached to,
// removes pins and releases the kernel objects.
func (p *Program) Detach() error {
	p.mu.Lock()
	attached := p.attached
	p.attached = nil
	p.mu.Unlock()

	var errs []error
	for _, fd := range attached {
		if err := p.DetachSocket(fd); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close unpins and closes the maps and the program without touching
// socket attachments. The kernel keeps an attached program alive
// until the group goes away.
func (p *Program) Close() error {
	var errs []error
	if p.pins != nil {
		if err := p.pins.remove(); err != nil {
			errs = append(errs, err)
		}
		p.pins = nil
	}
	if err := p.closeObjects(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Program) closeObjects() error {
	var errs []error
	for _, c := range []interface{ Close() error }{p.prog, p.config, p.counters, p.sockets} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
