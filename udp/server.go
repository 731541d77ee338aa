//go:build linux

package udp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/config"
	"github.com/frobware/go-reuseport/controlplane"
	"github.com/frobware/go-reuseport/dispatcher"
	"github.com/frobware/go-reuseport/netns"
	"github.com/frobware/go-reuseport/policy"
	"github.com/frobware/go-reuseport/registry"
	"github.com/frobware/go-reuseport/socket"
)

var errQueueFull = errors.New("worker queue full")

// Server receives datagrams on one address.
type Server struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics

	conns  []*net.UDPConn
	handle *controlplane.Handle
	group  *controlplane.Group
	// pool lists every socket handle that Scale can activate, in
	// worker order.
	pool []uint64

	queues  []chan Datagram
	cancel  context.CancelFunc
	readers *errgroup.Group
	workers *errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

// New validates opts and returns a server ready to Start.
func New(opts Options) (*Server, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Server{
		opts:    opts,
		logger:  opts.Logger.With("component", "udp", "listen", opts.Address, "mode", string(opts.Mode)),
		metrics: newMetrics(opts.Registerer, opts.Address),
	}, nil
}

// Start opens the sockets, attaches the dispatcher with every worker
// active and starts receiving. Stop releases everything.
func (s *Server) Start(ctx context.Context) error {
	sockets := s.opts.Workers
	if s.opts.Mode == config.ModeUserspace {
		sockets = s.opts.Readers
	}
	var conns []*net.UDPConn
	err := netns.Run(s.opts.Netns, func() error {
		var err error
		conns, err = socket.Listen(ctx, s.opts.Address, sockets, socket.Config{
			ReceiveBuffer: s.opts.ReceiveBuffer,
			Logger:        s.logger,
		})
		return err
	})
	if err != nil {
		return err
	}
	s.conns = conns

	var attacher controlplane.Attacher
	switch s.opts.Mode {
	case config.ModeKernel:
		fds, err := socket.FDs(conns)
		if err != nil {
			socket.Close(conns)
			return err
		}
		for _, fd := range fds {
			s.pool = append(s.pool, uint64(fd))
		}
		attacher = controlplane.KernelAttacher{Socket: fds[0], PinDir: s.opts.PinDir, Logger: s.opts.Logger}
	case config.ModeUserspace:
		for i := range s.opts.Workers {
			s.pool = append(s.pool, uint64(i))
		}
		attacher = controlplane.RegistryAttacher{}
	}

	s.handle, err = controlplane.Attach(ctx, attacher, s.opts.Policy, s.opts.MaxSlots, s.opts.Logger)
	if err != nil {
		socket.Close(conns)
		return err
	}
	s.group = controlplane.NewGroup(s.handle)
	if err := s.Scale(len(s.pool)); err != nil {
		s.handle.Detach()
		socket.Close(conns)
		return err
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.readers, ctx = errgroup.WithContext(ctx)
	s.workers = new(errgroup.Group)

	switch s.opts.Mode {
	case config.ModeKernel:
		for i, conn := range conns {
			s.readers.Go(func() error { return s.runKernelWorker(i, conn) })
		}
	case config.ModeUserspace:
		if err := s.startUserspace(); err != nil {
			s.Stop()
			return err
		}
	}
	s.readers.Go(func() error {
		<-ctx.Done()
		socket.Close(s.conns)
		return nil
	})

	s.logger.Info("listening",
		"address", s.LocalAddr().String(),
		"policy", s.opts.Policy,
		"workers", s.opts.Workers,
		"dispatcher", s.handle.ID().String())
	return nil
}

// LocalAddr returns the bound address, with the port resolved.
func (s *Server) LocalAddr() *net.UDPAddr {
	return s.conns[0].LocalAddr().(*net.UDPAddr)
}

// ActiveWorkers returns how many workers the dispatcher can select.
func (s *Server) ActiveWorkers() int {
	return s.group.Len()
}

// Scale makes the first n workers selectable. With n = 0 the
// dispatcher passes everything through to the default path.
func (s *Server) Scale(n int) error {
	if err := s.group.Resize(s.pool, n); err != nil {
		return fmt.Errorf("scale to %d workers: %w", n, err)
	}
	s.metrics.active.Set(float64(n))
	s.logger.Info("workers scaled", "active", n)
	return nil
}

// Stop closes the sockets, waits for the workers to drain and
// detaches the dispatcher.
func (s *Server) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.stopOnce.Do(func() {
		s.cancel()
		socket.Close(s.conns)
		err := s.readers.Wait()
		for _, q := range s.queues {
			close(q)
		}
		s.stopErr = errors.Join(err, s.workers.Wait(), s.handle.Detach())
		s.logger.Info("stopped")
	})
	return s.stopErr
}

// receiver is the per-socket receive loop shared by both modes.
type receiver struct {
	s      *Server
	conn   *net.UDPConn
	label  string
	logger *slog.Logger
	errLog rate.Sometimes
	buf    []byte
	oob    []byte
}

func (s *Server) newReceiver(label string, conn *net.UDPConn) *receiver {
	return &receiver{
		s:      s,
		conn:   conn,
		label:  label,
		logger: s.logger.With("socket", label),
		errLog: rate.Sometimes{First: 1, Interval: time.Minute},
		buf:    make([]byte, s.opts.MaxDatagram),
		oob:    make([]byte, socket.OOBLength),
	}
}

// run calls fn for every datagram until the socket is closed. The
// payload slice is reused across calls.
func (r *receiver) run(fn func(payload []byte, source netip.AddrPort, received time.Time)) error {
	recvErrors := r.s.metrics.errors.WithLabelValues(r.label)
	inDrops := r.s.metrics.inDrops.WithLabelValues(r.label)
	for count := 0; ; count++ {
		n, oobn, _, source, err := r.conn.ReadMsgUDPAddrPort(r.buf, r.oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			recvErrors.Inc()
			r.errLog.Do(func() { r.logger.Warn("unable to receive datagram", "error", err) })
			continue
		}
		// The drop counter is cumulative; sampling it is enough.
		if count < 100 || count%100 == 0 {
			if cm, err := socket.ParseControlMessage(r.oob[:oobn]); err != nil {
				r.errLog.Do(func() { r.logger.Warn("unable to decode control message", "error", err) })
			} else {
				inDrops.Set(float64(cm.Drops))
			}
		}
		fn(r.buf[:n], source, time.Now())
	}
}

func (s *Server) runKernelWorker(i int, conn *net.UDPConn) error {
	label := workerLabel(i)
	wc := s.metrics.worker(label)
	return s.newReceiver(label, conn).run(func(payload []byte, source netip.AddrPort, received time.Time) {
		wc.observe(len(payload))
		s.opts.Handler(Datagram{Worker: i, Source: source, Received: received, Payload: payload})
	})
}

// reader is one user-space dispatching unit. It owns its policy unit,
// so its dispatcher never runs concurrently with itself.
type reader struct {
	id       int
	unit     *policy.Unit
	disp     *dispatcher.Dispatcher
	pkt      reuseport.PacketContext
	pending  Datagram
	verdicts [3]prometheus.Counter
	// fallback is resolved on the first default-path datagram so an
	// idle default path exports no series.
	fallback *workerCounters
}

func (r *reader) fallbackCounters(m *metrics) workerCounters {
	if r.fallback == nil {
		wc := m.worker(fallbackWorker)
		r.fallback = &wc
	}
	return *r.fallback
}

func (s *Server) startUserspace() error {
	backend, ok := s.handle.Backend().(*controlplane.RegistryBackend)
	if !ok {
		return fmt.Errorf("userspace mode needs a registry backend, got %T", s.handle.Backend())
	}
	pol, err := policy.New(s.opts.Policy)
	if err != nil {
		return err
	}

	s.queues = make([]chan Datagram, s.opts.Workers)
	for i := range s.queues {
		q := make(chan Datagram, s.opts.QueueSize)
		s.queues[i] = q
		wc := s.metrics.worker(workerLabel(i))
		s.workers.Go(func() error {
			for d := range q {
				wc.observe(len(d.Payload))
				s.opts.Handler(d)
			}
			return nil
		})
	}

	verdicts := s.metrics.verdictCounters()
	for i, conn := range s.conns {
		r := &reader{id: i, unit: policy.NewUnit(i), verdicts: verdicts}
		r.pkt.IPProtocol = reuseport.IPProtocolUDP
		sel := registry.NewSelector(backend.Registry, registry.DelivererFunc(func(h uint64) error {
			return s.enqueue(r, h)
		}))
		if r.disp, err = dispatcher.New(backend.Registry, pol, sel); err != nil {
			return err
		}

		recv := s.newReceiver("reader-"+workerLabel(i), conn)
		s.readers.Go(func() error {
			return recv.run(func(payload []byte, source netip.AddrPort, received time.Time) {
				r.pending = Datagram{Source: source, Received: received, Payload: payload}
				r.pkt.Len = uint32(len(payload))
				r.pkt.EthProtocol = reuseport.EthProtocolIPv6
				if source.Addr().Unmap().Is4() {
					r.pkt.EthProtocol = reuseport.EthProtocolIPv4
				}
				res := r.disp.Dispatch(&r.pkt, r.unit)
				r.verdicts[res.Verdict].Inc()
				if res.Verdict != reuseport.VerdictSelected {
					// Default path: the reader handles it itself.
					r.pending.Worker = -1
					r.fallbackCounters(s.metrics).observe(len(payload))
					s.opts.Handler(r.pending)
				}
			})
		})
	}
	return nil
}

// enqueue hands the reader's pending datagram to worker h without
// blocking.
func (s *Server) enqueue(r *reader, h uint64) error {
	if h >= uint64(len(s.queues)) {
		return reuseport.ErrNoSocket
	}
	d := r.pending
	d.Worker = int(h)
	d.Payload = bytes.Clone(d.Payload)
	select {
	case s.queues[h] <- d:
		return nil
	default:
		return errQueueFull
	}
}
