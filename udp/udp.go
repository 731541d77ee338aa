//go:build linux

// Package udp is a UDP listener that spreads datagrams over a pool of
// workers with a reuseport dispatcher.
//
// In kernel mode every worker owns one socket of a SO_REUSEPORT group
// and the SK_REUSEPORT program picks the socket. In userspace mode a
// few reader sockets receive everything and each reader dispatches to
// worker queues through the registry. Either way the active worker
// set can be resized at runtime with Scale.
package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/config"
)

// Datagram is one received datagram.
type Datagram struct {
	// Worker is the worker that handles the datagram, or -1 when it
	// took the default path.
	Worker   int
	Source   netip.AddrPort
	Received time.Time
	// Payload is only valid for the duration of the handler call.
	Payload []byte
}

// Handler processes datagrams. It is called concurrently from
// different workers but never concurrently for the same worker.
// Default-path datagrams (Worker == -1) are handled by the reader that
// received them, so with more than one reader they may arrive
// concurrently with each other.
type Handler func(Datagram)

// Options configures a Server.
type Options struct {
	Address       string
	Mode          config.Mode
	Policy        reuseport.Variant
	Workers       int
	Readers       int
	QueueSize     int
	MaxSlots      uint32
	ReceiveBuffer int
	MaxDatagram   int
	// PinDir pins the kernel maps when set (kernel mode only).
	PinDir string
	// Netns opens the sockets in the network namespace at this
	// path, for example /var/run/netns/flows.
	Netns string

	Handler    Handler
	Registerer prometheus.Registerer
	Logger     *slog.Logger
}

// OptionsFromConfig converts the listen section of the config file.
func OptionsFromConfig(c config.ListenConfig) (Options, error) {
	v, err := reuseport.ParseVariant(c.Policy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Address:       c.Address,
		Mode:          c.Mode,
		Policy:        v,
		Workers:       c.Workers,
		Readers:       c.Readers,
		QueueSize:     c.QueueSize,
		MaxSlots:      c.MaxSlots,
		ReceiveBuffer: c.ReceiveBuffer,
		MaxDatagram:   c.MaxDatagram,
		Netns:         c.Netns,
	}, nil
}

func (o *Options) setDefaults() {
	if o.Mode == "" {
		o.Mode = config.ModeKernel
	}
	if o.MaxSlots == 0 {
		o.MaxSlots = reuseport.MaxSlots
	}
	if o.Readers == 0 {
		o.Readers = 1
	}
	if o.QueueSize == 0 {
		o.QueueSize = 1024
	}
	if o.MaxDatagram == 0 {
		o.MaxDatagram = 9000
	}
	if o.Handler == nil {
		o.Handler = func(Datagram) {}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) validate() error {
	var errs []error
	if o.Address == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if o.Mode != config.ModeKernel && o.Mode != config.ModeUserspace {
		errs = append(errs, fmt.Errorf("unknown mode %q", o.Mode))
	}
	if err := o.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := reuseport.CheckSlots(o.MaxSlots); err != nil {
		errs = append(errs, err)
	}
	if o.Workers < 1 || uint32(o.Workers) > o.MaxSlots {
		errs = append(errs, fmt.Errorf("workers must be in [1, %d], got %d", o.MaxSlots, o.Workers))
	}
	if o.Readers < 1 {
		errs = append(errs, fmt.Errorf("readers must be positive, got %d", o.Readers))
	}
	if o.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", o.QueueSize))
	}
	return errors.Join(errs...)
}
