package registry

import (
	"github.com/frobware/go-reuseport"
)

// Deliverer hands a packet to the socket identified by handle. It
// returns an error when the destination cannot take the packet, for
// example because its queue is full or it was just removed.
type Deliverer interface {
	Deliver(handle uint64) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(handle uint64) error

// Deliver implements Deliverer.
func (f DelivererFunc) Deliver(handle uint64) error { return f(handle) }

// Selector is the "select destination by index" primitive backed by a
// registry. The dispatcher never dereferences handles itself; the
// selector resolves the index and performs the liveness check.
type Selector struct {
	reg *Registry
	dst Deliverer
}

// NewSelector returns a selector that resolves indices through reg
// and delivers through dst.
func NewSelector(reg *Registry, dst Deliverer) *Selector {
	return &Selector{reg: reg, dst: dst}
}

// SelectReuseport implements dispatcher.Selector. It runs once per
// packet, so the deliverer's error is returned as is.
func (s *Selector) SelectReuseport(index uint32) error {
	handle, ok := s.reg.Lookup(index)
	if !ok {
		return reuseport.ErrNoSocket
	}
	return s.dst.Deliver(handle)
}
