// Package dispatcher is the user-space packet dispatcher.
//
// Dispatch runs once per arriving packet, before the packet reaches a
// worker. It reads the replica count, asks the configured policy for
// an index and signals the selection primitive. It never allocates,
// never blocks and never fails: every problem resolves to the default
// delivery path and is only reported in the returned Result.
package dispatcher

import (
	"fmt"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/policy"
)

// ReplicaSource provides the current replica count. Reads must be
// atomic.
type ReplicaSource interface {
	ReplicaCount() uint32
}

// Selector is the host's "select destination by index within the
// group" primitive. A non-nil error means the packet was not steered.
type Selector interface {
	SelectReuseport(index uint32) error
}

// Result reports what happened to one packet.
type Result struct {
	Verdict reuseport.Verdict
	// Index is the chosen index. Meaningless for VerdictPassThrough.
	Index uint32
}

// Dispatcher steers packets with one policy. Its configuration is
// fixed at construction; concurrent Dispatch calls are safe as long
// as each uses its own Unit.
type Dispatcher struct {
	replicas ReplicaSource
	policy   policy.Policy
	selector Selector
}

// New returns a dispatcher.
func New(replicas ReplicaSource, p policy.Policy, sel Selector) (*Dispatcher, error) {
	if replicas == nil || p == nil || sel == nil {
		return nil, fmt.Errorf("dispatcher: replica source, policy and selector are required")
	}
	return &Dispatcher{replicas: replicas, policy: p, selector: sel}, nil
}

// Variant returns the policy variant in use.
func (d *Dispatcher) Variant() reuseport.Variant { return d.policy.Variant() }

// Dispatch picks a destination for the packet described by pkt on
// unit u. The packet context is accepted for parity with the kernel
// program; neither variant consults it.
func (d *Dispatcher) Dispatch(_ *reuseport.PacketContext, u *policy.Unit) Result {
	n := d.replicas.ReplicaCount()
	if n == 0 {
		return Result{Verdict: reuseport.VerdictPassThrough}
	}

	index, ok := d.policy.Select(n, u)
	if !ok {
		return Result{Verdict: reuseport.VerdictPassThrough}
	}

	if err := d.selector.SelectReuseport(index); err != nil {
		return Result{Verdict: reuseport.VerdictSelectFailed, Index: index}
	}
	return Result{Verdict: reuseport.VerdictSelected, Index: index}
}
