// Package policy implements the dispatch decision: given the current
// replica count and the executing unit, pick a worker index.
//
// Both variants share one contract. A replica count of zero, or a unit
// without counter state for the round-robin variant, yields no
// selection (ok == false) and the caller passes the packet through.
// A replica count of one always yields index 0. Select never
// allocates and never blocks.
package policy

import (
	"math/rand/v2"

	"github.com/frobware/go-reuseport"
)

// Policy chooses a worker index for one packet.
type Policy interface {
	// Select returns the chosen index in [0, replicas) and true, or
	// false when the packet must be passed through.
	Select(replicas uint32, u *Unit) (index uint32, ok bool)

	// Variant reports which variant this policy implements.
	Variant() reuseport.Variant
}

// New returns the policy for variant v.
func New(v reuseport.Variant) (Policy, error) {
	switch v {
	case reuseport.VariantRandom:
		return Random{}, nil
	case reuseport.VariantRoundRobin:
		return RoundRobin{}, nil
	default:
		return nil, v.Validate()
	}
}

// Random picks index = uniform_random() mod replicas. The source is
// the host-seeded generator from math/rand/v2; every call is
// independent and no state is kept.
type Random struct{}

// Select implements Policy.
func (Random) Select(replicas uint32, _ *Unit) (uint32, bool) {
	if replicas == 0 {
		return 0, false
	}
	return rand.Uint32() % replicas, true
}

// Variant implements Policy.
func (Random) Variant() reuseport.Variant { return reuseport.VariantRandom }

// RoundRobin picks index = counter.Next() mod replicas using the
// counter of the executing unit only. Fairness across units is
// approximate: each unit walks its own sequence.
type RoundRobin struct{}

// Select implements Policy.
func (RoundRobin) Select(replicas uint32, u *Unit) (uint32, bool) {
	if replicas == 0 {
		return 0, false
	}
	if u == nil || u.counter == nil {
		return 0, false
	}
	return u.counter.Next() % replicas, true
}

// Variant implements Policy.
func (RoundRobin) Variant() reuseport.Variant { return reuseport.VariantRoundRobin }
