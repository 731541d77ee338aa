// Package reuseport holds the types shared by the dispatch policy, the
// socket registry, the packet dispatchers and the control plane.
//
// An arriving datagram on a port shared by a pool of SO_REUSEPORT
// sockets is steered to exactly one worker socket. The decision is
// made either in the kernel (package kernel) or in user space
// (package dispatcher); both consult the same policy semantics.
package reuseport

import "fmt"

// MaxSlots is the capacity of a socket registry. Indices are in [0, 255].
const MaxSlots = 256

// Variant selects the dispatch policy. It is chosen once at attach
// time and never changes for the lifetime of a dispatcher.
type Variant uint32

const (
	VariantUnspecified Variant = iota
	// VariantRandom picks a uniformly random index per packet.
	VariantRandom
	// VariantRoundRobin walks the indices using a per-unit counter.
	VariantRoundRobin
)

// String returns the string representation of the variant.
func (v Variant) String() string {
	switch v {
	case VariantRandom:
		return "random"
	case VariantRoundRobin:
		return "round-robin"
	default:
		return "unspecified"
	}
}

// MarshalText implements encoding.TextMarshaler so Variant
// serialises as its string name in JSON and TOML.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVariant parses a policy name. "rr" is accepted as shorthand
// for round-robin.
func ParseVariant(s string) (Variant, error) {
	switch s {
	case "random":
		return VariantRandom, nil
	case "round-robin", "roundrobin", "rr":
		return VariantRoundRobin, nil
	default:
		return VariantUnspecified, ErrUnknownVariant{Name: s}
	}
}

// Validate returns an error unless v is one of the known variants.
func (v Variant) Validate() error {
	switch v {
	case VariantRandom, VariantRoundRobin:
		return nil
	default:
		return fmt.Errorf("invalid dispatch variant %d", uint32(v))
	}
}
