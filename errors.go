package reuseport

import (
	"errors"
	"fmt"
)

// ErrNoSocket is returned by a selection primitive when the chosen
// slot has no socket registered. Dispatchers absorb it.
var ErrNoSocket = errors.New("no socket registered at index")

// ErrSlotOutOfRange is returned when an index does not fit the registry.
type ErrSlotOutOfRange struct {
	Index uint32
	Max   uint32
}

func (e ErrSlotOutOfRange) Error() string {
	return fmt.Sprintf("slot %d out of range [0, %d)", e.Index, e.Max)
}

// ErrReplicaCountOutOfRange is returned when a replica count exceeds
// the registry capacity.
type ErrReplicaCountOutOfRange struct {
	Count uint32
	Max   uint32
}

func (e ErrReplicaCountOutOfRange) Error() string {
	return fmt.Sprintf("replica count %d exceeds capacity %d", e.Count, e.Max)
}

// ErrUnknownVariant is returned when a policy name cannot be parsed.
type ErrUnknownVariant struct {
	Name string
}

func (e ErrUnknownVariant) Error() string {
	return fmt.Sprintf("unknown dispatch policy %q (want random or round-robin)", e.Name)
}

// CheckSlots validates a registry capacity requested at attach time.
func CheckSlots(maxSlots uint32) error {
	if maxSlots == 0 || maxSlots > MaxSlots {
		return fmt.Errorf("max slots %d out of range [1, %d]", maxSlots, MaxSlots)
	}
	return nil
}
