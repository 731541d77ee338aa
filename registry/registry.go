// Package registry is the user-space socket registry: a bounded,
// sparse table from worker index to an opaque 64-bit socket handle,
// plus the replica count the dispatcher reads.
//
// Writes come from the control plane only and are serialised here.
// Reads are lock-free: every slot is an atomic pointer to an
// immutable value, so a reader sees either the old slot, the new one
// or nothing, never a partial write.
package registry

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-reuseport"
)

// Slot is one published registry entry. Slots are never mutated after
// they are stored.
type Slot struct {
	Index  uint32
	Handle uint64
}

// Registry maps worker indices to socket handles.
type Registry struct {
	mu       sync.Mutex // serialises writers
	slots    []atomic.Pointer[Slot]
	replicas atomic.Uint32
}

// New returns an empty registry with maxSlots entries.
func New(maxSlots uint32) (*Registry, error) {
	if err := reuseport.CheckSlots(maxSlots); err != nil {
		return nil, err
	}
	return &Registry{slots: make([]atomic.Pointer[Slot], maxSlots)}, nil
}

// Capacity returns the number of slots.
func (r *Registry) Capacity() uint32 { return uint32(len(r.slots)) }

// Lookup returns the handle at index, if populated.
func (r *Registry) Lookup(index uint32) (uint64, bool) {
	if index >= uint32(len(r.slots)) {
		return 0, false
	}
	s := r.slots[index].Load()
	if s == nil {
		return 0, false
	}
	return s.Handle, true
}

// Set publishes handle at index, replacing any previous entry.
func (r *Registry) Set(index uint32, handle uint64) error {
	if index >= uint32(len(r.slots)) {
		return reuseport.ErrSlotOutOfRange{Index: index, Max: uint32(len(r.slots))}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[index].Store(&Slot{Index: index, Handle: handle})
	return nil
}

// Remove clears index. Removing an empty slot is not an error.
func (r *Registry) Remove(index uint32) error {
	if index >= uint32(len(r.slots)) {
		return reuseport.ErrSlotOutOfRange{Index: index, Max: uint32(len(r.slots))}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.slots[index].Store(nil)
	return nil
}

// Count returns the current replica count.
func (r *Registry) Count() uint32 { return r.replicas.Load() }

// ReplicaCount implements dispatcher.ReplicaSource.
func (r *Registry) ReplicaCount() uint32 { return r.replicas.Load() }

// SetReplicaCount publishes a new replica count.
func (r *Registry) SetReplicaCount(n uint32) error {
	if n > uint32(len(r.slots)) {
		return reuseport.ErrReplicaCountOutOfRange{Count: n, Max: uint32(len(r.slots))}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas.Store(n)
	return nil
}

// Populated returns the indices that currently hold a handle, in order.
func (r *Registry) Populated() []uint32 {
	var out []uint32
	for i := range r.slots {
		if r.slots[i].Load() != nil {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Contiguous reports whether the populated indices are exactly
// [0, Count()).
func (r *Registry) Contiguous() bool {
	n := r.Count()
	want := make([]uint32, n)
	for i := range want {
		want[i] = uint32(i)
	}
	return slices.Equal(r.Populated(), want)
}

// Reset clears every slot and the replica count.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replicas.Store(0)
	for i := range r.slots {
		r.slots[i].Store(nil)
	}
}
