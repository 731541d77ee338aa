package controlplane

import (
	"context"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/registry"
)

// RegistryAttacher attaches user-space dispatchers backed by a
// registry.Registry. When Registry is nil a new one is created for
// each Attach.
type RegistryAttacher struct {
	Registry *registry.Registry
}

// Attach implements Attacher.
func (a RegistryAttacher) Attach(_ context.Context, _ reuseport.Variant, maxSlots uint32) (Backend, error) {
	reg := a.Registry
	if reg == nil {
		var err error
		if reg, err = registry.New(maxSlots); err != nil {
			return nil, err
		}
	}
	return &RegistryBackend{Registry: reg}, nil
}

// RegistryBackend adapts a registry to Backend.
type RegistryBackend struct {
	*registry.Registry
}

// RegisterSocket implements Backend.
func (b *RegistryBackend) RegisterSocket(index uint32, handle uint64) error {
	return b.Set(index, handle)
}

// UnregisterSocket implements Backend.
func (b *RegistryBackend) UnregisterSocket(index uint32) error {
	return b.Remove(index)
}

// Detach clears every slot and the replica count.
func (b *RegistryBackend) Detach() error {
	b.Reset()
	return nil
}

// Backend returns the dispatcher backend, or nil once detached.
func (h *Handle) Backend() Backend {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backend
}
