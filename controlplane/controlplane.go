// Package controlplane is the write side of the dispatcher state: it
// attaches a dispatcher, registers and unregisters worker sockets and
// publishes the replica count.
//
// Dispatchers assume a single writer. A Handle serialises all writes
// made through it, and Group keeps the populated slots contiguous as
// workers come and go.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-reuseport"
)

// Backend is the dispatcher state a control plane writes to. The
// kernel program and the user-space registry both implement it.
type Backend interface {
	SetReplicaCount(n uint32) error
	RegisterSocket(index uint32, handle uint64) error
	UnregisterSocket(index uint32) error
	// Detach tears the dispatcher down. After Detach the backend
	// must not be used.
	Detach() error
}

// Attacher creates a dispatcher backend for a policy variant.
type Attacher interface {
	Attach(ctx context.Context, v reuseport.Variant, maxSlots uint32) (Backend, error)
}

// AttacherFunc adapts a function to Attacher.
type AttacherFunc func(ctx context.Context, v reuseport.Variant, maxSlots uint32) (Backend, error)

// Attach implements Attacher.
func (f AttacherFunc) Attach(ctx context.Context, v reuseport.Variant, maxSlots uint32) (Backend, error) {
	return f(ctx, v, maxSlots)
}

// ErrDetached is returned by writes on a detached handle.
var ErrDetached = errors.New("dispatcher detached")

// Handle is an attached dispatcher.
type Handle struct {
	id       uuid.UUID
	variant  reuseport.Variant
	maxSlots uint32
	logger   *slog.Logger

	mu       sync.Mutex
	backend  Backend
	replicas uint32
}

// Attach validates the request and attaches a dispatcher through a.
func Attach(ctx context.Context, a Attacher, v reuseport.Variant, maxSlots uint32, logger *slog.Logger) (*Handle, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	if err := reuseport.CheckSlots(maxSlots); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	backend, err := a.Attach(ctx, v, maxSlots)
	if err != nil {
		return nil, fmt.Errorf("attach %s dispatcher: %w", v, err)
	}

	h := &Handle{
		id:       uuid.New(),
		variant:  v,
		maxSlots: maxSlots,
		backend:  backend,
	}
	h.logger = logger.With("component", "controlplane", "dispatcher", h.id.String())
	h.logger.Info("dispatcher attached", "variant", v, "max_slots", maxSlots)
	return h, nil
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() uuid.UUID { return h.id }

// Variant returns the policy variant.
func (h *Handle) Variant() reuseport.Variant { return h.variant }

// MaxSlots returns the registry capacity.
func (h *Handle) MaxSlots() uint32 { return h.maxSlots }

// ReplicaCount returns the last replica count written through h.
func (h *Handle) ReplicaCount() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replicas
}

// SetReplicaCount publishes n.
func (h *Handle) SetReplicaCount(n uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.setReplicaCountLocked(n)
}

func (h *Handle) setReplicaCountLocked(n uint32) error {
	if h.backend == nil {
		return ErrDetached
	}
	if n > h.maxSlots {
		return reuseport.ErrReplicaCountOutOfRange{Count: n, Max: h.maxSlots}
	}
	if err := h.backend.SetReplicaCount(n); err != nil {
		return err
	}
	h.logger.Debug("replica count changed", "from", h.replicas, "to", n)
	h.replicas = n
	return nil
}

// RegisterSocket stores socket at index.
func (h *Handle) RegisterSocket(index uint32, socket uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registerLocked(index, socket)
}

func (h *Handle) registerLocked(index uint32, socket uint64) error {
	if h.backend == nil {
		return ErrDetached
	}
	if index >= h.maxSlots {
		return reuseport.ErrSlotOutOfRange{Index: index, Max: h.maxSlots}
	}
	if err := h.backend.RegisterSocket(index, socket); err != nil {
		return err
	}
	h.logger.Debug("socket registered", "index", index, "socket", socket)
	return nil
}

// UnregisterSocket clears index.
func (h *Handle) UnregisterSocket(index uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.unregisterLocked(index)
}

func (h *Handle) unregisterLocked(index uint32) error {
	if h.backend == nil {
		return ErrDetached
	}
	if index >= h.maxSlots {
		return reuseport.ErrSlotOutOfRange{Index: index, Max: h.maxSlots}
	}
	if err := h.backend.UnregisterSocket(index); err != nil {
		return err
	}
	h.logger.Debug("socket unregistered", "index", index)
	return nil
}

// Detach tears the dispatcher down. Calling it again is a no-op.
func (h *Handle) Detach() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.backend == nil {
		return nil
	}
	err := h.backend.Detach()
	h.backend = nil
	h.replicas = 0
	if err != nil {
		return fmt.Errorf("detach dispatcher %s: %w", h.id, err)
	}
	h.logger.Info("dispatcher detached")
	return nil
}

// locked runs fn with the handle's write lock held.
func (h *Handle) locked(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn()
}
