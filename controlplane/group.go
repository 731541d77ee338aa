package controlplane

import (
	"fmt"
	"slices"
)

// Group tracks the live worker sockets of one dispatcher and keeps
// them in slots [0, N) with N as the replica count.
//
// Ordering matters because dispatchers read concurrently. A new slot
// is published before the count covers it. On removal the count
// shrinks first, the tail slot is cleared and only then is the tail
// socket stored in the hole. A kernel socket array refuses a socket
// that already sits at another index, so the move cannot happen
// before the clear. Until the move lands, readers picking the hole
// still reach the socket being removed, or fail the selection and
// take the default path.
type Group struct {
	h       *Handle
	sockets []uint64 // sockets[i] is registered at slot i
}

// NewGroup returns an empty group writing through h.
func NewGroup(h *Handle) *Group {
	return &Group{h: h}
}

// Len returns the number of active sockets.
func (g *Group) Len() int {
	var n int
	g.h.locked(func() error {
		n = len(g.sockets)
		return nil
	})
	return n
}

// Sockets returns the sockets in slot order.
func (g *Group) Sockets() []uint64 {
	var out []uint64
	g.h.locked(func() error {
		out = slices.Clone(g.sockets)
		return nil
	})
	return out
}

// Index returns the slot of socket.
func (g *Group) Index(socket uint64) (uint32, bool) {
	var idx int
	g.h.locked(func() error {
		idx = slices.Index(g.sockets, socket)
		return nil
	})
	if idx < 0 {
		return 0, false
	}
	return uint32(idx), true
}

// Add registers socket at the next free slot and grows the count.
func (g *Group) Add(socket uint64) (uint32, error) {
	var index uint32
	err := g.h.locked(func() error {
		if slices.Contains(g.sockets, socket) {
			return fmt.Errorf("socket %d already in group", socket)
		}
		index = uint32(len(g.sockets))
		if err := g.h.registerLocked(index, socket); err != nil {
			return err
		}
		if err := g.h.setReplicaCountLocked(index + 1); err != nil {
			// Leave the slot unpublished to the dispatcher.
			if uerr := g.h.unregisterLocked(index); uerr != nil {
				g.h.logger.Error("rollback failed: slot left registered beyond the replica count",
					"index", index, "socket", socket, "error", uerr)
			}
			return err
		}
		g.sockets = append(g.sockets, socket)
		return nil
	})
	return index, err
}

// Remove takes socket out of the group, compacting the slots. On
// error the group and the backend are left as they were unless the
// rollback itself fails, which is logged.
func (g *Group) Remove(socket uint64) error {
	return g.h.locked(func() error {
		idx := slices.Index(g.sockets, socket)
		if idx < 0 {
			return fmt.Errorf("socket %d not in group", socket)
		}
		last := len(g.sockets) - 1
		moved := g.sockets[last]

		if err := g.h.setReplicaCountLocked(uint32(last)); err != nil {
			return err
		}
		if err := g.h.unregisterLocked(uint32(last)); err != nil {
			g.restoreCount(uint32(last + 1))
			return err
		}
		if idx != last {
			if err := g.h.registerLocked(uint32(idx), moved); err != nil {
				if rerr := g.h.registerLocked(uint32(last), moved); rerr != nil {
					g.h.logger.Error("rollback failed: socket lost its slot",
						"index", last, "socket", moved, "error", rerr)
				} else {
					g.restoreCount(uint32(last + 1))
				}
				return err
			}
		}

		g.sockets[idx] = moved
		g.sockets = g.sockets[:last]
		return nil
	})
}

func (g *Group) restoreCount(n uint32) {
	if err := g.h.setReplicaCountLocked(n); err != nil {
		g.h.logger.Error("rollback failed: replica count not restored",
			"count", n, "error", err)
	}
}

// Resize keeps the first n sockets of pool active: it removes active
// sockets beyond n, tail first so no socket has to move, then adds the
// missing ones in order.
func (g *Group) Resize(pool []uint64, n int) error {
	if n < 0 || n > len(pool) {
		return fmt.Errorf("cannot resize to %d with %d sockets available", n, len(pool))
	}
	want := pool[:n]
	active := g.Sockets()
	for _, s := range slices.Backward(active) {
		if !slices.Contains(want, s) {
			if err := g.Remove(s); err != nil {
				return err
			}
		}
	}
	for _, s := range want {
		if _, ok := g.Index(s); !ok {
			if _, err := g.Add(s); err != nil {
				return err
			}
		}
	}
	return nil
}
